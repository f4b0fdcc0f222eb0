package sandbox

import (
	"sort"
	"strings"

	appErr "ojexec/pkg/errors"

	"github.com/google/shlex"
)

// Language describes how to build and run one supported language.
// CompileCmd is nil for interpreted languages.
type Language struct {
	Name       string
	Image      string
	SourceFile string
	BinaryFile string
	CompileCmd []string
	RunCmd     []string
}

// Compiled reports whether the language has a compile step.
func (l *Language) Compiled() bool {
	return len(l.CompileCmd) > 0
}

// LanguageSpec is the config form of a language, with shell-like command templates.
// Templates may use {src} and {bin}.
type LanguageSpec struct {
	Name       string `yaml:"name"`
	Image      string `yaml:"image"`
	SourceFile string `yaml:"sourceFile"`
	BinaryFile string `yaml:"binaryFile"`
	Compile    string `yaml:"compile"`
	Run        string `yaml:"run"`
}

// DefaultLanguageSpecs is the built-in language table.
func DefaultLanguageSpecs() []LanguageSpec {
	return []LanguageSpec{
		{Name: "python", Image: "oj-python:3.9", SourceFile: "solution.py", Run: "python {src}"},
		{Name: "javascript", Image: "oj-javascript:18", SourceFile: "solution.js", Run: "node {src}"},
		{Name: "cpp", Image: "oj-cpp:9", SourceFile: "solution.cpp", BinaryFile: "solution",
			Compile: "g++ -o {bin} {src} -std=c++17 -O2", Run: "./{bin}"},
		{Name: "java", Image: "oj-java:11", SourceFile: "Solution.java", BinaryFile: "Solution",
			Compile: "javac {src}", Run: "java -Xss64m {bin}"},
		{Name: "c", Image: "oj-c:9", SourceFile: "solution.c", BinaryFile: "solution",
			Compile: "gcc -o {bin} {src} -std=c11 -O2", Run: "./{bin}"},
	}
}

// LanguageTable is the closed set of languages the executor accepts.
type LanguageTable struct {
	langs map[string]*Language
}

// NewLanguageTable builds the table from the defaults, replaced entry by entry by overrides.
func NewLanguageTable(overrides []LanguageSpec) (*LanguageTable, error) {
	specs := make(map[string]LanguageSpec)
	for _, s := range DefaultLanguageSpecs() {
		specs[s.Name] = s
	}
	for _, s := range overrides {
		name := strings.ToLower(strings.TrimSpace(s.Name))
		if name == "" {
			return nil, appErr.New(appErr.InvalidParams).WithMessage("language name is required")
		}
		s.Name = name
		specs[name] = s
	}

	table := &LanguageTable{langs: make(map[string]*Language, len(specs))}
	for name, s := range specs {
		lang, err := buildLanguage(s)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidParams, "language %s", name)
		}
		table.langs[name] = lang
	}
	return table, nil
}

// Lookup finds a language case-insensitively.
func (t *LanguageTable) Lookup(name string) (*Language, bool) {
	lang, ok := t.langs[strings.ToLower(strings.TrimSpace(name))]
	return lang, ok
}

// Names returns the supported language names in sorted order.
func (t *LanguageTable) Names() []string {
	names := make([]string, 0, len(t.langs))
	for name := range t.langs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Images returns the distinct images referenced by the table.
func (t *LanguageTable) Images() []string {
	seen := make(map[string]struct{})
	var images []string
	for _, name := range t.Names() {
		img := t.langs[name].Image
		if img == "" {
			continue
		}
		if _, ok := seen[img]; ok {
			continue
		}
		seen[img] = struct{}{}
		images = append(images, img)
	}
	return images
}

func buildLanguage(s LanguageSpec) (*Language, error) {
	if s.SourceFile == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("source file is required")
	}
	lang := &Language{
		Name:       s.Name,
		Image:      s.Image,
		SourceFile: s.SourceFile,
		BinaryFile: s.BinaryFile,
	}
	if strings.TrimSpace(s.Compile) != "" {
		cmd, err := buildCommand(s.Compile, s)
		if err != nil {
			return nil, err
		}
		lang.CompileCmd = cmd
	}
	cmd, err := buildCommand(s.Run, s)
	if err != nil {
		return nil, err
	}
	lang.RunCmd = cmd
	return lang, nil
}

func buildCommand(tpl string, s LanguageSpec) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := strings.ReplaceAll(tpl, "{src}", s.SourceFile)
	expanded = strings.ReplaceAll(expanded, "{bin}", s.BinaryFile)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}
