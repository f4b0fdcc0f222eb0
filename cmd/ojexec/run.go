package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"ojexec/internal/executor/model"
	"ojexec/internal/executor/sandbox"
	"ojexec/internal/executor/service"
	"ojexec/pkg/utils/logger"

	"github.com/spf13/cobra"
)

type runArgs struct {
	Language      string
	SourcePath    string
	CasesPath     string
	TimeLimitMs   int64
	MemoryLimitMb int64
	Runner        string
	Verbose       bool
}

var localRun runArgs

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Judge one source file against local test cases",
	Long: `Judge one source file against test cases read from a yaml file:

  - input: "1 2\n"
    expected_output: "3\n"

The verdict is printed as JSON. No queue, cache or broker is involved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLocal(localRun)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&localRun.Language, "language", "l", "", "language name; inferred from the source extension when empty")
	f.StringVarP(&localRun.SourcePath, "source", "s", "", "source file to judge")
	f.StringVarP(&localRun.CasesPath, "cases", "t", "", "yaml file with test cases")
	f.Int64Var(&localRun.TimeLimitMs, "time-limit", model.DefaultTimeLimitMs, "per-case time limit in milliseconds")
	f.Int64Var(&localRun.MemoryLimitMb, "memory-limit", model.DefaultMemoryLimitMb, "memory limit in MB")
	f.StringVar(&localRun.Runner, "runner", "", "sandbox runner, docker or process; overrides the config")
	f.BoolVarP(&localRun.Verbose, "verbose", "v", false, "log sandbox activity to stderr")
	_ = runCmd.MarkFlagRequired("source")
	_ = runCmd.MarkFlagRequired("cases")
}

type caseFile struct {
	Input          string `yaml:"input"`
	ExpectedOutput string `yaml:"expected_output"`
	Hidden         bool   `yaml:"hidden"`
	Points         int    `yaml:"points"`
}

func runLocal(args runArgs) error {
	appCfg, err := loadAppConfig(configPath, envFile)
	if err != nil {
		return fmt.Errorf("load app config failed: %w", err)
	}
	if args.Runner != "" {
		appCfg.Sandbox.Runner = strings.ToLower(args.Runner)
	}
	level := "error"
	if args.Verbose {
		level = "debug"
	}
	if err := logger.Init(logger.Config{Level: level, Format: "console", OutputPath: "stderr", ErrorPath: "stderr"}); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	code, err := os.ReadFile(args.SourcePath)
	if err != nil {
		return fmt.Errorf("read source failed: %w", err)
	}
	cases, err := loadCases(args.CasesPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	stack, err := buildSandbox(ctx, appCfg.Sandbox)
	if err != nil {
		return err
	}
	defer stack.Close()

	language := args.Language
	if language == "" {
		language = inferLanguage(stack.engine.Languages(), args.SourcePath)
		if language == "" {
			return fmt.Errorf("cannot infer language of %s, pass --language", args.SourcePath)
		}
	}

	job := model.ExecutionJob{
		UserID: "local",
		Submission: model.Submission{
			SubmissionID:  "local_" + filepath.Base(args.SourcePath),
			Code:          string(code),
			Language:      language,
			TestCases:     cases,
			TimeLimitMs:   args.TimeLimitMs,
			MemoryLimitMb: args.MemoryLimitMb,
		},
	}
	coordinator := service.NewCoordinator(stack.engine)
	v := coordinator.Execute(ctx, job, func(done, total int) {
		fmt.Fprintf(os.Stderr, "case %d/%d done\n", done, total)
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadCases(path string) ([]model.TestCase, error) {
	var raw []caseFile
	if err := loadYAML(path, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s has no test cases", path)
	}
	cases := make([]model.TestCase, 0, len(raw))
	for _, c := range raw {
		tc := model.NewTestCase(c.Input, c.ExpectedOutput)
		tc.IsHidden = c.Hidden
		tc.Points = c.Points
		cases = append(cases, tc)
	}
	return cases, nil
}

func inferLanguage(table *sandbox.LanguageTable, path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return ""
	}
	for _, name := range table.Names() {
		lang, _ := table.Lookup(name)
		if strings.ToLower(filepath.Ext(lang.SourceFile)) == ext {
			return name
		}
	}
	return ""
}
