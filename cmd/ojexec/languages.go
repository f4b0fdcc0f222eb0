package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"ojexec/internal/executor/sandbox"

	"github.com/spf13/cobra"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the configured languages and their commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		appCfg, err := loadAppConfig(configPath, envFile)
		if err != nil {
			return fmt.Errorf("load app config failed: %w", err)
		}
		table, err := sandbox.NewLanguageTable(appCfg.Sandbox.Languages)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tIMAGE\tCOMPILE\tRUN")
		for _, name := range table.Names() {
			lang, _ := table.Lookup(name)
			compile := "-"
			if lang.Compiled() {
				compile = strings.Join(lang.CompileCmd, " ")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", lang.Name, lang.Image, compile, strings.Join(lang.RunCmd, " "))
		}
		return w.Flush()
	},
}
