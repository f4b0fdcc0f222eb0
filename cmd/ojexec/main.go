// Command ojexec runs the code execution service and a local judge.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "configs/ojexec.yaml"
	defaultEnvFile    = ".env"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "ojexec",
	Short:         "Sandboxed code execution for online judges",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", defaultEnvFile, "dotenv file with OJEXEC_* overrides")
	rootCmd.AddCommand(serveCmd, runCmd, languagesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
