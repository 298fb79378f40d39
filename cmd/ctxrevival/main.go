package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/ctxrevival/internal/config"
)

var version = "dev"

var (
	noColor bool
	remote  bool
)

var rootCmd = &cobra.Command{
	Use:   "ctxrevival",
	Short: "Revive relevant context from earlier turns of a coding session",
	Long: `ctxrevival stores the outcome of every completed turn per project and,
when a new prompt looks like it refers back to earlier work, returns a short
block of the most relevant records.

Use it as a prompt hook:
  ctxrevival inject < hook.json
or run the HTTP and MCP surfaces with:
  ctxrevival serve`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ctxrevival version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&remote, "remote", false, "talk to a running server instead of opening the store directly")

	rootCmd.AddCommand(serveCmd, stopCmd, injectCmd, recordCmd, healthCmd, sweepCmd, configCmd, versionCmd)
}

// setupLogging installs a text slog handler on stderr at the configured level.
func setupLogging(cfg config.Config) {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
