package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	logLevel string
	output   string
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Safety gate and governed step execution for coding agents",
	Long: `warden checks agent actions against safety rules and runs step plans
in sandboxed sessions under budget, step and uncertainty ceilings.

Commands:
  check           Check one action against the safety gate
  rules validate  Validate a YAML rule file
  rules defaults  Print the built-in rule table
  run             Execute a YAML step plan in a local sandbox`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
}

// newLogger writes console logs to stderr so stdout stays parseable.
func newLogger() *zap.Logger {
	lvl, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		lvl = zapcore.WarnLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func validateOutput() error {
	switch output {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", output)
	}
}
