package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caffeineduck/wasmtask/executor"
	"github.com/caffeineduck/wasmtask/tasklog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wasmtask",
		Short: "Run build tasks compiled to WebAssembly",
		Long: `wasmtask - Discover and run build tasks compiled to WebAssembly.

A task module reports its parameters through the GetTaskInfo export and runs
through the execute export. Each run gets a fresh sandbox: input files are
copied in, the guest sees only that directory and any --dir you pass, and
file outputs are copied back to the destinations you choose.`,
		SilenceUsage: true,
	}

	// Add persistent flags that apply to multiple commands
	rootCmd.PersistentFlags().StringP("verbosity", "v", "minimal", "Log verbosity: quiet, minimal, normal, detailed")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable the on-disk compilation cache")
	rootCmd.PersistentFlags().String("memory", "", "Memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Timeout for each guest call (0 = none)")

	rootCmd.AddCommand(newSchemaCmd(), newRunCmd())
	return rootCmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the console logger for --verbosity.
func newLogger(cmd *cobra.Command) (*tasklog.Zerolog, error) {
	verbosity, _ := cmd.Flags().GetString("verbosity")
	level, err := parseVerbosity(verbosity)
	if err != nil {
		return nil, err
	}
	out := zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.TimeOnly}
	return tasklog.NewZerolog(zerolog.New(out).Level(level).With().Timestamp().Logger()), nil
}

// parseVerbosity maps build-engine verbosity names onto zerolog levels.
// Message importance maps High to Info, Normal to Debug and Low to Trace.
func parseVerbosity(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "q", "quiet":
		return zerolog.WarnLevel, nil
	case "m", "minimal":
		return zerolog.InfoLevel, nil
	case "n", "normal":
		return zerolog.DebugLevel, nil
	case "d", "detailed", "diag", "diagnostic":
		return zerolog.TraceLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown verbosity %q: use quiet, minimal, normal or detailed", s)
}

// executorOptions collects the options shared by every command.
func executorOptions(cmd *cobra.Command, log tasklog.Logger) ([]executor.Option, error) {
	noCache, _ := cmd.Flags().GetBool("no-cache")
	memoryLimit, _ := cmd.Flags().GetString("memory")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	opts := []executor.Option{executor.WithLogger(log)}
	if !noCache {
		opts = append(opts, executor.WithDiskCache())
	}
	if memoryLimit != "" {
		pages, err := parseMemoryLimit(memoryLimit)
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithMemoryLimit(pages))
	}
	if timeout > 0 {
		opts = append(opts, executor.WithTimeout(timeout))
	}
	return opts, nil
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "1mb":
		return executor.MemoryLimit1MB, nil
	case "16mb":
		return executor.MemoryLimit16MB, nil
	case "64mb":
		return executor.MemoryLimit64MB, nil
	case "256mb":
		return executor.MemoryLimit256MB, nil
	case "1gb":
		return executor.MemoryLimit1GB, nil
	}
	return 0, fmt.Errorf("invalid memory limit %q: use 1mb, 16mb, 64mb, 256mb or 1gb", s)
}

// splitAssignment parses name=value.
func splitAssignment(flag, s string) (string, string, error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid --%s %q (expected name=value)", flag, s)
	}
	return name, value, nil
}
