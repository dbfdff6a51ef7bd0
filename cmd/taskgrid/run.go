package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/runconfig"
)

var demoFlag string

var runCmd = &cobra.Command{
	Use:   "run CONFIGFILE",
	Short: "Run a task graph against a configured processor pool",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCommand,
}

func init() {
	names := make([]string, 0, len(demos))
	for name := range demos {
		names = append(names, name)
	}
	sort.Strings(names)
	runCmd.Flags().StringVar(&demoFlag, "demo", "", fmt.Sprintf("Built-in scenario to run (overrides run.entrypoint): one of %v", names))
}

func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := runconfig.Load(args[0])
	if err != nil {
		return err
	}

	applyConfigLogging(cmd, cfg)

	run, err := buildRun(cfg)
	if err != nil {
		return err
	}

	demoName := resolveDemoName(cmd, demoFlag, cfg)
	d, ok := demos[demoName]
	if !ok {
		return fmt.Errorf("unknown --demo %q", demoName)
	}

	rootID, err := d(run)
	if err != nil {
		return err
	}

	timeout, err := cfg.HaltTimeout()
	if err != nil {
		return err
	}

	ctx := ctxlog.WithLogger(context.Background(), logger)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fmt.Fprintln(os.Stderr, color.Cyan.Sprint("Running task graph..."))
	result, err := run.Run(ctx, rootID)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.Red.Sprintf("✗ run failed: %v", err))
		return err
	}

	fmt.Fprintln(os.Stderr, color.Green.Sprintf("✓ root thunk %s finished: %v", rootID, result))
	return nil
}

// applyConfigLogging rebuilds the global logger from cfg.Log whenever the
// caller didn't pass an explicit --log-level/--log-format flag, so a run
// file's settings apply without a flag taking silent precedence over them.
func applyConfigLogging(cmd *cobra.Command, cfg *runconfig.Config) {
	level, format := logLevel, logFormat
	if !cmd.Flags().Changed("log-level") {
		level = cfg.Log.Level
	}
	if !cmd.Flags().Changed("log-format") {
		format = cfg.Log.Format
	}
	logger = buildLogger(level, format)
}

// resolveDemoName picks the scenario to execute: an explicit --demo flag
// always wins, otherwise a run file's run.entrypoint names the scenario the
// way a Go plugin's exported symbol names the code a loader resolves it
// against. flagValue is returned unchanged when neither source applies, so
// an unset flag still surfaces the usual "unknown --demo" error.
func resolveDemoName(cmd *cobra.Command, flagValue string, cfg *runconfig.Config) string {
	if cmd.Flags().Changed("demo") || cfg.Run.Entrypoint == "" {
		return flagValue
	}
	return cfg.Run.Entrypoint
}
