package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/observer"
	"github.com/vk/taskgrid/internal/runconfig"
)

var serveDemoFlag string
var serveAddrFlag string

var serveCmd = &cobra.Command{
	Use:   "serve CONFIGFILE",
	Short: "Run a scenario and serve its progress over the observer HTTP surface",
	Args:  cobra.MinimumNArgs(1),
	RunE:  serveCommand,
}

func init() {
	serveCmd.Flags().StringVar(&serveDemoFlag, "demo", "", "Built-in scenario to execute while serving")
	serveCmd.Flags().StringVar(&serveAddrFlag, "addr", ":8080", "Address the observer HTTP surface listens on")
}

func serveCommand(cmd *cobra.Command, args []string) error {
	cfg, err := runconfig.Load(args[0])
	if err != nil {
		return err
	}

	applyConfigLogging(cmd, cfg)

	run, err := buildRun(cfg)
	if err != nil {
		return err
	}

	demoName := resolveDemoName(cmd, serveDemoFlag, cfg)
	d, ok := demos[demoName]
	if !ok {
		return fmt.Errorf("unknown --demo %q", demoName)
	}
	rootID, err := d(run)
	if err != nil {
		return err
	}

	srv := observer.New(run, run.RunCtx(), logger)
	addr := serveAddrFlag
	if cfg.Observer.Addr != "" {
		addr = cfg.Observer.Addr
	}
	srv.ListenAndServe(addr)

	timeout, err := cfg.HaltTimeout()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctxlog.WithLogger(context.Background(), logger), timeout)
	defer cancel()
	result, err := run.Run(ctx, rootID)
	if err != nil {
		return err
	}
	fmt.Printf("root thunk %s finished: %v\n", rootID, result)

	select {}
}
