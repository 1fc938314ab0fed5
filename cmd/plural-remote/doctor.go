package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-remote/cli"
	"github.com/zhubert/plural-remote/config"
	"github.com/zhubert/plural-remote/exec"
	"github.com/zhubert/plural-remote/logger"
	"github.com/zhubert/plural-remote/transport"
)

type doctorFlags struct {
	local bool
}

func newDoctorCmd(root *rootOptions) *cobra.Command {
	flags := &doctorFlags{}
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check local tools and the engines installed on each machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if err := root.setupLogging(cfg); err != nil {
				return err
			}
			return doctor(cmd, cfg, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.local, "local-only", false, "skip the checks that contact machines")
	return cmd
}

func doctor(cmd *cobra.Command, cfg *config.Config, flags *doctorFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	executor := exec.NewRealExecutor()

	results := cli.NewChecker(executor).CheckAll(ctx, cli.DefaultPrerequisites())
	fmt.Fprint(out, cli.FormatCheckResults(results))
	if err := cli.ValidateRequired(results); err != nil {
		return err
	}
	if flags.local || len(cfg.Machines) == 0 {
		return nil
	}

	remote := transport.NewSSH(cfg.Hosts(), cfg.SSHOptions(), executor, logger.WithComponent("doctor"))
	return reportEngines(ctx, out, remote, cfg)
}

func reportEngines(ctx context.Context, out io.Writer, remote cli.Remote, cfg *config.Config) error {
	machines := make([]string, 0, len(cfg.Machines))
	for _, m := range cfg.Machines {
		machines = append(machines, m.Name)
	}
	engines := make([]string, 0, len(cfg.Engines.Commands)+1)
	engines = append(engines, cfg.Engines.Default)
	for _, cmd := range cfg.Engines.Commands {
		engines = append(engines, cmd)
	}

	checks := cli.CheckEngines(ctx, remote, machines, engines, cfg.Sessions.ListTimeout.Duration)
	fmt.Fprint(out, "\nEngines:\n")
	fmt.Fprint(out, cli.FormatRemoteChecks(checks))
	if n := cli.RemoteProblems(checks); n > 0 {
		return fmt.Errorf("%d engine check(s) failed", n)
	}
	return nil
}
