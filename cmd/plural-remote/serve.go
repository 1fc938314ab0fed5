package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-remote/config"
	"github.com/zhubert/plural-remote/directory"
	"github.com/zhubert/plural-remote/dispatch"
	"github.com/zhubert/plural-remote/exec"
	"github.com/zhubert/plural-remote/flow"
	"github.com/zhubert/plural-remote/inbox"
	"github.com/zhubert/plural-remote/logger"
	"github.com/zhubert/plural-remote/manager"
	"github.com/zhubert/plural-remote/poller"
	"github.com/zhubert/plural-remote/relay"
	"github.com/zhubert/plural-remote/transcript"
	"github.com/zhubert/plural-remote/transport"
)

type serveFlags struct {
	stdout bool
	watch  bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume chat updates from NATS and run sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if err := root.setupLogging(cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.stdout, "stdout", false, "print outbound messages instead of publishing them")
	cmd.Flags().BoolVar(&flags.watch, "watch", true, "reload machines and hosts when the config file changes")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, flags *serveFlags) error {
	log := logger.WithComponent("serve")

	in, err := inbox.Connect(ctx, cfg.InboxOptions(), logger.WithComponent("inbox"))
	if err != nil {
		return err
	}
	defer in.Close()

	var out interface {
		relay.Sink
		relay.Prompter
	}
	if flags.stdout {
		out = relay.NewWriterSink(os.Stdout)
	} else {
		out = relay.NewNATSSink(in.Conn(), in.Prefix())
	}
	buffered := relay.NewBuffered(out, cfg.RelayOptions(), logger.WithComponent("relay"))

	ssh := transport.NewSSH(cfg.Hosts(), cfg.SSHOptions(), exec.NewRealExecutor(), logger.WithComponent("transport"))

	var analyzer transcript.Analyzer
	archiveDir, err := cfg.ArchiveDir()
	if err != nil {
		return fmt.Errorf("failed to resolve archive dir: %w", err)
	}
	if archiveDir != "" {
		analyzer = transcript.NewArchive(archiveDir, logger.WithComponent("archive"))
	}

	sessions := manager.New(ssh, buffered, analyzer, manager.Options{
		IdleTimeout:    cfg.Sessions.IdleTimeout.Duration,
		AnalyzeTimeout: cfg.Sessions.AnalyzeTimeout.Duration,
		MaxLineLength:  cfg.Sessions.MaxLineLength,
		OnRemoved: func(s *manager.ActiveSession) {
			code, _ := s.ExitCode()
			logger.WithSession(s.SessionRef).Info("session removed", "thread", s.ThreadKey, "exitCode", code)
		},
		Logger: logger.WithComponent("manager"),
	})

	dir := directory.New(cfg.DirectoryMachines(), ssh, cfg.Sessions.ListTimeout.Duration, logger.WithComponent("directory"))

	flows := flow.NewStore(flow.StoreOptions{TTL: cfg.Flows.TTL.Duration, Logger: logger.WithComponent("flow")})
	go flows.RunSweeper(ctx, cfg.Flows.SweepInterval.Duration)

	dispatcher := dispatch.New(dispatch.Config{
		Flows:     flows,
		Sessions:  sessions,
		Directory: dir,
		Tasks:     in,
		Replies:   buffered,
		Prompts:   out,
		Engines:   cfg.EngineTable(),
		Logger:    logger.WithComponent("dispatch"),
	})

	if flags.watch && cfg.Path() != "" {
		go func() {
			err := config.Watch(ctx, cfg.Path(), logger.WithComponent("config"), func(next *config.Config) {
				ssh.SetHosts(next.Hosts())
				dir.SetMachines(next.DirectoryMachines())
			})
			if err != nil {
				log.Warn("config watch stopped", "error", err)
			}
		}()
	}

	loop := poller.New[inbox.Update](in, dispatcher.Handle, cfg.PollerOptions(), logger.WithComponent("poller"))
	loop.OnRetry(func(failures int, delay time.Duration, err error) {
		log.Warn("inbox poll failed", "failures", failures, "retryIn", delay, "error", err)
	})

	log.Info("serving", "machines", len(cfg.Machines), "archive", archiveDir)
	err = loop.Run(ctx)

	for _, info := range sessions.List() {
		if stopErr := sessions.Stop(info.ThreadKey); stopErr != nil {
			log.Warn("failed to stop session on shutdown", "thread", info.ThreadKey, "error", stopErr)
		}
	}
	if ctx.Err() != nil {
		log.Info("shutting down")
		return nil
	}
	return err
}
