package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"privroute/internal/agent"
	"privroute/internal/channel"
	"privroute/internal/metrics"
)

func chatCmd() *cobra.Command {
	var convID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat with review prompts and @persona fan-out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), convID)
		},
	}
	cmd.Flags().StringVar(&convID, "conversation", "", "resume a conversation by id (default: new conversation)")
	return cmd
}

func runChat(parent context.Context, convID string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if n, err := a.store.Purge(ctx, a.cfg.Memory.RetentionDays); err != nil {
		logger.Warn("retention purge failed", "err", err)
	} else if n > 0 {
		logger.Info("retention purge", "rows", n)
	}
	if _, err := a.store.ApplyDecay(ctx, 0); err != nil {
		logger.Warn("memory decay failed", "err", err)
	}

	if convID == "" {
		convID = uuid.NewString()
	}
	exec := agent.NewBackgroundExecutor(logger)
	defer exec.Wait()

	orch, err := a.orchestrator(convID, exec)
	if err != nil {
		return err
	}
	docs, err := loadAttachments(ctx, a.cfg.General.AttachmentsDir)
	if err != nil {
		return err
	}
	for _, d := range docs {
		orch.Attach(d)
	}
	logger.Info("chat started", "conversation", convID, "mode", orch.Mode(), "attachments", len(docs))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Collector.Serve(gctx, a.cfg.Metrics.Addr, a.cfg.Metrics.Endpoint, logger)
		})
	}
	g.Go(func() error {
		// Leaving the REPL ends the metrics server too.
		defer cancel()
		cli := channel.NewCLI(channel.CLIConfig{
			Conversation: orch,
			Events:       a.events,
			Logger:       logger,
		})
		return cli.Start(gctx)
	})
	return g.Wait()
}
