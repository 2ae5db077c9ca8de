package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/saint0x/incident-copilot/pkg/hooks"
	"github.com/saint0x/incident-copilot/pkg/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and incident API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending database migrations before serving")
	return cmd
}

func runServe(parent context.Context, migrate bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	shuttingDown := make(chan struct{}, 1)
	go func() {
		for sig := range sigCh {
			select {
			case <-shuttingDown:
				logger.Error("❌ Force stopping...")
				os.Exit(1)
			default:
				logger.Info("🛑 Received signal: %v", sig)
				logger.Info("ℹ️ Press Ctrl+C again to force stop")
				shuttingDown <- struct{}{}
				cancel()
			}
		}
	}()

	logger.Step("Starting incident copilot %s...", Version)
	logger.Step("Validating environment...")
	if err := env.Validate(); err != nil {
		return fmt.Errorf("environment validation failed: %w", err)
	}
	logger.Success("Environment validated")

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate {
		if err := runMigrations(ctx, a.pool); err != nil {
			return err
		}
	}

	gen, err := newGenerator(ctx, a.metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize AI generator: %w", err)
	}

	intake := hooks.New(logger.Named("hooks"), a.store, a.store, a.gitlab, a.metrics)

	srv, err := server.New(logger, env.Port, server.Deps{
		Store:      a.store,
		Analyzer:   gen,
		Remediator: a.remediator,
		Webhooks:   intake,
		Pipelines:  a.gitlab,
		Metrics:    a.metrics.Handler(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Success("Server stopped")
	return nil
}
