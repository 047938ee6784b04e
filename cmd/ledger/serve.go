package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/Veraticus/the-books-must-balance/internal/api"
	"github.com/Veraticus/the-books-must-balance/internal/engine"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the classification API",
		Long: `Start the HTTP API. Snapshots posted to /api/v1/snapshots are classified
in the background; reviewers confirm or correct the results through the
record endpoints. Prometheus metrics are served on /metrics.`,
		RunE: runServe,
	}

	cmd.Flags().String("addr", ":8080", "address to listen on")
	cmd.Flags().Int("workers", engine.DefaultWorkers, "concurrent classifications")
	_ = viper.BindPFlag("server.address", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("engine.workers", cmd.Flags().Lookup("workers"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	classifier, err := a.newClassifier(ctx)
	if err != nil {
		return err
	}

	dispatcher := engine.NewDispatcher(classifier, engine.DispatcherOptions{
		Workers: a.cfg.Workers,
		OnDone:  logOutcome,
	}, a.logger)

	server, err := api.New(api.Deps{
		Storage:   a.store,
		Feedback:  a.feedback,
		Scheduler: dispatcher,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(a.cfg.Server.Address)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down API server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop api server: %w", err))
		}
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("classifications still running at shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func logOutcome(recordID string, res *engine.Result, err error) {
	switch {
	case err != nil:
		slog.Warn("Classification did not complete", "record_id", recordID, "error", err)
	case res.Unchanged:
		slog.Debug("Record already classified", "record_id", recordID)
	default:
		rec := res.Record
		level := slog.LevelInfo
		if rec.Status == model.StatusFailed {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "Classified record",
			"record_id", recordID,
			"status", rec.Status,
			"account", rec.AccountCode,
			"confidence", rec.Confidence,
			"auto_applied", res.AutoApplied)
	}
}
