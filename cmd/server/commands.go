package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/neodb-bridge/internal/migrate"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP server and sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			log.Info("starting",
				zap.String("version", version),
				zap.String("buildDate", buildDate),
				zap.String("addr", cfg.HTTPAddr),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := migrate.Up(ctx, cfg.DatabaseDSN, log); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           a.http.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				var err error
				if cfg.TLSCert != "" {
					log.Info("listening (TLS)", zap.String("addr", cfg.HTTPAddr))
					err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
				} else {
					log.Info("listening", zap.String("addr", cfg.HTTPAddr))
					err = srv.ListenAndServe()
				}
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
			g.Go(func() error { return a.sweeper.Run(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shCtx)
			})

			if err := g.Wait(); err != nil {
				log.Error("server error", zap.Error(err))
				return err
			}
			log.Info("shutdown complete")
			return nil
		},
	}
}

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply, roll back or list database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			dir := "up"
			if len(args) == 1 {
				dir = args[0]
			}
			switch dir {
			case "down":
				return migrate.Down(cmd.Context(), cfg.DatabaseDSN, log)
			case "status":
				return migrate.Status(cmd.Context(), cfg.DatabaseDSN, log)
			default:
				return migrate.Up(cmd.Context(), cfg.DatabaseDSN, log)
			}
		},
	}
}

func newSweepCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Redact stale tokens and purge expired auth states once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := buildApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.sweeper.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "redacted=%d failed=%d skipped=%d\n", rep.Redacted, rep.Failed, rep.Skipped)
			return err
		},
	}
}
