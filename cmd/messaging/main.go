package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LeventeLantos/compliant-messaging/internal/config"
	"github.com/LeventeLantos/compliant-messaging/internal/db"
	"github.com/LeventeLantos/compliant-messaging/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type env struct {
	cfg *config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:           "messaging",
		Short:         "Compliant outbound message delivery engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			cfg, err := config.LoadAll()
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.log = logger.New(cfg.Log.Env, cfg.Log.Level)
			return nil
		},
	}

	root.AddCommand(newServeCmd(e), newRunOnceCmd(e), newMigrateCmd(e))
	return root
}

func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the in-process scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, e.cfg, e.log)
		},
	}
}

func newRunOnceCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Process due scheduled messages once and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), e.cfg, e.log)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.processor.Run(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
}

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if e.cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate requires STORE_DRIVER=postgres, got %q", e.cfg.Database.Driver)
			}
			pool, err := db.Open(cmd.Context(), e.cfg.Database.PostgresURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(pool, args[0]); err != nil {
				return err
			}
			e.log.Info().Str("cmd", args[0]).Msg("migrations done")
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Scheduler.Enabled {
		a.sched.Start()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Server.Address).
			Str("store", cfg.Database.Driver).
			Str("budget", cfg.Scheduler.BudgetDriver).
			Str("cron", cfg.Scheduler.Cron).
			Int("batch", cfg.Scheduler.BatchSize).
			Bool("redis", cfg.Redis.Enabled).
			Bool("scheduler", cfg.Scheduler.Enabled).
			Msg("messaging app starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	a.sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
