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

	"github.com/MacJediWizard/folio/internal/entitlement"
	"github.com/MacJediWizard/folio/internal/metrics"
)

const (
	metricsReadHeaderTimeout = 5 * time.Second
	shutdownTimeout          = 15 * time.Second
)

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run background license maintenance",
		Long: `Run Folio's license maintenance as a long-running process.

The daemon will:
  - Re-validate the activation against the license server on a schedule
  - Deliver queued usage reports
  - Serve Prometheus metrics when metrics.listen is configured`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withApp(opts, func(ctx context.Context, a *app) error {
				return runDaemon(ctx, a, schedule)
			})(cmd, args)
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron schedule for re-validation (default from config)")
	return cmd
}

func runDaemon(ctx context.Context, a *app, schedule string) error {
	if schedule == "" {
		schedule = a.cfg.Revalidate.Schedule
	}

	fmt.Printf("Folio %s license daemon starting...\n", Version)
	if a.cfg.RemoteConfigured() {
		fmt.Printf("License server: %s\n", a.cfg.Remote.URL)
	} else {
		fmt.Println("License server: not configured, validating offline")
	}

	revalidator := entitlement.NewRevalidator(a.gate.Resolver(), schedule, a.logger)
	if err := revalidator.Start(); err != nil {
		return fmt.Errorf("start revalidator: %w", err)
	}
	defer func() {
		<-revalidator.Stop().Done()
	}()

	var srv *http.Server
	errCh := make(chan error, 1)
	if a.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(a.registry))
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := printJSON(w, a.gate.Status(r.Context())); err != nil {
				a.logger.Warn().Err(err).Msg("write status response")
			}
		})

		srv = &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: metricsReadHeaderTimeout,
		}
		go func() {
			a.logger.Info().Str("addr", srv.Addr).Msg("metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	fmt.Println("Daemon running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		runErr = fmt.Errorf("metrics server: %w", err)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
	return runErr
}
