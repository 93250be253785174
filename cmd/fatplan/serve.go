package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/glennswest/fatplan/pkg/api"
	"github.com/glennswest/fatplan/pkg/metrics"
)

func newServeCmd(a *app) *cobra.Command {
	var flags struct {
		listen string
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API and Prometheus metrics",
		Long: `'serve' builds the fabric once and answers read-only queries on
/api/v1/topology, /api/v1/plan, /api/v1/routes[/{node}], /api/v1/lookup and
/api/v1/trace. Metrics are exposed on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			if flags.listen != "" {
				a.cfg.Server.Listen = flags.listen
			}

			m, err := metrics.New(prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			mgr, f, err := a.build(m)
			if err != nil {
				return err
			}
			if err := mgr.Export(f); err != nil {
				return err
			}

			mux := http.NewServeMux()
			api.New(mgr, a.log).RegisterRoutes(mux)
			mux.Handle("/metrics", m.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			srv := &http.Server{
				Addr:              a.cfg.Server.Listen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			errc := make(chan error, 1)
			go func() {
				a.log.Infow("API server listening", "addr", srv.Addr, "plan", f.Plan.ID())
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			a.log.Info("shutting down")
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&flags.listen, "listen", "", "listen address (default server.listen)")
	return cmd
}
