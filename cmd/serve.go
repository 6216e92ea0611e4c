package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentic-research/dirtree/internal/config"
	"github.com/agentic-research/dirtree/internal/metrics"
	"github.com/agentic-research/dirtree/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the sources and keep the tree current until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var col *metrics.Collector
		var rec store.Recorder
		if settings.MetricsAddr != "" {
			col = metrics.New()
			rec = col
		}

		st, err := openStore(true, rec)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		var srv *http.Server
		if col != nil {
			col.SetSource(st.MetricsSnapshot)
			mux := http.NewServeMux()
			mux.Handle("/metrics", col.Handler())
			srv = &http.Server{Addr: settings.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "addr", settings.MetricsAddr, "error", err)
					stop()
				}
			}()
			logger.Info("serving metrics", "addr", settings.MetricsAddr)
		}

		stats := st.Stats()
		logger.Info("serving directory tree",
			"entries", humanize.Comma(int64(stats.TotalEntries)),
			"files", stats.FilesLoaded,
			"watching", stats.Watching,
		)

		<-ctx.Done()
		logger.Info("shutting down")
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "", "listen address for Prometheus metrics, e.g. :9090 (disabled when empty)")
	serveCmd.Flags().Bool("watch", true, "reload when source files change")
	_ = v.BindPFlag(config.KeyMetricsAddr, serveCmd.Flags().Lookup("metrics-addr"))
	_ = v.BindPFlag(config.KeyWatchEnabled, serveCmd.Flags().Lookup("watch"))
	rootCmd.AddCommand(serveCmd)
}
