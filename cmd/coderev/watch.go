package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/been-there-done-that/coderev"
	"github.com/been-there-done-that/coderev/internal/watch"
)

var flagMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Keep the graph current as files change",
	Long:  "Indexes the repository, then re-indexes changed files, removes deleted ones, re-resolves the affected references and embeds new symbols on every debounced batch of changes.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir, err := resolveTargetDir(args)
	if err != nil {
		return outputError("watch", err)
	}
	ws, err := openWorkspace(dir, false, true)
	if err != nil {
		return outputError("watch", err)
	}
	defer ws.Close()
	logger := ws.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagMetricsAddr != "" {
		srv := serveMetrics(flagMetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	w, err := watch.New(ws.root, batchHandler(ws.engine, logger), watch.Options{
		Debounce:    ws.cfg.Watch.Debounce,
		Ignore:      ws.engine.Excluded,
		Accept:      ws.engine.Supported,
		InitialScan: true,
		Logger:      logger,
	})
	if err != nil {
		return outputError("watch", err)
	}
	logger.Info("watching", "root", ws.root, "database", ws.dbPath)
	return w.Run(ctx)
}

// batchHandler applies one debounced batch: removals, then re-extraction,
// then a global pass over what changed, then embeddings. A rescan batch
// re-indexes the whole tree, which also drops files that vanished.
func batchHandler(e *coderev.Engine, logger *slog.Logger) watch.Handler {
	return func(ctx context.Context, b watch.Batch) {
		if b.Rescan {
			if _, err := e.IndexDirectory(ctx); err != nil {
				logger.Warn("rescan", "error", err)
			}
		}
		if len(b.Removed) > 0 {
			if _, err := e.RemoveFiles(ctx, b.Removed); err != nil {
				logger.Warn("remove files", "error", err)
			}
		}
		if len(b.Changed) > 0 {
			if _, err := e.IndexFiles(ctx, b.Changed); err != nil {
				logger.Warn("index files", "error", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := e.Resolve(ctx); err != nil {
			logger.Warn("resolve", "error", err)
			return
		}
		if _, err := e.Embed(ctx); err != nil {
			logger.Warn("embed", "error", err)
		}
	}
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
