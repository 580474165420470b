package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bizledger/intake/internal/bootstrap"
	"github.com/bizledger/intake/internal/config"
	"github.com/bizledger/intake/internal/infrastructure/export/excelreport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "worker", cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	if err := os.MkdirAll(cfg.ExportPath, 0o755); err != nil {
		log.Fatalf("create export dir: %v", err)
	}

	metricsServer := &http.Server{
		Addr:    ":" + cfg.WorkerMetricsPort,
		Handler: app.Metrics.Handler(),
	}
	go func() {
		app.Logger.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()

	go runJanitor(ctx, app, cfg)

	// Drop local resume state once the server reports an upload finalized.
	go func() {
		err := app.Queue.SubscribeUploadFinalized(ctx, func(handlerCtx context.Context, uploadID string) error {
			return app.Uploader.ForgetUpload(handlerCtx, uploadID)
		})
		if err != nil {
			app.Logger.Error("upload_finalized_subscribe_failed", "error", err)
		}
	}()

	// Re-export the ledger whenever a new document lands in the registry.
	err = app.Queue.SubscribeDocumentRegistered(ctx, func(handlerCtx context.Context, fingerprintID string) error {
		exportCtx, cancel := context.WithTimeout(handlerCtx, time.Minute)
		defer cancel()
		return exportLedger(exportCtx, app, cfg)
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

// runJanitor prunes upload sessions that have not seen a chunk within the
// configured idle window, dropping their stored parts too.
func runJanitor(ctx context.Context, app *bootstrap.App, cfg config.Config) {
	interval := time.Duration(cfg.JanitorIntervalMin) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-time.Duration(cfg.SessionIdleHours) * time.Hour)
			ids, err := app.Sessions.PruneIdleBefore(ctx, cutoff)
			if err != nil {
				app.Logger.Warn("session_prune_failed", "error", err)
				continue
			}
			for _, id := range ids {
				if err := app.Chunks.PruneSession(ctx, id); err != nil {
					app.Logger.Warn("chunk_prune_failed", "upload_id", id, "error", err)
				}
			}
			if len(ids) > 0 {
				app.Logger.Info("sessions_pruned", "count", len(ids))
			}
		}
	}
}

func exportLedger(ctx context.Context, app *bootstrap.App, cfg config.Config) error {
	fingerprints, err := app.State.ListFingerprints(ctx)
	if err != nil {
		return err
	}
	stats, err := app.State.LocalStats(ctx)
	if err != nil {
		return err
	}

	path := filepath.Join(cfg.ExportPath, "ledger.xlsx")
	if err := excelreport.Write(path, fingerprints, stats); err != nil {
		return err
	}
	app.Logger.Info("ledger_exported", "path", path, "documents", len(fingerprints))
	return nil
}
