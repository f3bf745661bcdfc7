// Command worker runs the delivery worker pool: a fixed set of
// goroutines that pop entries off the durable queue and drive them through
// the authority's deliver/status endpoints until they succeed, exhaust
// their attempt budget, or are permanently rejected. The worker process is
// also the durable queue's host: it opens the WAL and sidecar store and
// serves the queue's HTTP surface so the ingress gate and the authority's
// reconciliation sweep can enqueue without sharing the on-disk store.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nyx-relay/broker/pkg/config"
	"github.com/nyx-relay/broker/pkg/logger"
	"github.com/nyx-relay/broker/pkg/queue"
	"github.com/nyx-relay/broker/pkg/shutdown"
	"github.com/nyx-relay/broker/pkg/telemetry"
	"github.com/nyx-relay/broker/pkg/worker"
)

func main() {
	_ = godotenv.Load(".env")

	configPath := flag.String("config", os.Getenv("BROKER_CONFIG"), "path to config YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logSink := "stdout"
	if cfg.Log.Path != "" {
		logSink = "file:" + cfg.Log.Path
	}
	logger.Init(logSink, cfg.Log.Level)

	queueRoot := filepath.Join(cfg.Queue.Dir, cfg.Queue.Name)
	q, err := queue.Open(queue.Options{
		WALDir:          filepath.Join(queueRoot, "wal"),
		SidecarPath:     filepath.Join(queueRoot, "sidecar"),
		MaxSegmentBytes: int64(cfg.Queue.MaxSegmentBytes),
	})
	if err != nil {
		shutdown.Abort("opening durable queue", err, cfg.Queue.Dir)
	}
	defer q.Close()

	authorityClient, err := worker.NewAuthorityClient(worker.ClientConfig{
		BaseURL:     cfg.Authority.URL,
		DeliverPath: cfg.Authority.DeliverPath,
		StatusPath:  cfg.Authority.StatusPath,
		CertFile:    cfg.Authority.CertFile,
		KeyFile:     cfg.Authority.KeyFile,
		CAFile:      cfg.Authority.CAFile,
		Timeout:     15 * time.Second,
	})
	if err != nil {
		shutdown.Abort("building authority client", err, cfg.Queue.Dir)
	}

	metrics := telemetry.New(prometheus.DefaultRegisterer)

	pool := worker.NewPool(worker.Config{
		Queue:         q,
		Client:        authorityClient,
		WorkerCount:   cfg.Worker.Count,
		RetryInterval: cfg.Worker.RetryInterval.Duration,
		MaxAttempts:   cfg.Worker.MaxAttempts,
		Metrics:       metrics,
	})

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	// The queue's HTTP surface binds an internal address; producers (the
	// ingress gate, the authority's reconciliation sweep) reach it via
	// queue.url. Consumption never crosses this boundary; the pool below
	// pops in-process.
	queueMux := http.NewServeMux()
	queueMux.Handle("/queue/", queue.NewHTTPServer(q))
	queueMux.Handle("/metrics", telemetry.Handler())
	queueSrv := &http.Server{Addr: cfg.Queue.Listen, Handler: queueMux}
	go func() {
		logger.Info("queue_listening", "addr", cfg.Queue.Listen)
		if err := queueSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("queue_server_exited", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		_ = queueSrv.Shutdown(shutdownCtx)
	}()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := q.Size(); err == nil {
					metrics.QueueDepth.Set(float64(n))
				}
			}
		}
	}()

	logger.Info("worker_pool_starting", "count", cfg.Worker.Count, "unbounded_attempts", cfg.Worker.IsUnbounded())
	pool.Run(ctx)
	// Leave a clean-exit marker next to the queue state so an operator can
	// tell a signalled drain apart from a crash (which writes a dump instead).
	if path, err := shutdown.RequestExitFile(cfg.Queue.Dir, "signal shutdown"); err == nil {
		logger.Info("wrote_exit_request", "path", path)
	}
	logger.Info("worker_pool_stopped")
}
