// Command ingress runs the ingress gate: the single mutually
// authenticated HTTPS entry point that accepts message submissions, rate
// limits them per client, and hands them to the durable queue. It follows
// the same bootstrap shape as cmd/authority, trimmed to what a stateless
// edge process needs.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"github.com/nyx-relay/broker/pkg/authoritystore"
	"github.com/nyx-relay/broker/pkg/ca"
	"github.com/nyx-relay/broker/pkg/config"
	"github.com/nyx-relay/broker/pkg/idempotency"
	"github.com/nyx-relay/broker/pkg/ingress"
	"github.com/nyx-relay/broker/pkg/logger"
	"github.com/nyx-relay/broker/pkg/queue"
	"github.com/nyx-relay/broker/pkg/ratelimit"
	"github.com/nyx-relay/broker/pkg/shutdown"
	"github.com/nyx-relay/broker/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus"
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

	store, err := authoritystore.Open(context.Background(), cfg.Store.DSN)
	if err != nil {
		shutdown.Abort("opening authority store", err, cfg.Ingress.StateDir)
	}
	defer store.Close()

	// The ingress gate validates client certificate chains against the same
	// CA material the authority issues from; it never mints certificates
	// itself, so a missing root here is a hard startup failure rather than
	// something to self-sign.
	trustedCA, err := loadTrustedCA(cfg)
	if err != nil {
		shutdown.Abort("loading certificate authority root", err, cfg.Ingress.StateDir)
	}

	// The durable queue lives in the worker process; the gate only ever
	// appends, over the queue's HTTP surface.
	q := queue.NewClient(cfg.Queue.URL, 5*time.Second)

	authorityClient, err := ingress.NewAuthorityClient(ingress.AuthorityClientConfig{
		BaseURL:      cfg.Authority.URL,
		RegisterPath: cfg.Authority.RegisterPath,
		CertFile:     cfg.Ingress.CertFile,
		KeyFile:      cfg.Ingress.KeyFile,
		CAFile:       cfg.Authority.CAFile,
		Timeout:      10 * time.Second,
	})
	if err != nil {
		shutdown.Abort("building authority client", err, cfg.Ingress.StateDir)
	}

	limiter := ratelimit.NewPool(ratelimit.Config{
		MaxRequests:    cfg.Ingress.RateLimit.Max,
		WindowSecs:     cfg.Ingress.RateLimit.WindowS,
		IdleEvictAfter: 10 * time.Minute,
	})

	replay, err := idempotency.Open(filepath.Join(cfg.Ingress.StateDir, "idempotency"), 2*time.Minute)
	if err != nil {
		shutdown.Abort("opening replay-defense store", err, cfg.Ingress.StateDir)
	}
	defer replay.Close()

	metrics := telemetry.New(prometheus.DefaultRegisterer)

	srv := ingress.New(trustedCA, store, authorityClient, q, limiter, replay, metrics)

	tlsCfg, err := ingress.TLSConfig(cfg.Ingress.CertFile, cfg.Ingress.KeyFile, trustedCA.TrustPool())
	if err != nil {
		shutdown.Abort("building ingress TLS config", err, cfg.Ingress.StateDir)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.EvictIdle()
			}
		}
	}()

	fastSrv := &fasthttp.Server{
		Handler:   srv.Handler(),
		TLSConfig: tlsCfg,
	}

	ln, err := net.Listen("tcp", cfg.Ingress.Listen)
	if err != nil {
		shutdown.Abort("binding ingress listener", err, cfg.Ingress.StateDir)
	}
	tlsLn := tls.NewListener(ln, tlsCfg)

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		_ = fastSrv.ShutdownWithContext(shutdownCtx)
	}()

	logger.Info("ingress_listening", "addr", cfg.Ingress.Listen)
	if err := fastSrv.Serve(tlsLn); err != nil {
		logger.Error("ingress_server_exited", "error", err)
	}
}

func loadTrustedCA(cfg config.Config) (*ca.Authority, error) {
	certPEM, err := os.ReadFile(cfg.CA.RootCert)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(cfg.CA.RootKey)
	if err != nil {
		return nil, err
	}
	return ca.LoadFromPEM(certPEM, keyPEM)
}
