// Command authority runs the authority API: the system of record for
// clients, messages, and portal users, and the CA service that issues and
// validates client certificates. Bootstrap order is .env, then config, then
// service wiring, then serve until signalled.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/nyx-relay/broker/internal/retention"
	"github.com/nyx-relay/broker/pkg/authority"
	"github.com/nyx-relay/broker/pkg/authoritystore"
	"github.com/nyx-relay/broker/pkg/ca"
	"github.com/nyx-relay/broker/pkg/config"
	"github.com/nyx-relay/broker/pkg/crypto"
	"github.com/nyx-relay/broker/pkg/logger"
	"github.com/nyx-relay/broker/pkg/queue"
	"github.com/nyx-relay/broker/pkg/shutdown"
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
	auditDir := ""
	if cfg.Log.Path != "" {
		logSink = "file:" + cfg.Log.Path
		auditDir = filepath.Dir(cfg.Log.Path)
	}
	logger.Init(logSink, cfg.Log.Level)
	if auditDir != "" {
		if err := logger.AttachAuditFileSink(auditDir); err != nil {
			logger.Warn("audit_sink_unavailable", "error", err)
		}
	}

	store, err := authoritystore.Open(context.Background(), cfg.Store.DSN)
	if err != nil {
		shutdown.Abort("opening authority store", err, "")
	}
	defer store.Close()

	authCA, err := loadOrBootstrapCA(cfg)
	if err != nil {
		shutdown.Abort("initializing certificate authority", err, "")
	}

	cryptoSvc, err := loadCrypto(cfg)
	if err != nil {
		shutdown.Abort("initializing crypto service", err, "")
	}
	defer cryptoSvc.Close()
	if err := crypto.LastMlockError(); err != nil {
		logger.Warn("crypto_key_not_mlocked", "error", err)
	}

	// The reconciliation sweep appends to the worker-hosted queue over its
	// HTTP surface, never to the on-disk store directly.
	q := queue.NewClient(cfg.Queue.URL, 5*time.Second)

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	retention.StartAll(ctx, cfg, store, q)

	srv := authority.NewServer(store, authCA, cryptoSvc, time.Duration(cfg.CA.ClientValidityDays)*24*time.Hour)

	tlsCfg, err := serverTLSConfig(cfg, authCA)
	if err != nil {
		shutdown.Abort("building authority TLS config", err, "")
	}

	httpSrv := &http.Server{
		Addr:      cfg.Authority.ListenAddr,
		Handler:   srv,
		TLSConfig: tlsCfg,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("authority_listening", "addr", cfg.Authority.ListenAddr)
	if err := httpSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		shutdown.Abort("authority server exited", err, "")
	}
}

func loadOrBootstrapCA(cfg config.Config) (*ca.Authority, error) {
	if cfg.CA.RootCert != "" && cfg.CA.RootKey != "" {
		if certPEM, err := os.ReadFile(cfg.CA.RootCert); err == nil {
			keyPEM, err := os.ReadFile(cfg.CA.RootKey)
			if err == nil {
				return ca.LoadFromPEM(certPEM, keyPEM)
			}
		}
	}
	logger.Warn("ca_bootstrap_self_signed", "reason", "no root certificate found on disk, generating one")
	authCA, certPEM, keyPEM, err := ca.NewSelfSigned("nyx-relay-broker-root", 10*365*24*time.Hour)
	if err != nil {
		return nil, err
	}
	if cfg.CA.RootCert != "" {
		_ = os.WriteFile(cfg.CA.RootCert, certPEM, 0o600)
	}
	if cfg.CA.RootKey != "" {
		_ = os.WriteFile(cfg.CA.RootKey, keyPEM, 0o600)
	}
	return authCA, nil
}

func loadCrypto(cfg config.Config) (*crypto.Service, error) {
	bodyKey, err := os.ReadFile(cfg.Crypto.BodyKeyPath)
	if err != nil {
		return nil, err
	}
	return crypto.New(crypto.Config{
		BodyKey:      bodyKey,
		SenderSalt:   []byte(cfg.Crypto.SenderSalt),
		JWTSecret:    []byte(cfg.Crypto.JWTSecret),
		PasswordCost: cfg.Crypto.PasswordCost,
	})
}

// serverTLSConfig requests but does not require a client certificate.
// Internal (ingress/worker) and admin routes still demand one via the
// requireClientCert middleware chain in pkg/authority, which rejects an
// empty peer chain the same way clientauth.VerifyPeerCert does at the
// ingress gate; the portal realm authenticates with a bearer token instead
// and must be able to complete the handshake without presenting a
// certificate at all. A single listener serving both realms this way keeps
// the bootstrap shape the other two binaries share rather than standing up
// a second HTTPS listener just for the portal.
func serverTLSConfig(cfg config.Config, authCA *ca.Authority) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Authority.CertFile, cfg.Authority.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    authCA.TrustPool(),
		MinVersion:   tls.VersionTLS12,
	}, nil
}
