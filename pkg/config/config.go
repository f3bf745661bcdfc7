// Package config loads the admission configuration shared by the three
// binaries (ingress, authority, worker). Loading is layered: built-in
// defaults, then a YAML file, then environment variable overrides,
// validated once at startup. Every recognized key is
// named here; a missing required key makes Load return an error, while a
// YAML key Load does not recognize is ignored.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// SizeBytes unmarshals from YAML as a human-friendly byte size ("64MB",
// "512KiB") instead of a raw integer.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	var v string
	if err := node.Decode(&v); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return fmt.Errorf("config: invalid size %q: %w", v, err)
	}
	*s = SizeBytes(n)
	return nil
}

func (s SizeBytes) MarshalYAML() (interface{}, error) {
	return humanize.Bytes(uint64(s)), nil
}

// Duration unmarshals from YAML as a human string ("30s", "5m") instead of
// a raw integer of nanoseconds.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Ingress holds the ingress gate's admission config block.
type Ingress struct {
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert"`
	KeyFile  string `yaml:"key"`
	CAFile   string `yaml:"ca"`
	// StateDir holds the gate's only local state, the short-TTL
	// replay-defense cache.
	StateDir  string `yaml:"state_dir"`
	RateLimit struct {
		Max     int `yaml:"max"`
		WindowS int `yaml:"window_s"`
	} `yaml:"rate_limit"`
}

// Queue holds the durable queue's endpoint and, for the process hosting it
// (the worker), its bind address and on-disk layout.
type Queue struct {
	URL             string    `yaml:"url"`    // queue endpoint the ingress gate and authority call
	Listen          string    `yaml:"listen"` // bind address for the queue's HTTP surface (worker only)
	Dir             string    `yaml:"dir"`    // WAL + sidecar root (worker only)
	Name            string    `yaml:"name"`   // logical queue name; subdirectory under dir per domain
	MaxSegmentBytes SizeBytes `yaml:"max_segment_bytes"`
}

// Authority holds the base URL, mTLS material, and endpoint paths the
// ingress gate and worker pool use to reach the authority API.
type Authority struct {
	URL            string   `yaml:"url"`
	CertFile       string   `yaml:"cert"`
	KeyFile        string   `yaml:"key"`
	CAFile         string   `yaml:"ca"`
	RegisterPath   string   `yaml:"register_path"`
	DeliverPath    string   `yaml:"deliver_path"`
	StatusPath     string   `yaml:"status_path"`
	ListenAddr     string   `yaml:"listen"`
	ReconcileEvery Duration `yaml:"reconcile_interval_s"`
	ReconcileGrace Duration `yaml:"reconcile_grace_s"`
}

// Worker holds the worker pool's concurrency and retry policy.
type Worker struct {
	Count         int      `yaml:"count"`
	RetryInterval Duration `yaml:"retry_interval_s"`
	MaxAttempts   int      `yaml:"max_attempts"`
}

// Crypto holds the body-encryption key path, sender salt, JWT secret, and
// password-hash cost.
type Crypto struct {
	BodyKeyPath  string `yaml:"body_key_path"`
	SenderSalt   string `yaml:"sender_salt"`
	JWTSecret    string `yaml:"jwt_secret"`
	PasswordCost int    `yaml:"password_cost"`
	Provider     string `yaml:"provider"` // "local" or a go-kms-wrapping provider name
}

// CA holds the in-house certificate authority's root material and default
// client certificate lifetime.
type CA struct {
	RootCert           string `yaml:"root_cert"`
	RootKey            string `yaml:"root_key"`
	ClientValidityDays int    `yaml:"client_validity_days"`
}

// Store holds the relational store's connection string.
type Store struct {
	DSN string `yaml:"dsn"`
}

// Retention holds the bulk-cleanup sweep's schedule and horizons.
type Retention struct {
	Cron          string `yaml:"cron"`
	DeliveredDays int    `yaml:"delivered_days"`
	FailedDays    int    `yaml:"failed_days"`
}

// Log holds the structured-logging sink and level.
type Log struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// Config is the full admission configuration. Not
// every binary reads every section: the ingress gate ignores Worker and
// Retention, the authority ignores Worker, and so on, but all three parse the same file so
// operators keep a single source of truth.
type Config struct {
	Ingress   Ingress   `yaml:"ingress"`
	Queue     Queue     `yaml:"queue"`
	Authority Authority `yaml:"authority"`
	Worker    Worker    `yaml:"worker"`
	Crypto    Crypto    `yaml:"crypto"`
	CA        CA        `yaml:"ca"`
	Store     Store     `yaml:"store"`
	Retention Retention `yaml:"retention"`
	Log       Log       `yaml:"log"`
}

func defaults() Config {
	var c Config
	c.Ingress.Listen = "0.0.0.0:8443"
	c.Ingress.StateDir = "./data/ingress"
	c.Ingress.RateLimit.Max = 100
	c.Ingress.RateLimit.WindowS = 60
	c.Queue.URL = "http://127.0.0.1:8445"
	c.Queue.Listen = "127.0.0.1:8445"
	c.Queue.Dir = "./data/queue"
	c.Queue.Name = "default"
	c.Queue.MaxSegmentBytes = SizeBytes(64 * 1024 * 1024)
	c.Authority.RegisterPath = "/internal/messages/register"
	c.Authority.DeliverPath = "/internal/messages/deliver"
	c.Authority.StatusPath = "/internal/messages"
	c.Authority.ListenAddr = "0.0.0.0:8444"
	c.Authority.ReconcileEvery = Duration{5 * time.Minute}
	c.Authority.ReconcileGrace = Duration{2 * time.Minute}
	c.Worker.Count = 4
	c.Worker.RetryInterval = Duration{30 * time.Second}
	c.Worker.MaxAttempts = 0 // 0 = effectively unbounded; see IsUnbounded
	c.Crypto.PasswordCost = 12
	c.Crypto.Provider = "local"
	c.CA.ClientValidityDays = 365
	c.Retention.Cron = "0 2 * * *"
	c.Retention.DeliveredDays = 90
	c.Retention.FailedDays = 90
	c.Log.Level = "info"
	return c
}

// IsUnbounded reports whether the worker's dead-letter ceiling is disabled.
func (w Worker) IsUnbounded() bool { return w.MaxAttempts <= 0 }

// Load reads defaults, then path (if non-empty and present), then applies
// BROKER_-prefixed environment variable overrides for most keys, including
// the secrets operators rarely want to commit to a YAML file (store DSN,
// crypto key material paths, JWT secret). It validates the result and
// returns a descriptive error rather than a partially-populated Config so
// callers can route it through pkg/shutdown.Abort.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(c *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	i := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("BROKER_INGRESS_LISTEN", &c.Ingress.Listen)
	str("BROKER_INGRESS_CERT", &c.Ingress.CertFile)
	str("BROKER_INGRESS_KEY", &c.Ingress.KeyFile)
	str("BROKER_INGRESS_CA", &c.Ingress.CAFile)
	str("BROKER_INGRESS_STATE_DIR", &c.Ingress.StateDir)
	i("BROKER_INGRESS_RATE_LIMIT_MAX", &c.Ingress.RateLimit.Max)
	i("BROKER_INGRESS_RATE_LIMIT_WINDOW_S", &c.Ingress.RateLimit.WindowS)

	str("BROKER_QUEUE_URL", &c.Queue.URL)
	str("BROKER_QUEUE_LISTEN", &c.Queue.Listen)
	str("BROKER_QUEUE_DIR", &c.Queue.Dir)
	str("BROKER_QUEUE_NAME", &c.Queue.Name)

	str("BROKER_AUTHORITY_URL", &c.Authority.URL)
	str("BROKER_AUTHORITY_LISTEN", &c.Authority.ListenAddr)
	str("BROKER_AUTHORITY_CERT", &c.Authority.CertFile)
	str("BROKER_AUTHORITY_KEY", &c.Authority.KeyFile)
	str("BROKER_AUTHORITY_CA", &c.Authority.CAFile)

	i("BROKER_WORKER_COUNT", &c.Worker.Count)
	i("BROKER_WORKER_MAX_ATTEMPTS", &c.Worker.MaxAttempts)
	if v, ok := os.LookupEnv("BROKER_WORKER_RETRY_INTERVAL_S"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.RetryInterval = Duration{time.Duration(n) * time.Second}
		}
	}

	str("BROKER_CRYPTO_BODY_KEY_PATH", &c.Crypto.BodyKeyPath)
	str("BROKER_CRYPTO_SENDER_SALT", &c.Crypto.SenderSalt)
	str("BROKER_CRYPTO_JWT_SECRET", &c.Crypto.JWTSecret)
	i("BROKER_CRYPTO_PASSWORD_COST", &c.Crypto.PasswordCost)
	str("BROKER_CRYPTO_PROVIDER", &c.Crypto.Provider)

	str("BROKER_CA_ROOT_CERT", &c.CA.RootCert)
	str("BROKER_CA_ROOT_KEY", &c.CA.RootKey)
	i("BROKER_CA_CLIENT_VALIDITY_DAYS", &c.CA.ClientValidityDays)

	str("BROKER_STORE_DSN", &c.Store.DSN)

	str("BROKER_LOG_LEVEL", &c.Log.Level)
	str("BROKER_LOG_PATH", &c.Log.Path)
}

// validate enforces the handful of keys every binary needs regardless of
// role; role-specific required fields (e.g. authority.cert for the
// authority binary) are checked by that binary's own startup path, since a
// worker binary has no business demanding an ingress listener.
func validate(c Config) error {
	var missing []string
	if strings.TrimSpace(c.Queue.URL) == "" {
		missing = append(missing, "queue.url")
	}
	if strings.TrimSpace(c.Authority.URL) == "" && strings.TrimSpace(c.Authority.ListenAddr) == "" {
		missing = append(missing, "authority.url or authority.listen")
	}
	if c.Worker.Count <= 0 {
		missing = append(missing, "worker.count must be positive")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}
