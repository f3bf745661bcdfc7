// Package worker runs the delivery side of the pipeline: a pool of
// goroutines draining the durable queue and reporting outcomes back to the
// authority over mutual TLS, each call guarded by a sony/gobreaker circuit
// breaker so an authority outage trips fast instead of piling up blocked
// dial attempts across the pool.
package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nyx-relay/broker/pkg/errs"
	"github.com/nyx-relay/broker/pkg/models"
)

// AuthorityClient calls the authority's internal mTLS realm on behalf of a
// worker.
type AuthorityClient struct {
	http         *http.Client
	baseURL      string
	deliverPath  string
	statusPath   string
	deliverBreak *gobreaker.CircuitBreaker
	statusBreak  *gobreaker.CircuitBreaker
}

// ClientConfig carries the mTLS material and endpoint layout an
// AuthorityClient needs.
type ClientConfig struct {
	BaseURL     string
	DeliverPath string
	StatusPath  string
	CertFile    string
	KeyFile     string
	CAFile      string
	Timeout     time.Duration
}

// NewAuthorityClient loads the worker's client certificate and the CA's
// trust anchor from disk and builds an mTLS http.Client wrapping every
// authority endpoint in its own circuit breaker, so a hung deliver path
// does not also trip the status-update path.
func NewAuthorityClient(cfg ClientConfig) (*AuthorityClient, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("worker: loading client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("worker: reading CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("worker: no certificates found in %s", cfg.CAFile)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
		},
	}
	breakerSettings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}
	}
	return &AuthorityClient{
		http:         &http.Client{Transport: transport, Timeout: timeout},
		baseURL:      cfg.BaseURL,
		deliverPath:  cfg.DeliverPath,
		statusPath:   cfg.StatusPath,
		deliverBreak: gobreaker.NewCircuitBreaker(breakerSettings("authority-deliver")),
		statusBreak:  gobreaker.NewCircuitBreaker(breakerSettings("authority-status")),
	}, nil
}

// DeliverResult is the authority's response to a deliver call.
type DeliverResult struct {
	StatusCode int
	Body       struct {
		MessageID   string    `json:"message_id"`
		Status      string    `json:"status"`
		DeliveredAt time.Time `json:"delivered_at"`
	}
}

// Deliver reports a successful delivery attempt. The circuit breaker trips
// on repeated transport-level failures (not HTTP error status codes, which
// are valid application responses the caller decides how to handle).
func (c *AuthorityClient) Deliver(ctx context.Context, messageID, workerID string) (*DeliverResult, error) {
	res, err := c.deliverBreak.Execute(func() (any, error) {
		return c.post(ctx, c.deliverPath, map[string]string{
			"message_id": messageID,
			"worker_id":  workerID,
		})
	})
	if err != nil {
		return nil, err
	}
	resp := res.(*http.Response)
	defer resp.Body.Close()
	out := &DeliverResult{StatusCode: resp.StatusCode}
	if resp.StatusCode < 500 {
		_ = json.NewDecoder(resp.Body).Decode(&out.Body)
	}
	return out, nil
}

// UpdateStatus reports a failed or retrying attempt. Errors from this call
// are logged by the caller and never block the retry/requeue decision,
// since the queue entry itself is the source of truth for "what happens
// next", and the authority status update is best-effort observability.
func (c *AuthorityClient) UpdateStatus(ctx context.Context, messageID string, upd models.StatusUpdate) error {
	res, err := c.statusBreak.Execute(func() (any, error) {
		url := fmt.Sprintf("%s%s/%s/status", trimTrailingSlash(c.baseURL), c.statusPath, messageID)
		return c.put(ctx, url, upd)
	})
	if err != nil {
		return err
	}
	resp := res.(*http.Response)
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errs.Transient(nil, "worker: status update returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return errs.Permanent(nil, "worker: status update rejected: %d", resp.StatusCode)
	}
	return nil
}

func (c *AuthorityClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, c.baseURL+path, body)
}

func (c *AuthorityClient) put(ctx context.Context, fullURL string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPut, fullURL, body)
}

func (c *AuthorityClient) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("worker: marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("worker: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker: calling authority: %w", err)
	}
	return resp, nil
}

func trimTrailingSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}
