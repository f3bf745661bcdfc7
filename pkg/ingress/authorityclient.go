package ingress

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

	"github.com/nyx-relay/broker/pkg/models"
)

// AuthorityClient calls the authority's register endpoint over mutual TLS
// on behalf of the ingress gate. It implements AuthorityRegisterer.
type AuthorityClient struct {
	http    *http.Client
	baseURL string
	path    string
}

// AuthorityClientConfig carries the mTLS material and endpoint the ingress
// gate uses to reach the authority's internal realm.
type AuthorityClientConfig struct {
	BaseURL      string
	RegisterPath string
	CertFile     string
	KeyFile      string
	CAFile       string
	Timeout      time.Duration
}

// NewAuthorityClient builds an mTLS http.Client for the ingress gate's own
// service identity, distinct from any tenant client certificate.
func NewAuthorityClient(cfg AuthorityClientConfig) (*AuthorityClient, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("ingress: loading client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("ingress: reading CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("ingress: no certificates found in %s", cfg.CAFile)
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
	return &AuthorityClient{
		http:    &http.Client{Transport: transport, Timeout: timeout},
		baseURL: cfg.BaseURL,
		path:    cfg.RegisterPath,
	}, nil
}

// Register calls the authority's register endpoint and decodes the result.
func (c *AuthorityClient) Register(ctx context.Context, req models.RegisterRequest) (*models.RegisterResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ingress: marshaling register request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ingress: building register request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ingress: calling authority register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ingress: authority register returned %d", resp.StatusCode)
	}
	var out models.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ingress: decoding register response: %w", err)
	}
	return &out, nil
}
