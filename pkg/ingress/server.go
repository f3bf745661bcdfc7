// Package ingress implements the ingress gate: the single
// mutually-authenticated HTTPS entry point that validates, identifies, rate
// limits, and hands off a message submission. Its only local state is the
// short-TTL replay-defense cache; everything it needs to recover from a
// crash lives in the authority and the durable queue. Built on fasthttp +
// fasthttp/router.
package ingress

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nyx-relay/broker/pkg/authoritystore"
	"github.com/nyx-relay/broker/pkg/ca"
	"github.com/nyx-relay/broker/pkg/clientauth"
	"github.com/nyx-relay/broker/pkg/errs"
	"github.com/nyx-relay/broker/pkg/idempotency"
	"github.com/nyx-relay/broker/pkg/logger"
	"github.com/nyx-relay/broker/pkg/models"
	"github.com/nyx-relay/broker/pkg/ratelimit"
	"github.com/nyx-relay/broker/pkg/telemetry"
	"github.com/nyx-relay/broker/pkg/validation"
)

// AuthorityRegisterer is the subset of the authority register call the
// ingress gate needs, narrowed to an interface so tests can substitute a
// fake authority without mTLS plumbing.
type AuthorityRegisterer interface {
	Register(ctx context.Context, req models.RegisterRequest) (*models.RegisterResponse, error)
}

// MessageQueue is the producer-side queue surface the gate depends on:
// satisfied by *queue.Client in production (the worker process owns the
// durable queue itself) and also by the in-process *queue.Queue.
type MessageQueue interface {
	Enqueue(ctx context.Context, entry *models.QueueEntry) error
	Size() (int, error)
}

// Server holds the ingress gate's dependencies and exposes a
// fasthttp.RequestHandler for the TLS listener to serve.
type Server struct {
	ca        *ca.Authority
	store     *authoritystore.Store
	authority AuthorityRegisterer
	queue     MessageQueue
	limiter   *ratelimit.Pool
	replay    *idempotency.Store
	metrics   *telemetry.Metrics
	router    *router.Router
	startedAt time.Time
}

// New builds a Server and registers its routes. replay may be nil, which
// disables the short-lived duplicate-submission check (e.g. in tests that
// don't need it); every production binary wires one.
func New(authority *ca.Authority, store *authoritystore.Store, registerer AuthorityRegisterer, q MessageQueue, limiter *ratelimit.Pool, replay *idempotency.Store, metrics *telemetry.Metrics) *Server {
	s := &Server{ca: authority, store: store, authority: registerer, queue: q, limiter: limiter, replay: replay, metrics: metrics, startedAt: time.Now()}
	s.router = router.New()
	s.router.POST("/api/v1/messages", s.handleSubmit)
	s.router.GET("/api/v1/health", s.handleHealth)
	s.router.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(telemetry.Handler()))
	return s
}

// Handler returns the fasthttp.RequestHandler to pass to fasthttp.Server.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.router.Handler
}

// TLSConfig builds the server-side mTLS configuration: it requires and
// verifies a client certificate on every connection, terminating the
// handshake before any request handler runs. There is no proxy-header
// fallback; TLS is terminated here or not at all.
func TLSConfig(certFile, keyFile string, clientCAs *x509.CertPool) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

type submitRequest struct {
	Sender string `json:"sender_number"`
	Body   string `json:"message_body"`
	Domain string `json:"domain,omitempty"`
}

func (s *Server) handleSubmit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Content-Type", "application/json")

	tlsState := ctx.TLSConnectionState()
	if tlsState == nil {
		writeError(ctx, http.StatusUnauthorized, errs.Authenticationf("TLS required"))
		return
	}
	client, err := clientauth.VerifyPeerCert(ctx, s.ca, s.store, tlsState.PeerCertificates)
	if err != nil {
		s.reject("auth")
		writeError(ctx, statusFor(err), err)
		return
	}

	if !s.limiter.Allow(client.ClientID) {
		s.reject("rate_limited")
		writeError(ctx, http.StatusTooManyRequests, errs.RateLimitedf(s.limiter.RetryAfter(client.ClientID), "rate limit exceeded"))
		return
	}

	var req submitRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.reject("malformed_body")
		writeError(ctx, http.StatusBadRequest, errs.Validationf("malformed JSON body"))
		return
	}
	regReq := models.RegisterRequest{ClientID: client.ClientID, Sender: req.Sender, Body: req.Body, Domain: req.Domain}
	if err := validation.ValidateRegisterRequest(regReq); err != nil {
		s.reject("validation")
		writeError(ctx, http.StatusBadRequest, errs.Validationf("%s", err.Error()))
		return
	}

	if s.replay != nil {
		fp := idempotency.Fingerprint(client.ClientID, req.Sender, req.Body, time.Now())
		fresh, err := s.replay.Reserve(fp)
		if err != nil {
			logger.Error("ingress_replay_check_failed", "client_id", client.ClientID, "error", err)
		} else if !fresh {
			s.reject("duplicate")
			writeError(ctx, http.StatusConflict, errs.Conflictf("duplicate submission"))
			return
		}
	}

	regReq.MessageID = uuid.NewString()
	reqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := s.authority.Register(reqCtx, regReq)
	if err != nil {
		writeError(ctx, http.StatusServiceUnavailable, errs.Transient(err, "authority registration failed"))
		return
	}

	// The authority already holds the encrypted body and sender hash; read
	// them back here (same store the fingerprint lookup above already
	// reads) so the queue entry matches exactly what reconciliation would
	// rebuild from the same row, rather than carrying a partial copy.
	stored, err := s.store.GetMessageByID(reqCtx, resp.MessageID)
	if err != nil {
		logger.Error("ingress_reload_registered_message_failed", "message_id", resp.MessageID, "error", err)
		writeError(ctx, http.StatusServiceUnavailable, errs.Transient(err, "reloading registered message"))
		return
	}
	entry := &models.QueueEntry{
		MessageID:      stored.ID,
		ClientID:       stored.ClientID,
		SenderHash:     stored.SenderHash,
		BodyCiphertext: stored.BodyCiphertext,
		BodyNonce:      stored.BodyNonce,
		Domain:         stored.Domain,
		AttemptCount:   stored.AttemptCount,
		QueuedAt:       stored.QueuedAt,
	}
	if err := s.queue.Enqueue(reqCtx, entry); err != nil {
		// The message is already durably registered in the authority as
		// queued; losing the enqueue here is recovered by the admission
		// component's reconciliation sweep rather than retried inline.
		logger.Error("ingress_enqueue_failed", "message_id", resp.MessageID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.MessagesSubmitted.Inc()
	}
	ctx.SetStatusCode(http.StatusAccepted)
	_ = json.NewEncoder(ctx).Encode(map[string]any{
		"message_id": resp.MessageID,
		"status":     resp.Status,
		"client_id":  resp.ClientID,
		"queued_at":  resp.CreatedAt,
	})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Content-Type", "application/json")
	status := "healthy"
	checks := map[string]string{"queue": "ok", "authority": "ok", "certificate": "ok"}

	depth, err := s.queue.Size()
	if err != nil {
		status = "degraded"
		checks["queue"] = err.Error()
	}

	if err := s.store.Ping(ctx); err != nil {
		status = "degraded"
		checks["authority"] = err.Error()
	}

	if expiresAt := s.ca.RootExpiresAt(); time.Now().After(expiresAt) {
		status = "degraded"
		checks["certificate"] = fmt.Sprintf("ca root certificate expired at %s", expiresAt.Format(time.RFC3339))
	}

	ctx.SetStatusCode(http.StatusOK)
	_ = json.NewEncoder(ctx).Encode(map[string]any{
		"status":         status,
		"checks":         checks,
		"queue_depth":    depth,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) reject(reason string) {
	if s.metrics != nil {
		s.metrics.MessagesRejected.WithLabelValues(reason).Inc()
		if reason == "rate_limited" {
			s.metrics.RateLimitRejections.Inc()
		}
	}
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.Authentication:
		return http.StatusUnauthorized
	case errs.Authorization:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func writeError(ctx *fasthttp.RequestCtx, status int, err error) {
	if ra := errs.RetryAfter(err); ra > 0 {
		ctx.Response.Header.Set("Retry-After", itoa(ra))
	}
	ctx.SetStatusCode(status)
	_ = json.NewEncoder(ctx).Encode(map[string]string{"error": err.Error()})
}

func itoa(n int) string {
	if n <= 0 {
		return "1"
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
