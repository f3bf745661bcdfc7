// Package authority implements the authority API: the mTLS-protected
// internal realm that the ingress gate and worker pool call, and the
// bearer-token portal realm that end users and admins call.
package authority

import (
	"context"
	"crypto/x509/pkix"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nyx-relay/broker/pkg/authoritystore"
	"github.com/nyx-relay/broker/pkg/ca"
	"github.com/nyx-relay/broker/pkg/crypto"
	"github.com/nyx-relay/broker/pkg/errs"
	"github.com/nyx-relay/broker/pkg/logger"
	"github.com/nyx-relay/broker/pkg/models"
	"github.com/nyx-relay/broker/pkg/telemetry"
	"github.com/nyx-relay/broker/pkg/utils"
)

// Reserved client domains identifying an internally-issued service
// certificate rather than a tenant's. The CA mints these the same way it
// mints tenant certificates; only their Domain value is special.
const (
	domainWorker = "system/worker"
	domainAdmin  = "system/admin"
)

// portalTokenTTL bounds how long a minted bearer token is valid before the
// portal must call refresh.
const portalTokenTTL = 30 * time.Minute

// Server wires the authority's dependencies to its HTTP handlers.
type Server struct {
	store          *authoritystore.Store
	ca             *ca.Authority
	crypto         *crypto.Service
	clientValidity time.Duration
	router         *mux.Router
}

// NewServer builds a Server and registers every route. clientValidity is
// the default lifetime applied to a newly issued client certificate when
// the issuance request does not specify one.
func NewServer(store *authoritystore.Store, authority *ca.Authority, cryptoSvc *crypto.Service, clientValidity time.Duration) *Server {
	s := &Server{store: store, ca: authority, crypto: cryptoSvc, clientValidity: clientValidity}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// ServeHTTP makes Server usable directly as an http.Handler / http.Server
// Handler field.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.LogRequest(r)
	s.router.ServeHTTP(w, r)
}

// audit records an admin action or message state transition twice: to the
// audit log sink for operators tailing the box, and to the append-only
// audit_log table for the durable trail. The table write
// is best-effort; an unreachable store must not fail the action it records.
func (s *Server) audit(ctx context.Context, actor, action, subjectID, outcome string) {
	logger.AuditEvent(actor, action, subjectID, outcome)
	if err := s.store.AppendAudit(ctx, &models.AuditEvent{
		Actor:     actor,
		Action:    action,
		SubjectID: subjectID,
		Outcome:   outcome,
	}); err != nil {
		logger.Error("audit_append_failed", "action", action, "subject_id", subjectID, "error", err)
	}
}

func (s *Server) routes() {
	internal := s.router.PathPrefix("/internal").Subrouter()
	internal.Use(s.requireClientCert)
	internal.HandleFunc("/messages/register", s.handleRegister).Methods(http.MethodPost)
	internal.HandleFunc("/messages/deliver", s.requireClientDomain(s.handleDeliver, domainWorker)).Methods(http.MethodPost)
	internal.HandleFunc("/messages/{id}/status", s.requireClientDomain(s.handleUpdateStatus, domainWorker)).Methods(http.MethodPut)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireClientCert)
	admin.HandleFunc("/certificates/generate", s.requireClientDomain(s.handleGenerateCertificate, domainAdmin)).Methods(http.MethodPost)
	admin.HandleFunc("/certificates/revoke", s.requireClientDomain(s.handleRevokeCertificate, domainAdmin)).Methods(http.MethodPost)
	admin.HandleFunc("/certificates", s.requireClientDomain(s.handleListCertificates, domainAdmin)).Methods(http.MethodGet)
	admin.HandleFunc("/certificates/crl", s.requireClientDomain(s.handleCertificateRevocationList, domainAdmin)).Methods(http.MethodGet)
	admin.HandleFunc("/certificates/expiring", s.requireClientDomain(s.handleListExpiring, domainAdmin)).Methods(http.MethodGet)
	admin.HandleFunc("/users", s.requireClientDomain(s.handleCreateUser, domainAdmin)).Methods(http.MethodPost)
	admin.HandleFunc("/users/{email}/status", s.requireClientDomain(s.handleSetUserActive, domainAdmin)).Methods(http.MethodPut)
	admin.HandleFunc("/stats", s.requireClientDomain(s.handleStats, domainAdmin)).Methods(http.MethodGet)

	portal := s.router.PathPrefix("/portal").Subrouter()
	portal.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	portal.Handle("/auth/refresh", s.requireBearer()(http.HandlerFunc(s.handleRefresh))).Methods(http.MethodPost)
	portal.Handle("/messages", s.requireBearer()(http.HandlerFunc(s.handleListMessages))).Methods(http.MethodGet)
	portal.Handle("/messages/{id}", s.requireBearer()(http.HandlerFunc(s.handleGetMessage))).Methods(http.MethodGet)
	portal.Handle("/profile", s.requireBearer()(http.HandlerFunc(s.handleProfile))).Methods(http.MethodGet)

	s.router.PathPrefix("/docs").Handler(s.requireBearer(string(models.RoleAdmin))(httpSwagger.WrapHandler))
	s.router.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
}

// requireClientDomain composes requireClientCert's already-authenticated
// client context with a domain allowlist, since internal service identities
// (worker, admin) are distinguished from tenant clients by Domain alone.
func (s *Server) requireClientDomain(next http.HandlerFunc, domains ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, ok := clientFromContext(r.Context())
		if !ok {
			utils.JSONError(w, http.StatusUnauthorized, "client certificate required")
			return
		}
		allowed := false
		for _, d := range domains {
			if client.Domain == d {
				allowed = true
				break
			}
		}
		if !allowed {
			utils.JSONError(w, http.StatusForbidden, "certificate is not authorized for this operation")
			return
		}
		next(w, r)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Validationf("malformed request body: %v", err)
	}
	return nil
}

// handleRegister persists a new message in the queued state. Body and
// sender are encrypted/hashed here so neither the ingress gate nor the
// durable queue ever need to hold key material.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if req.ClientID == "" || req.Sender == "" || req.Body == "" {
		writeServiceError(w, errs.Validationf("client_id, sender_number, and message_body are required"))
		return
	}
	id := req.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	ciphertext, nonce, err := s.crypto.EncryptBody(r.Context(), []byte(req.Body))
	if err != nil {
		writeServiceError(w, errs.Internalf(err, "encrypting message body"))
		return
	}
	now := time.Now()
	msg := &models.Message{
		ID:             id,
		ClientID:       req.ClientID,
		SenderHash:     s.crypto.HashSender(req.Sender),
		BodyCiphertext: ciphertext,
		BodyNonce:      nonce,
		Domain:         req.Domain,
		Status:         models.StatusQueued,
		CreatedAt:      now,
		QueuedAt:       now,
	}
	stored, err := s.store.RegisterMessage(r.Context(), msg)
	if err != nil {
		writeServiceError(w, errs.Transient(err, "registering message"))
		return
	}
	if !crypto.SenderHashEquals(stored.SenderHash, msg.SenderHash) {
		// A caller-supplied message_id collided with an unrelated message
		// already registered under that id; the idempotent re-select must
		// never be handed back to a different sender.
		writeServiceError(w, errs.Conflictf("message %s already registered by a different sender", id))
		return
	}
	s.audit(r.Context(), req.ClientID, "register_message", stored.ID, "ok")
	_ = utils.JSONWrite(w, http.StatusOK, models.RegisterResponse{
		MessageID: stored.ID,
		Status:    string(stored.Status),
		ClientID:  stored.ClientID,
		CreatedAt: stored.CreatedAt,
	})
}

type deliverRequest struct {
	MessageID string `json:"message_id"`
	WorkerID  string `json:"worker_id"`
}

// handleDeliver marks a message delivered. Already-delivered is treated as
// success so a worker retrying after a response it never saw does not fail
// the attempt.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if req.MessageID == "" {
		writeServiceError(w, errs.Validationf("message_id is required"))
		return
	}
	if err := s.store.MarkDelivered(r.Context(), req.MessageID); err != nil {
		if errs.KindOf(err) == errs.Conflict {
			existing, gerr := s.store.GetMessageByID(r.Context(), req.MessageID)
			if gerr == nil && existing.Status == models.StatusDelivered {
				writeDelivered(w, existing)
				return
			}
		}
		writeServiceError(w, err)
		return
	}
	msg, err := s.store.GetMessageByID(r.Context(), req.MessageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.audit(r.Context(), req.WorkerID, "deliver_message", req.MessageID, "ok")
	writeDelivered(w, msg)
}

func writeDelivered(w http.ResponseWriter, msg *models.Message) {
	var deliveredAt time.Time
	if msg.DeliveredAt != nil {
		deliveredAt = *msg.DeliveredAt
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"message_id":   msg.ID,
		"status":       msg.Status,
		"delivered_at": deliveredAt,
	})
}

// handleUpdateStatus applies a worker's delivery-attempt report. attempt_count
// must not regress relative to the stored value, guarding against an
// out-of-order report from a stale worker retry.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req models.StatusUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	current, err := s.store.GetMessageByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if req.AttemptCount < current.AttemptCount {
		writeServiceError(w, errs.Validationf("attempt_count %d is behind stored value %d", req.AttemptCount, current.AttemptCount))
		return
	}
	if err := s.store.UpdateStatus(r.Context(), id, current.Status, req.Status, req.AttemptCount, req.Error); err != nil {
		writeServiceError(w, err)
		return
	}
	s.audit(r.Context(), "worker", "update_status", id, string(req.Status))
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"message_id":    id,
		"status":        req.Status,
		"attempt_count": req.AttemptCount,
		"updated_at":    time.Now(),
	})
}

type generateCertRequest struct {
	ClientID     string `json:"client_id"`
	Domain       string `json:"domain"`
	ValidityDays int    `json:"validity_days,omitempty"`
}

// handleGenerateCertificate issues a new client certificate and binds it to
// a client record. Only admin certs reach this handler (see requireClientDomain).
func (s *Server) handleGenerateCertificate(w http.ResponseWriter, r *http.Request) {
	var req generateCertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if req.ClientID == "" {
		writeServiceError(w, errs.Validationf("client_id is required"))
		return
	}
	validity := s.clientValidity
	if req.ValidityDays > 0 {
		validity = time.Duration(req.ValidityDays) * 24 * time.Hour
	}
	issued, err := s.ca.IssueClient(req.ClientID, req.Domain, validity)
	if err != nil {
		writeServiceError(w, errs.Internalf(err, "issuing client certificate"))
		return
	}
	client := &models.Client{
		ClientID:    req.ClientID,
		Fingerprint: issued.Fingerprint,
		Serial:      issued.Serial,
		Domain:      req.Domain,
		Status:      models.ClientActive,
		IssuedAt:    time.Now(),
		ExpiresAt:   issued.ExpiresAt,
	}
	if err := s.store.CreateClient(r.Context(), client); err != nil {
		writeServiceError(w, errs.Transient(err, "recording issued client"))
		return
	}
	claims, _ := claimsFromContext(r.Context())
	actor := "admin"
	if claims != nil {
		actor = claims.Subject
	}
	s.audit(r.Context(), actor, "generate_certificate", req.ClientID, "ok")
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"client_id":      issued.ClientID,
		"certificate":    string(issued.CertificatePEM),
		"private_key":    string(issued.PrivateKeyPEM),
		"ca_certificate": string(issued.CACertificatePEM),
		"fingerprint":    issued.Fingerprint,
		"expires_at":     issued.ExpiresAt,
	})
}

type revokeCertRequest struct {
	ClientID string `json:"client_id"`
}

func (s *Server) handleRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req revokeCertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.store.RevokeClient(r.Context(), req.ClientID); err != nil {
		writeServiceError(w, err)
		return
	}
	s.audit(r.Context(), "admin", "revoke_certificate", req.ClientID, "ok")
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"client_id":  req.ClientID,
		"status":     models.ClientRevoked,
		"revoked_at": time.Now(),
	})
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagingParams(r)
	clients, err := s.store.ListClients(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, errs.Transient(err, "listing clients"))
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"clients": clients})
}

// handleCertificateRevocationList serves a DER-encoded CRL covering every
// revoked client that still carries a serial number. The authority's own
// mTLS handshake path never consults this; it checks fingerprint status in
// the store directly, since that takes effect immediately while a CRL only
// reflects revocations as of the last build. This endpoint exists for
// operators whose TLS termination wants one anyway.
func (s *Server) handleCertificateRevocationList(w http.ResponseWriter, r *http.Request) {
	revoked, err := s.store.ListRevokedClients(r.Context())
	if err != nil {
		writeServiceError(w, errs.Transient(err, "listing revoked clients"))
		return
	}
	entries := make([]pkix.RevokedCertificate, 0, len(revoked))
	for _, c := range revoked {
		serial, ok := ca.ParseSerial(c.Serial)
		if !ok {
			continue
		}
		revokedAt := time.Now()
		if c.RevokedAt != nil {
			revokedAt = *c.RevokedAt
		}
		entries = append(entries, pkix.RevokedCertificate{
			SerialNumber:   serial,
			RevocationTime: revokedAt,
		})
	}
	der, err := s.ca.BuildCRL(entries)
	if err != nil {
		writeServiceError(w, errs.Internalf(err, "building crl"))
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(der)
}

// handleListExpiring surfaces active clients whose certificate lapses within
// the requested window, for renewal planning.
func (s *Server) handleListExpiring(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	clients, err := s.store.ListExpiring(r.Context(), days)
	if err != nil {
		writeServiceError(w, errs.Transient(err, "listing expiring clients"))
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"clients": clients, "within_days": days})
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	ClientID string `json:"client_id,omitempty"`
}

// handleCreateUser provisions a portal principal. The password is hashed
// here and never stored or echoed back.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		writeServiceError(w, errs.Validationf("email and password are required"))
		return
	}
	role := models.Role(req.Role)
	if role != models.RoleAdmin && role != models.RoleUser {
		writeServiceError(w, errs.Validationf("role must be admin or user"))
		return
	}
	hash, err := s.crypto.HashPassword(req.Password)
	if err != nil {
		writeServiceError(w, errs.Internalf(err, "hashing password"))
		return
	}
	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		ClientID:     req.ClientID,
		IsActive:     true,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeServiceError(w, errs.Transient(err, "creating user"))
		return
	}
	s.audit(r.Context(), "admin", "create_user", email, "ok")
	_ = utils.JSONWrite(w, http.StatusCreated, map[string]any{
		"email":     user.Email,
		"role":      user.Role,
		"client_id": user.ClientID,
		"is_active": user.IsActive,
	})
}

type setUserActiveRequest struct {
	IsActive bool `json:"is_active"`
}

func (s *Server) handleSetUserActive(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(mux.Vars(r)["email"])
	var req setUserActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.store.SetUserActive(r.Context(), email, req.IsActive); err != nil {
		writeServiceError(w, err)
		return
	}
	outcome := "disabled"
	if req.IsActive {
		outcome = "enabled"
	}
	s.audit(r.Context(), "admin", "set_user_active", email, outcome)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"email": email, "is_active": req.IsActive})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		writeServiceError(w, errs.Transient(err, "computing stats"))
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, stats)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin authenticates a portal principal and mints a bearer token.
// Every outcome, including a wrong password or unknown email, returns the
// same 401 message so the response never discloses which check failed.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	const invalidCreds = "invalid email or password"
	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || !user.IsActive || !s.crypto.VerifyPassword(user.PasswordHash, req.Password) {
		utils.JSONError(w, http.StatusUnauthorized, invalidCreds)
		return
	}
	token, exp, err := s.crypto.MintToken(user.Email, string(user.Role), user.ClientID, portalTokenTTL)
	if err != nil {
		writeServiceError(w, errs.Internalf(err, "minting token"))
		return
	}
	_ = s.store.TouchLastLogin(r.Context(), user.Email)
	s.audit(r.Context(), user.Email, "login", user.Email, "ok")
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(time.Until(exp).Seconds()),
		"user":         user,
	})
}

// handleRefresh mints a fresh token from an already-verified token's claims,
// without re-checking the password.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		utils.JSONError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	token, exp, err := s.crypto.MintToken(claims.Subject, claims.Role, claims.ClientID, portalTokenTTL)
	if err != nil {
		writeServiceError(w, errs.Internalf(err, "minting token"))
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(time.Until(exp).Seconds()),
	})
}

// handleListMessages scopes results to the caller's bound client unless the
// caller is an admin, who sees every client's messages.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		utils.JSONError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	limit, _ := pagingParams(r)
	clientID := claims.ClientID
	if claims.Role == string(models.RoleAdmin) {
		clientID = ""
	}
	msgs, err := s.store.GetMessagesForPrincipal(r.Context(), clientID, limit)
	if err != nil {
		writeServiceError(w, errs.Transient(err, "listing messages"))
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		utils.JSONError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	id := mux.Vars(r)["id"]
	msg, err := s.store.GetMessageByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if claims.Role != string(models.RoleAdmin) && msg.ClientID != claims.ClientID {
		utils.JSONError(w, http.StatusForbidden, "not permitted to view this message")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, msg)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		utils.JSONError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	user, err := s.store.GetUserByEmail(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, user)
}

func pagingParams(r *http.Request) (limit, offset int) {
	limit = 100
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	return limit, offset
}
