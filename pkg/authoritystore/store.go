// Package authoritystore is the authority's system of record: a
// PostgreSQL-backed relational store for clients, portal users, messages,
// and the audit trail, reached through jackc/pgx's database/sql driver and
// queried with jmoiron/sqlx. The durable queue in pkg/queue is a separate,
// file-backed handoff mechanism and is never consulted here; this package
// only knows about rows.
package authoritystore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/nyx-relay/broker/pkg/errs"
	"github.com/nyx-relay/broker/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps a connection pool to the authority's PostgreSQL database.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn (a standard PostgreSQL connection string) and
// applies the schema, which is idempotent and safe to run on every boot.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("authoritystore: opening connection pool: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("authoritystore: pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("authoritystore: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database connection is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// RegisterMessage inserts a new message row in the queued state. Called by
// the authority's register handler once it has hashed the sender and
// encrypted the body, before the ingress gate hands the entry to the
// durable queue.
//
// It is idempotent on m.ID: a duplicate register (the ingress retrying
// after a transient failure) is a no-op, and the caller gets back the row
// as it already exists rather than an error, so a retried register never
// produces two messages for one submission.
func (s *Store) RegisterMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	const q = `
		INSERT INTO messages
			(id, client_id, sender_hash, body_ciphertext, body_nonce, domain, status, created_at, queued_at)
		VALUES
			(:id, :client_id, :sender_hash, :body_ciphertext, :body_nonce, :domain, :status, :created_at, :queued_at)
		ON CONFLICT (id) DO NOTHING`
	res, err := s.db.NamedExecContext(ctx, q, m)
	if err != nil {
		return nil, fmt.Errorf("authoritystore: registering message %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return m, nil
	}
	existing, err := s.GetMessageByID(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("authoritystore: re-reading idempotent register for message %s: %w", m.ID, err)
	}
	return existing, nil
}

// GetMessageByID fetches a single message row, used by the reconciliation
// sweep to rebuild a queue entry and by the register path's idempotent
// re-select.
func (s *Store) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	const q = `
		SELECT id, client_id, sender_hash, body_ciphertext, body_nonce, domain,
		       status, attempt_count, last_error, created_at, queued_at, delivered_at
		FROM messages WHERE id = $1`
	var m models.Message
	if err := s.db.GetContext(ctx, &m, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("message %s", id)
		}
		return nil, fmt.Errorf("authoritystore: looking up message %s: %w", id, err)
	}
	return &m, nil
}

// UpdateStatus advances a message's delivery status conditionally: the
// update only applies from the expected current status, so a worker racing
// a reconciliation sweep cannot clobber a status transition the sweep
// already made (or vice versa).
func (s *Store) UpdateStatus(ctx context.Context, messageID string, from, to models.MessageStatus, attemptCount int, lastError string) error {
	const q = `
		UPDATE messages
		SET status = $1, attempt_count = $2, last_error = $3
		WHERE id = $4 AND status = $5`
	res, err := s.db.ExecContext(ctx, q, to, attemptCount, lastError, messageID, from)
	if err != nil {
		return fmt.Errorf("authoritystore: updating status for message %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("authoritystore: checking rows affected for message %s: %w", messageID, err)
	}
	if n == 0 {
		return errs.Conflictf("message %s is not in status %s", messageID, from)
	}
	return nil
}

// MarkDelivered transitions a message from queued to delivered and stamps
// delivered_at, conditional on it still being queued. A zero-row update is
// disambiguated by re-reading the row: an absent message is NotFound (the
// deliver endpoint's 404 contract), one that exists in another status is
// Conflict (which the deliver handler further resolves for the
// already-delivered case).
func (s *Store) MarkDelivered(ctx context.Context, messageID string) error {
	const q = `
		UPDATE messages
		SET status = 'delivered', delivered_at = now()
		WHERE id = $1 AND status = 'queued'`
	res, err := s.db.ExecContext(ctx, q, messageID)
	if err != nil {
		return fmt.Errorf("authoritystore: marking message %s delivered: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status string
		err := s.db.GetContext(ctx, &status, `SELECT status FROM messages WHERE id = $1`, messageID)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFoundf("message %s", messageID)
		}
		if err != nil {
			return fmt.Errorf("authoritystore: re-reading message %s after zero-row deliver: %w", messageID, err)
		}
		return errs.Conflictf("message %s is in status %s, not queued", messageID, status)
	}
	return nil
}

// GetMessagesForPrincipal returns messages visible to a client or portal
// principal, newest first, for the portal's message-listing endpoint. An
// empty clientID means "all clients" and is only ever passed by the portal
// handler for an admin principal; non-admin callers must always supply
// their own bound client_id.
func (s *Store) GetMessagesForPrincipal(ctx context.Context, clientID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.Message
	if clientID == "" {
		const q = `
			SELECT id, client_id, sender_hash, body_ciphertext, body_nonce, domain,
			       status, attempt_count, last_error, created_at, queued_at, delivered_at
			FROM messages
			ORDER BY created_at DESC
			LIMIT $1`
		if err := s.db.SelectContext(ctx, &out, q, limit); err != nil {
			return nil, fmt.Errorf("authoritystore: listing all messages: %w", err)
		}
		return out, nil
	}
	const q = `
		SELECT id, client_id, sender_hash, body_ciphertext, body_nonce, domain,
		       status, attempt_count, last_error, created_at, queued_at, delivered_at
		FROM messages
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	if err := s.db.SelectContext(ctx, &out, q, clientID, limit); err != nil {
		return nil, fmt.Errorf("authoritystore: listing messages for client %s: %w", clientID, err)
	}
	return out, nil
}

// ListQueuedOlderThan returns message IDs still queued past cutoff, used
// by the reconciliation sweep to catch entries the durable queue lost
// track of (e.g. a sidecar store wiped out from under a running queue).
func (s *Store) ListQueuedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	const q = `
		SELECT id FROM messages
		WHERE status = 'queued' AND queued_at < $1
		ORDER BY queued_at ASC
		LIMIT $2`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q, cutoff, limit); err != nil {
		return nil, fmt.Errorf("authoritystore: listing stale queued messages: %w", err)
	}
	return ids, nil
}

// PurgeStable deletes delivered or permanently failed messages older than
// cutoff, the bulk retention sweep's final step.
func (s *Store) PurgeStable(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
		DELETE FROM messages
		WHERE status IN ('delivered', 'failed') AND created_at < $1`
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("authoritystore: purging stable messages: %w", err)
	}
	return res.RowsAffected()
}

// CreateClient inserts a new client record issued by the CA.
func (s *Store) CreateClient(ctx context.Context, c *models.Client) error {
	const q = `
		INSERT INTO clients (client_id, fingerprint, serial, domain, status, issued_at, expires_at)
		VALUES (:client_id, :fingerprint, :serial, :domain, :status, :issued_at, :expires_at)`
	if _, err := s.db.NamedExecContext(ctx, q, c); err != nil {
		return fmt.Errorf("authoritystore: creating client %s: %w", c.ClientID, err)
	}
	return nil
}

// GetClientByFingerprint looks up the client bound to a presented mTLS
// certificate fingerprint. Returns errs.NotFound if no such client exists.
func (s *Store) GetClientByFingerprint(ctx context.Context, fingerprint string) (*models.Client, error) {
	const q = `
		SELECT client_id, fingerprint, serial, domain, status, issued_at, expires_at, revoked_at
		FROM clients WHERE fingerprint = $1`
	var c models.Client
	if err := s.db.GetContext(ctx, &c, q, fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("client with fingerprint %s", fingerprint)
		}
		return nil, fmt.Errorf("authoritystore: looking up client by fingerprint: %w", err)
	}
	return &c, nil
}

// ListClients returns all known clients, newest-issued first, for the
// admin certificate-listing endpoint.
func (s *Store) ListClients(ctx context.Context, limit, offset int) ([]models.Client, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `
		SELECT client_id, fingerprint, serial, domain, status, issued_at, expires_at, revoked_at
		FROM clients ORDER BY issued_at DESC LIMIT $1 OFFSET $2`
	var out []models.Client
	if err := s.db.SelectContext(ctx, &out, q, limit, offset); err != nil {
		return nil, fmt.Errorf("authoritystore: listing clients: %w", err)
	}
	return out, nil
}

// ListExpiring returns active clients whose certificate expires within the
// given number of days, for admin renewal inspection.
func (s *Store) ListExpiring(ctx context.Context, days int) ([]models.Client, error) {
	const q = `
		SELECT client_id, fingerprint, serial, domain, status, issued_at, expires_at, revoked_at
		FROM clients
		WHERE status = 'active' AND expires_at < now() + make_interval(days => $1)
		ORDER BY expires_at ASC`
	var out []models.Client
	if err := s.db.SelectContext(ctx, &out, q, days); err != nil {
		return nil, fmt.Errorf("authoritystore: listing expiring clients: %w", err)
	}
	return out, nil
}

// ListRevokedClients returns every revoked client, for building a CRL. Clients issued before the serial column
// existed have an empty serial and are skipped by the caller.
func (s *Store) ListRevokedClients(ctx context.Context) ([]models.Client, error) {
	const q = `
		SELECT client_id, fingerprint, serial, domain, status, issued_at, expires_at, revoked_at
		FROM clients WHERE status = 'revoked' ORDER BY revoked_at ASC`
	var out []models.Client
	if err := s.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("authoritystore: listing revoked clients: %w", err)
	}
	return out, nil
}

// Stats summarizes message counts by status, for the admin stats endpoint.
type Stats struct {
	Queued    int64 `json:"queued" db:"queued"`
	Delivered int64 `json:"delivered" db:"delivered"`
	Failed    int64 `json:"failed" db:"failed"`
}

// GetStats computes the current message-status breakdown.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	const q = `
		SELECT
			count(*) FILTER (WHERE status = 'queued')    AS queued,
			count(*) FILTER (WHERE status = 'delivered')  AS delivered,
			count(*) FILTER (WHERE status = 'failed')     AS failed
		FROM messages`
	var st Stats
	if err := s.db.GetContext(ctx, &st, q); err != nil {
		return nil, fmt.Errorf("authoritystore: computing stats: %w", err)
	}
	return &st, nil
}

// MarkClientExpired flips a client to the expired status, conditional on it
// still being active so it never clobbers a revocation. Called lazily on
// access, the first time a request notices the client's validity window has
// lapsed, rather than by a dedicated sweep.
func (s *Store) MarkClientExpired(ctx context.Context, clientID string) error {
	const q = `UPDATE clients SET status = 'expired' WHERE client_id = $1 AND status = 'active'`
	_, err := s.db.ExecContext(ctx, q, clientID)
	if err != nil {
		return fmt.Errorf("authoritystore: marking client %s expired: %w", clientID, err)
	}
	return nil
}

// RevokeClient marks a client revoked; mTLS fingerprint checks consult this
// rather than a CRL, since revocation must take effect immediately. The CRL
// built from ListRevokedClients is a secondary, slower-to-propagate artifact
// for operators whose TLS termination consults one directly.
func (s *Store) RevokeClient(ctx context.Context, clientID string) error {
	const q = `UPDATE clients SET status = 'revoked', revoked_at = now() WHERE client_id = $1`
	res, err := s.db.ExecContext(ctx, q, clientID)
	if err != nil {
		return fmt.Errorf("authoritystore: revoking client %s: %w", clientID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.NotFoundf("client %s", clientID)
	}
	return nil
}

// SetUserActive enables or disables a portal user's login.
func (s *Store) SetUserActive(ctx context.Context, email string, active bool) error {
	const q = `UPDATE users SET is_active = $1 WHERE email = $2`
	res, err := s.db.ExecContext(ctx, q, active, email)
	if err != nil {
		return fmt.Errorf("authoritystore: setting active flag for %s: %w", email, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.NotFoundf("user %s", email)
	}
	return nil
}

// CreateUser inserts a new portal user with an already-hashed password.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	const q = `
		INSERT INTO users (email, password_hash, role, client_id, is_active)
		VALUES (:email, :password_hash, :role, :client_id, :is_active)`
	if _, err := s.db.NamedExecContext(ctx, q, u); err != nil {
		return fmt.Errorf("authoritystore: creating user %s: %w", u.Email, err)
	}
	return nil
}

// GetUserByEmail looks up a portal user for login.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `
		SELECT email, password_hash, role, client_id, is_active, last_login
		FROM users WHERE email = $1`
	var u models.User
	if err := s.db.GetContext(ctx, &u, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("user %s", email)
		}
		return nil, fmt.Errorf("authoritystore: looking up user %s: %w", email, err)
	}
	return &u, nil
}

// TouchLastLogin stamps a successful login time.
func (s *Store) TouchLastLogin(ctx context.Context, email string) error {
	const q = `UPDATE users SET last_login = now() WHERE email = $1`
	_, err := s.db.ExecContext(ctx, q, email)
	if err != nil {
		return fmt.Errorf("authoritystore: touching last login for %s: %w", email, err)
	}
	return nil
}

// AppendAudit writes an immutable audit trail entry.
func (s *Store) AppendAudit(ctx context.Context, ev *models.AuditEvent) error {
	const q = `
		INSERT INTO audit_log (actor, action, subject_id, outcome)
		VALUES ($1, $2, $3, $4)`
	_, err := s.db.ExecContext(ctx, q, ev.Actor, ev.Action, ev.SubjectID, ev.Outcome)
	if err != nil {
		return fmt.Errorf("authoritystore: appending audit event: %w", err)
	}
	return nil
}
