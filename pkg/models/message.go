// Package models defines the persisted record shapes shared by the
// authority store, the durable queue, and the HTTP layers.
package models

import "time"

// MessageStatus is the closed set of states a Message can occupy.
type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Message is the authority's canonical record for one accepted submission.
// The body is always encrypted at rest; SenderHash is a salted digest, never
// the raw sender identifier.
type Message struct {
	ID             string        `json:"id" db:"id"`
	ClientID       string        `json:"client_id" db:"client_id"`
	SenderHash     string        `json:"sender_hash" db:"sender_hash"`
	BodyCiphertext []byte        `json:"-" db:"body_ciphertext"`
	BodyNonce      []byte        `json:"-" db:"body_nonce"`
	Domain         string        `json:"domain,omitempty" db:"domain"`
	Status         MessageStatus `json:"status" db:"status"`
	AttemptCount   int           `json:"attempt_count" db:"attempt_count"`
	LastError      string        `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	QueuedAt       time.Time     `json:"queued_at" db:"queued_at"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty" db:"delivered_at"`
}

// RegisterRequest is the ingress-to-authority registration payload. The
// authority hashes Sender and encrypts Body before persisting either; the
// raw values never reach the durable queue or the database.
type RegisterRequest struct {
	MessageID string `json:"message_id,omitempty"`
	ClientID  string `json:"client_id"`
	Sender    string `json:"sender_number"`
	Body      string `json:"message_body"`
	Domain    string `json:"domain,omitempty"`
}

// RegisterResponse is returned by the authority's register endpoint. The
// ingress gate's submit endpoint answers with the same fields, except that
// CreatedAt is sent as queued_at.
type RegisterResponse struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	ClientID  string    `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusUpdate carries a worker's report of a delivery attempt back to the
// authority.
type StatusUpdate struct {
	Status       MessageStatus `json:"status"`
	AttemptCount int           `json:"attempt_count"`
	Error        string        `json:"error,omitempty"`
}
