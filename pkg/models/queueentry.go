package models

import "time"

// QueueEntry is the payload carried through the durable queue. It mirrors a
// subset of Message: enough for a worker to attempt delivery and report back
// to the authority, without ever holding the plaintext sender identifier.
type QueueEntry struct {
	MessageID      string    `json:"message_id"`
	ClientID       string    `json:"client_id"`
	SenderHash     string    `json:"sender_hash"`
	BodyCiphertext []byte    `json:"body_ciphertext"`
	BodyNonce      []byte    `json:"body_nonce"`
	Domain         string    `json:"domain,omitempty"`
	AttemptCount   int       `json:"attempt_count"`
	QueuedAt       time.Time `json:"queued_at"`
}
