// Package idempotency implements the ingress gate's short-lived replay
// defense: the submission payload carries no nonce or timestamp, so a
// resubmission of the exact same message within a short window would
// otherwise be enqueued twice. A content fingerprint is reserved in a
// small pebble-backed store (pkg/kvstore) under the gate's state
// directory for a short TTL; a second submission with the same
// fingerprint before it expires is rejected.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/nyx-relay/broker/pkg/kvstore"
)

const keyPrefix = "idem/"

// Store reserves content fingerprints for a fixed TTL.
type Store struct {
	kv  *kvstore.Store
	ttl time.Duration
}

// Open opens (or creates) the idempotency KV at path with the given TTL. A
// TTL of zero falls back to a 2-minute window.
func Open(path string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	kv, err := kvstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("idempotency: opening store: %w", err)
	}
	return &Store{kv: kv, ttl: ttl}, nil
}

// Close closes the underlying KV.
func (s *Store) Close() error { return s.kv.Close() }

// Fingerprint derives the replay-defense key from a submission's identity:
// client, sender, body, and the wall-clock minute it arrived in, so the
// same message resubmitted a few seconds apart collides but one sent an
// hour later does not.
func Fingerprint(clientID, sender, body string, at time.Time) string {
	h := sha256.New()
	h.Write([]byte(clientID))
	h.Write([]byte{0})
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write([]byte(body))
	h.Write([]byte{0})
	h.Write([]byte(at.UTC().Format("200601021504")))
	return hex.EncodeToString(h.Sum(nil))
}

// Reserve claims fingerprint for the configured TTL. It reports true if
// this is the first reservation (or the prior one has already expired),
// false if fingerprint is still live; the caller should treat false as a
// duplicate submission and reject it.
func (s *Store) Reserve(fingerprint string) (bool, error) {
	key := []byte(keyPrefix + fingerprint)
	now := time.Now()
	if raw, err := s.kv.Get(key); err == nil {
		if expiry, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil && now.Unix() < expiry {
			return false, nil
		}
	} else if err != kvstore.ErrNotFound {
		return false, fmt.Errorf("idempotency: checking fingerprint: %w", err)
	}
	expiry := now.Add(s.ttl).Unix()
	if err := s.kv.Put(key, []byte(strconv.FormatInt(expiry, 10)), false); err != nil {
		return false, fmt.Errorf("idempotency: recording fingerprint: %w", err)
	}
	return true, nil
}
