// Package crypto implements the body-encryption, sender-hashing,
// password-hashing, and token-signing primitives used across the ingress
// gate, the authority API, and the CA service.
package crypto

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Service bundles the process-local key material and the provider used to
// protect it. Exactly one Service is constructed per process at startup;
// its key material is mlocked for the process lifetime (see provider.go)
// and zeroed on Close.
type Service struct {
	body         KeyProvider
	senderSalt   []byte
	jwt          *jwtSigner
	passwordCost int
}

// Config carries the raw startup material a Service needs. BodyKey must be
// exactly 32 bytes (AES-256). SenderSalt and JWTSecret are opaque byte
// strings; the caller is responsible for loading them from restricted-
// permission files or a secrets manager.
type Config struct {
	BodyKey      []byte
	SenderSalt   []byte
	JWTSecret    []byte
	PasswordCost int
}

// New constructs a Service from raw key material, wrapping the body key in
// the local AEAD provider. PasswordCost is floored at 12; anything lower
// (including the zero value) is raised to it.
func New(cfg Config) (*Service, error) {
	if len(cfg.SenderSalt) == 0 {
		return nil, fmt.Errorf("crypto: sender salt must not be empty")
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, fmt.Errorf("crypto: jwt secret must not be empty")
	}
	provider, err := NewLocalProvider("body-key-v1", cfg.BodyKey)
	if err != nil {
		return nil, err
	}
	cost := cfg.PasswordCost
	if cost < 12 {
		cost = 12
	}
	salt := make([]byte, len(cfg.SenderSalt))
	copy(salt, cfg.SenderSalt)
	_ = lockMemory(salt)

	return &Service{
		body:         provider,
		senderSalt:   salt,
		jwt:          newJWTSigner(cfg.JWTSecret),
		passwordCost: cost,
	}, nil
}

// Close zeroes and releases locked key material.
func (s *Service) Close() error {
	_ = unlockMemory(s.senderSalt)
	for i := range s.senderSalt {
		s.senderSalt[i] = 0
	}
	_ = unlockMemory(s.jwt.secret)
	for i := range s.jwt.secret {
		s.jwt.secret[i] = 0
	}
	return s.body.Close()
}

// EncryptBody authenticates and encrypts a message body with AES-256-GCM.
// The ciphertext and nonce are returned separately so the authority store
// can persist them in their own columns.
func (s *Service) EncryptBody(ctx context.Context, plaintext []byte) (ciphertext, nonce []byte, err error) {
	return s.body.Encrypt(ctx, plaintext, nil)
}

// DecryptBody reverses EncryptBody. Any authentication failure (tampering,
// wrong key, truncated ciphertext) is reported as a single opaque error; the
// caller must not distinguish ciphertext corruption from a missing key, to
// avoid leaking information about why decryption failed.
func (s *Service) DecryptBody(ctx context.Context, ciphertext, nonce []byte) ([]byte, error) {
	pt, err := s.body.Decrypt(ctx, ciphertext, nonce, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: body decryption failed: %w", err)
	}
	return pt, nil
}

// HashSender returns a deterministic, salted SHA-256 hex digest of a sender
// identifier. Equal inputs always yield equal output; the salt is never
// exposed through this API.
func (s *Service) HashSender(sender string) string {
	h := sha256.New()
	h.Write(s.senderSalt)
	h.Write([]byte(sender))
	return hex.EncodeToString(h.Sum(nil))
}

// SenderHashEquals is a constant-time comparison helper for callers that
// already hold a computed hash (e.g. verifying idempotency keys).
func SenderHashEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashPassword bcrypt-hashes a password at the service's configured cost.
func (s *Service) HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.passwordCost)
	if err != nil {
		return "", fmt.Errorf("crypto: hashing password: %w", err)
	}
	return string(b), nil
}

// VerifyPassword reports whether password matches hash. It never
// distinguishes "wrong password" from "malformed hash" in its return value.
func (s *Service) VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
