package crypto

import (
	"context"
	"fmt"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
)

// KeyProvider wraps a single symmetric key behind the hashicorp
// go-kms-wrapping interface. The "local" provider below is the only
// implementation: it takes raw key bytes the caller has already loaded, and
// crypto.New always builds it; the crypto.provider config value is not
// consulted.
type KeyProvider interface {
	Encrypt(ctx context.Context, plaintext, aad []byte) (ciphertext, iv []byte, err error)
	Decrypt(ctx context.Context, ciphertext, iv, aad []byte) (plaintext []byte, err error)
	Close() error
}

// localProvider is an in-process AES-256-GCM wrapper keyed by a single
// deployment-wide key loaded from disk or configuration.
type localProvider struct {
	wrapper wrapping.Wrapper
	keyID   string
	rawKey  []byte
}

// NewLocalProvider builds a KeyProvider from 32 raw AES-256 key bytes. The
// key is mlocked for the provider's lifetime and zeroed on Close.
func NewLocalProvider(keyID string, key []byte) (KeyProvider, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: local provider requires a 32-byte AES-256 key, got %d bytes", len(key))
	}
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	if err := lockMemory(keyCopy); err != nil {
		// Non-fatal: some environments (containers without CAP_IPC_LOCK)
		// deny mlock; the key still lives only in process memory.
		lastMlockErr = err
	}

	w := aead.NewWrapper()
	if _, err := w.SetConfig(context.Background(), wrapping.WithKeyId(keyID)); err != nil {
		return nil, fmt.Errorf("crypto: configuring aead wrapper: %w", err)
	}
	if err := w.SetAesGcmKeyBytes(keyCopy); err != nil {
		return nil, fmt.Errorf("crypto: loading aes key: %w", err)
	}
	return &localProvider{wrapper: w, keyID: keyID, rawKey: keyCopy}, nil
}

func (p *localProvider) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, []byte, error) {
	opts := []wrapping.Option{}
	if len(aad) > 0 {
		opts = append(opts, wrapping.WithAad(aad))
	}
	blob, err := p.wrapper.Encrypt(ctx, plaintext, opts...)
	if err != nil {
		return nil, nil, err
	}
	return blob.Ciphertext, blob.Iv, nil
}

func (p *localProvider) Decrypt(ctx context.Context, ciphertext, iv, aad []byte) ([]byte, error) {
	blob := &wrapping.BlobInfo{Ciphertext: ciphertext, Iv: iv, KeyInfo: &wrapping.KeyInfo{KeyId: p.keyID}}
	opts := []wrapping.Option{}
	if len(aad) > 0 {
		opts = append(opts, wrapping.WithAad(aad))
	}
	return p.wrapper.Decrypt(ctx, blob, opts...)
}

func (p *localProvider) Close() error {
	for i := range p.rawKey {
		p.rawKey[i] = 0
	}
	_ = unlockMemory(p.rawKey)
	return nil
}

// lastMlockErr records the most recent mlock failure, if any, so callers can
// surface it via their own logger without this package taking a dependency
// on one.
var lastMlockErr error

// LastMlockError returns the most recent mlock failure observed while
// constructing a local provider, or nil.
func LastMlockError() error { return lastMlockErr }
