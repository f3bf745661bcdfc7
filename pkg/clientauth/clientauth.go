// Package clientauth implements the mutual-TLS identification step shared
// by the authority API and the ingress gate: given a presented certificate
// chain, resolve and authorize the calling client. Both processes trust the
// same CA and read the same client table, so this logic lives in one place
// rather than being duplicated at each TLS-terminating edge.
package clientauth

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/nyx-relay/broker/pkg/ca"
	"github.com/nyx-relay/broker/pkg/errs"
	"github.com/nyx-relay/broker/pkg/logger"
	"github.com/nyx-relay/broker/pkg/models"
)

// NowFunc is a seam for tests simulating certificate expiry.
var NowFunc = time.Now

// ClientStore is the slice of the authority store VerifyPeerCert consults:
// fingerprint resolution and the lazy expired-status flip. Satisfied by
// *authoritystore.Store.
type ClientStore interface {
	GetClientByFingerprint(ctx context.Context, fingerprint string) (*models.Client, error)
	MarkClientExpired(ctx context.Context, clientID string) error
}

// VerifyPeerCert validates that the leaf of a presented certificate chain
// verifies against authority's trust root and belongs to a client the
// store still marks active and unexpired. Revocation is enforced by
// consulting the store directly rather than a CRL, so it takes effect on
// the very next request after an admin revokes a client.
//
// Error kinds split along the handshake boundary: a missing or
// chain-invalid certificate is an authentication failure (401), while a
// chain-valid certificate whose fingerprint is unknown, revoked, or
// expired authenticated fine but is not permitted (403).
func VerifyPeerCert(ctx context.Context, authority *ca.Authority, store ClientStore, peerCerts []*x509.Certificate) (*models.Client, error) {
	if len(peerCerts) == 0 {
		return nil, errs.Authenticationf("client certificate required")
	}
	leaf := peerCerts[0]
	intermediates := poolOf(peerCerts[1:])
	if err := authority.ValidateChain(leaf, intermediates); err != nil {
		return nil, errs.Authenticationf("invalid client certificate: %v", err)
	}
	fp := ca.Fingerprint(leaf)
	client, err := store.GetClientByFingerprint(ctx, fp)
	if err != nil {
		return nil, errs.Authorizationf("unknown client certificate")
	}
	if client.Expired(NowFunc()) {
		if client.Status == models.ClientActive {
			if err := store.MarkClientExpired(ctx, client.ClientID); err != nil {
				logger.Warn("client_expired_status_not_persisted", "client_id", client.ClientID, "error", err)
			}
		}
		return nil, errs.Authorizationf("client %s is not active", client.ClientID)
	}
	if client.Status != models.ClientActive {
		return nil, errs.Authorizationf("client %s is not active", client.ClientID)
	}
	return client, nil
}

func poolOf(certs []*x509.Certificate) *x509.CertPool {
	if len(certs) == 0 {
		return nil
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}
