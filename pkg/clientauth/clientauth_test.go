package clientauth

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyx-relay/broker/pkg/ca"
	"github.com/nyx-relay/broker/pkg/errs"
	"github.com/nyx-relay/broker/pkg/models"
)

// fakeStore satisfies ClientStore with canned lookups so the
// post-handshake authorization branches can be driven without a database.
type fakeStore struct {
	clients map[string]*models.Client
	expired []string
}

func (f *fakeStore) GetClientByFingerprint(_ context.Context, fp string) (*models.Client, error) {
	if c, ok := f.clients[fp]; ok {
		return c, nil
	}
	return nil, errs.NotFoundf("client with fingerprint %s", fp)
}

func (f *fakeStore) MarkClientExpired(_ context.Context, clientID string) error {
	f.expired = append(f.expired, clientID)
	return nil
}

// No store or authority is needed for a request that never presents a
// certificate: the empty-chain check short-circuits before either is
// touched, so nil dependencies are safe here.
func TestVerifyPeerCertRequiresACertificate(t *testing.T) {
	_, err := VerifyPeerCert(context.Background(), nil, nil, nil)
	require.Error(t, err)
	require.Equal(t, errs.Authentication, errs.KindOf(err))
}

// A leaf issued by a different root fails chain validation before the store
// is ever consulted, so store can stay nil here too.
func TestVerifyPeerCertRejectsUntrustedChain(t *testing.T) {
	authority, _, _, err := ca.NewSelfSigned("trusted-root", time.Hour)
	require.NoError(t, err)

	foreignCA, _, _, err := ca.NewSelfSigned("foreign-root", time.Hour)
	require.NoError(t, err)
	issued, err := foreignCA.IssueClient("intruder", "tenant/acme", time.Hour)
	require.NoError(t, err)
	leaf := parsePEMCert(t, issued.CertificatePEM)

	_, err = VerifyPeerCert(context.Background(), authority, nil, []*x509.Certificate{leaf})
	require.Error(t, err)
	require.Equal(t, errs.Authentication, errs.KindOf(err))
}

// A chain-valid certificate whose fingerprint the store has never seen
// authenticated fine at the TLS layer; rejecting it is an authorization
// decision (403), not an authentication one (401).
func TestVerifyPeerCertUnknownFingerprintIsAuthorizationFailure(t *testing.T) {
	authority, _, _, err := ca.NewSelfSigned("trusted-root", time.Hour)
	require.NoError(t, err)
	issued, err := authority.IssueClient("ghost", "tenant/acme", time.Hour)
	require.NoError(t, err)
	leaf := parsePEMCert(t, issued.CertificatePEM)

	store := &fakeStore{clients: map[string]*models.Client{}}
	_, err = VerifyPeerCert(context.Background(), authority, store, []*x509.Certificate{leaf})
	require.Error(t, err)
	require.Equal(t, errs.Authorization, errs.KindOf(err))
}

func TestVerifyPeerCertRejectsRevokedClient(t *testing.T) {
	authority, _, _, err := ca.NewSelfSigned("trusted-root", time.Hour)
	require.NoError(t, err)
	issued, err := authority.IssueClient("client-a", "tenant/acme", time.Hour)
	require.NoError(t, err)
	leaf := parsePEMCert(t, issued.CertificatePEM)

	store := &fakeStore{clients: map[string]*models.Client{
		issued.Fingerprint: {
			ClientID:    "client-a",
			Fingerprint: issued.Fingerprint,
			Status:      models.ClientRevoked,
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}}
	_, err = VerifyPeerCert(context.Background(), authority, store, []*x509.Certificate{leaf})
	require.Error(t, err)
	require.Equal(t, errs.Authorization, errs.KindOf(err))
}

// An active client past its expires_at is rejected with 403 and flipped to
// expired in the store the first time the lapse is observed.
func TestVerifyPeerCertExpiredClientIsRejectedAndPersisted(t *testing.T) {
	authority, _, _, err := ca.NewSelfSigned("trusted-root", time.Hour)
	require.NoError(t, err)
	issued, err := authority.IssueClient("client-b", "tenant/acme", time.Hour)
	require.NoError(t, err)
	leaf := parsePEMCert(t, issued.CertificatePEM)

	store := &fakeStore{clients: map[string]*models.Client{
		issued.Fingerprint: {
			ClientID:    "client-b",
			Fingerprint: issued.Fingerprint,
			Status:      models.ClientActive,
			ExpiresAt:   time.Now().Add(-time.Minute),
		},
	}}
	_, err = VerifyPeerCert(context.Background(), authority, store, []*x509.Certificate{leaf})
	require.Error(t, err)
	require.Equal(t, errs.Authorization, errs.KindOf(err))
	require.Equal(t, []string{"client-b"}, store.expired)
}

func TestVerifyPeerCertAcceptsActiveClient(t *testing.T) {
	authority, _, _, err := ca.NewSelfSigned("trusted-root", time.Hour)
	require.NoError(t, err)
	issued, err := authority.IssueClient("client-c", "tenant/acme", time.Hour)
	require.NoError(t, err)
	leaf := parsePEMCert(t, issued.CertificatePEM)

	store := &fakeStore{clients: map[string]*models.Client{
		issued.Fingerprint: {
			ClientID:    "client-c",
			Fingerprint: issued.Fingerprint,
			Status:      models.ClientActive,
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}}
	client, err := VerifyPeerCert(context.Background(), authority, store, []*x509.Certificate{leaf})
	require.NoError(t, err)
	require.Equal(t, "client-c", client.ClientID)
	require.Empty(t, store.expired)
}

func TestPoolOfReturnsNilForEmptyInput(t *testing.T) {
	require.Nil(t, poolOf(nil))
}

func parsePEMCert(t *testing.T, pemBytes []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}
