package ca

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateClientCert(t *testing.T) {
	authority, _, _, err := NewSelfSigned("test-root", 24*time.Hour)
	require.NoError(t, err)

	issued, err := authority.IssueClient("client-a", "acme", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, issued.Fingerprint)
	require.Len(t, issued.Fingerprint, 64) // hex-encoded sha256

	cert := parsePEMCert(t, issued.CertificatePEM)
	require.NoError(t, authority.ValidateChain(cert, nil))
	require.Equal(t, Fingerprint(cert), issued.Fingerprint)
}

func TestIssueClientRejectsAfterExpiry(t *testing.T) {
	authority, _, _, err := NewSelfSigned("test-root", 24*time.Hour)
	require.NoError(t, err)

	issued, err := authority.IssueClient("client-b", "acme", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	cert := parsePEMCert(t, issued.CertificatePEM)
	require.Error(t, authority.ValidateChain(cert, nil))
}

func TestIssueClientRecordsParseableSerial(t *testing.T) {
	authority, _, _, err := NewSelfSigned("test-root", 24*time.Hour)
	require.NoError(t, err)

	issued, err := authority.IssueClient("client-c", "acme", time.Hour)
	require.NoError(t, err)

	serial, ok := ParseSerial(issued.Serial)
	require.True(t, ok)

	cert := parsePEMCert(t, issued.CertificatePEM)
	require.Equal(t, 0, cert.SerialNumber.Cmp(serial))
}

func TestParseSerialRejectsEmptyAndMalformed(t *testing.T) {
	_, ok := ParseSerial("")
	require.False(t, ok)
	_, ok = ParseSerial("not-hex!")
	require.False(t, ok)
}

func TestBuildCRLIncludesRevokedSerial(t *testing.T) {
	authority, _, _, err := NewSelfSigned("test-root", 24*time.Hour)
	require.NoError(t, err)

	issued, err := authority.IssueClient("client-d", "acme", time.Hour)
	require.NoError(t, err)
	serial, ok := ParseSerial(issued.Serial)
	require.True(t, ok)

	der, err := authority.BuildCRL([]pkix.RevokedCertificate{
		{SerialNumber: serial, RevocationTime: time.Now()},
	})
	require.NoError(t, err)

	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificates, 1)
	require.Equal(t, 0, crl.RevokedCertificates[0].SerialNumber.Cmp(serial))
}

func TestRootExpiresAtMatchesValidity(t *testing.T) {
	authority, _, _, err := NewSelfSigned("test-root", 24*time.Hour)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(24*time.Hour), authority.RootExpiresAt(), time.Minute)
}

func parsePEMCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}
