// Package ca implements the in-house X.509 certificate authority used to
// issue and validate client certificates for mutual TLS.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const rsaKeyBits = 2048

// Authority holds the CA's root key pair and issues/validates client
// certificates against it.
type Authority struct {
	mu          sync.Mutex
	rootCert    *x509.Certificate
	rootKey     *rsa.PrivateKey
	rootCertDER []byte
	pool        *x509.CertPool
	nextSerial  *big.Int
}

// IssuedCert is the result of issuing a new client certificate. PrivateKeyPEM
// is returned only at issuance time; the authority never persists it.
type IssuedCert struct {
	ClientID         string
	CertificatePEM   []byte
	PrivateKeyPEM    []byte
	Fingerprint      string
	Serial           string
	ExpiresAt        time.Time
	CACertificatePEM []byte
}

// NewSelfSigned generates a fresh root CA key pair and self-signed
// certificate. Used on first bootstrap when no CA material exists on disk
// yet; callers persist the returned PEM bytes via the configured paths.
func NewSelfSigned(commonName string, validity time.Duration) (*Authority, []byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ca: generating root key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ca: self-signing root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ca: parsing generated root certificate: %w", err)
	}
	a, err := fromParsed(cert, der, key)
	if err != nil {
		return nil, nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return a, certPEM, keyPEM, nil
}

// LoadFromPEM reconstructs an Authority from existing root certificate and
// key PEM bytes, as loaded from the paths configured in ca.root_cert /
// ca.root_key.
func LoadFromPEM(certPEM, keyPEM []byte) (*Authority, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("ca: invalid root certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing root certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("ca: invalid root key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing root key: %w", err)
	}
	return fromParsed(cert, certBlock.Bytes, key)
}

func fromParsed(cert *x509.Certificate, der []byte, key *rsa.PrivateKey) (*Authority, error) {
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &Authority{
		rootCert:    cert,
		rootKey:     key,
		rootCertDER: der,
		pool:        pool,
		nextSerial:  big.NewInt(1),
	}, nil
}

// TrustPool returns the CA's certificate pool for use as a tls.Config's
// ClientCAs / RootCAs.
func (a *Authority) TrustPool() *x509.CertPool { return a.pool }

// RootExpiresAt returns the CA root certificate's expiry, for health checks
// that want to warn before the root itself lapses.
func (a *Authority) RootExpiresAt() time.Time {
	return a.rootCert.NotAfter
}

// RootCertificatePEM returns the CA's own certificate, PEM-encoded, for
// distribution to clients and for inclusion in issuance responses.
func (a *Authority) RootCertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.rootCertDER})
}

// IssueClient generates a fresh RSA-2048 key pair and a leaf certificate
// signed by the CA, with clientID as the certificate's common name.
func (a *Authority) IssueClient(clientID, domain string, validity time.Duration) (*IssuedCert, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("ca: generating client key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   clientID,
			Organization: []string{domain},
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.rootCert, &key.PublicKey, a.rootKey)
	if err != nil {
		return nil, fmt.Errorf("ca: signing client certificate: %w", err)
	}
	fp := FingerprintDER(der)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return &IssuedCert{
		ClientID:         clientID,
		CertificatePEM:   certPEM,
		PrivateKeyPEM:    keyPEM,
		Fingerprint:      fp,
		Serial:           serial.Text(16),
		ExpiresAt:        tmpl.NotAfter,
		CACertificatePEM: a.RootCertificatePEM(),
	}, nil
}

// ValidateChain verifies a presented certificate chains to this authority
// and is within its validity window. It does not consult revocation state;
// callers must check fingerprint status against the authority store
// themselves (see pkg/authority), since fingerprint-based revocation takes
// effect immediately while a CRL would lag until refreshed.
func (a *Authority) ValidateChain(leaf *x509.Certificate, intermediates *x509.CertPool) error {
	opts := x509.VerifyOptions{
		Roots:         a.pool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("ca: certificate chain validation failed: %w", err)
	}
	return nil
}

// Fingerprint returns the normalized (lowercase, unseparated hex)
// SHA-256 fingerprint of a parsed certificate.
func Fingerprint(cert *x509.Certificate) string {
	return FingerprintDER(cert.Raw)
}

// FingerprintDER computes the normalized fingerprint directly from a DER
// encoded certificate, avoiding a parse round-trip during issuance.
func FingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// ParseSerial parses the hex-encoded serial number a Client record stores
// back into the big.Int form x509.RevocationList needs. Reports false if hex
// is empty or malformed, which callers treat as "skip this client" rather
// than failing the whole CRL build.
func ParseSerial(hex string) (*big.Int, bool) {
	if hex == "" {
		return nil, false
	}
	n, ok := new(big.Int).SetString(hex, 16)
	return n, ok
}

func randomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("ca: generating serial number: %w", err)
	}
	return serial, nil
}

// BuildCRL produces a DER-encoded certificate revocation list covering the
// given revoked serials, signed by the CA root key. This is exported for
// the admin CRL-download endpoint and for operators who terminate TLS with
// software that consults a CRL directly; the authority's own handshake path
// relies on the faster fingerprint/store check instead.
func (a *Authority) BuildCRL(revoked []pkix.RevokedCertificate) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:              a.nextSerial,
		ThisUpdate:          now,
		NextUpdate:          now.Add(24 * time.Hour),
		RevokedCertificates: revoked,
	}, a.rootCert, a.rootKey)
	if err != nil {
		return nil, fmt.Errorf("ca: building CRL: %w", err)
	}
	a.nextSerial = new(big.Int).Add(a.nextSerial, big.NewInt(1))
	return der, nil
}
