package crypto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Config{
		BodyKey:      make([]byte, 32),
		SenderSalt:   []byte("test-salt"),
		JWTSecret:    []byte("test-jwt-secret"),
		PasswordCost: 12, // New floors anything lower to 12 regardless
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestEncryptBodyRoundTrip(t *testing.T) {
	svc := testService(t)
	ct, nonce, err := svc.EncryptBody(context.Background(), []byte("hello world"))
	require.NoError(t, err)
	require.NotEqual(t, []byte("hello world"), ct)

	pt, err := svc.DecryptBody(context.Background(), ct, nonce)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(pt))
}

func TestDecryptBodyTamperedCiphertextFails(t *testing.T) {
	svc := testService(t)
	ct, nonce, err := svc.EncryptBody(context.Background(), []byte("hello world"))
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = svc.DecryptBody(context.Background(), ct, nonce)
	require.Error(t, err)
}

func TestHashSenderDeterministic(t *testing.T) {
	svc := testService(t)
	a := svc.HashSender("+15555550100")
	b := svc.HashSender("+15555550100")
	require.Equal(t, a, b)
	require.NotEqual(t, a, svc.HashSender("+15555550101"))
}

func TestPasswordHashVerify(t *testing.T) {
	svc := testService(t)
	hash, err := svc.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, svc.VerifyPassword(hash, "correct horse battery staple"))
	require.False(t, svc.VerifyPassword(hash, "wrong password"))
}

func TestTokenMintVerify(t *testing.T) {
	svc := testService(t)
	tok, _, err := svc.MintToken("user@example.com", "admin", "", 30*time.Minute)
	require.NoError(t, err)

	claims, err := svc.VerifyToken(tok)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", claims.Subject)
	require.Equal(t, "admin", claims.Role)
}

func TestTokenExpired(t *testing.T) {
	svc := testService(t)
	tok, _, err := svc.MintToken("user@example.com", "user", "c1", -time.Second)
	require.NoError(t, err)

	_, err = svc.VerifyToken(tok)
	require.Error(t, err)
}
