package idempotency

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "idem"), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReserveAllowsFirstSubmission(t *testing.T) {
	s := openTestStore(t, time.Minute)
	ok, err := s.Reserve("fp-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReserveRejectsDuplicateWithinTTL(t *testing.T) {
	s := openTestStore(t, time.Minute)
	ok, err := s.Reserve("fp-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Reserve("fp-1")
	require.NoError(t, err)
	require.False(t, ok, "second reservation within the TTL window must be rejected as a duplicate")
}

func TestReserveAllowsAfterExpiry(t *testing.T) {
	s := openTestStore(t, 10*time.Millisecond)
	ok, err := s.Reserve("fp-1")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	ok, err = s.Reserve("fp-1")
	require.NoError(t, err)
	require.True(t, ok, "a reservation past its TTL must be claimable again")
}

func TestFingerprintIsStableWithinTheSameMinuteAndDiffersAcrossInputs(t *testing.T) {
	at := time.Date(2026, 7, 31, 10, 30, 0, 0, time.UTC)
	a := Fingerprint("client-1", "+15551234567", "hello", at)
	b := Fingerprint("client-1", "+15551234567", "hello", at.Add(20*time.Second))
	require.Equal(t, a, b, "fingerprints within the same minute must collide")

	c := Fingerprint("client-1", "+15551234567", "hello", at.Add(90*time.Second))
	require.NotEqual(t, a, c, "fingerprints in different minutes must differ")

	d := Fingerprint("client-2", "+15551234567", "hello", at)
	require.NotEqual(t, a, d, "fingerprints for different clients must differ")
}
