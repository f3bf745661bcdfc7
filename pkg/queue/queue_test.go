package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyx-relay/broker/pkg/models"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := Open(Options{
		WALDir:            filepath.Join(dir, "wal"),
		SidecarPath:       filepath.Join(dir, "side"),
		VisibilityTimeout: 50 * time.Millisecond,
		Capacity:          16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueThenBlockingPop(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	entry := &models.QueueEntry{MessageID: "m1", ClientID: "c1", SenderHash: "h1"}
	require.NoError(t, q.Enqueue(ctx, entry))

	got, tok, err := q.BlockingPop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "m1", got.MessageID)
	require.NoError(t, q.Ack(tok))

	n, err := q.Size()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestBlockingPopTimesOutWhenEmpty(t *testing.T) {
	q := testQueue(t)
	_, _, err := q.BlockingPop(context.Background(), 20*time.Millisecond)
	require.True(t, errors.Is(err, ErrEmpty))
}

func TestRequeueMakesEntryAvailableAgain(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &models.QueueEntry{MessageID: "m2", ClientID: "c1"}))
	_, tok, err := q.BlockingPop(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Requeue(tok))

	again, _, err := q.BlockingPop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "m2", again.MessageID)
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &models.QueueEntry{MessageID: "m3", ClientID: "c1"}))
	_, _, err := q.BlockingPop(ctx, time.Second)
	require.NoError(t, err)

	// Never acked; the lease sweep should redeliver it once the
	// visibility timeout elapses.
	redelivered, _, err := q.BlockingPop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "m3", redelivered.MessageID)
}

func TestRecoveryReenqueuesPendingEntries(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		WALDir:            filepath.Join(dir, "wal"),
		SidecarPath:       filepath.Join(dir, "side"),
		VisibilityTimeout: time.Second,
		Capacity:          16,
	}
	q, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), &models.QueueEntry{MessageID: "m4", ClientID: "c1"}))
	require.NoError(t, q.Close())

	q2, err := Open(opts)
	require.NoError(t, err)
	defer q2.Close()

	entry, _, err := q2.BlockingPop(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "m4", entry.MessageID)
}
