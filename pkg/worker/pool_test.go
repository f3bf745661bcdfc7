package worker

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyx-relay/broker/pkg/models"
	"github.com/nyx-relay/broker/pkg/queue"
)

type fakeAuthority struct {
	mu           sync.Mutex
	deliverCalls int32
	deliverFn    func(messageID string) (*DeliverResult, error)
	statuses     []models.StatusUpdate
}

func (f *fakeAuthority) Deliver(ctx context.Context, messageID, workerID string) (*DeliverResult, error) {
	atomic.AddInt32(&f.deliverCalls, 1)
	return f.deliverFn(messageID)
}

func (f *fakeAuthority) UpdateStatus(ctx context.Context, messageID string, upd models.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, upd)
	return nil
}

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := queue.Open(queue.Options{
		WALDir:            filepath.Join(dir, "wal"),
		SidecarPath:       filepath.Join(dir, "side"),
		VisibilityTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestPoolDeliversSuccessfully(t *testing.T) {
	q := openTestQueue(t)
	require.NoError(t, q.Enqueue(context.Background(), &models.QueueEntry{MessageID: "m1", ClientID: "c1"}))

	fake := &fakeAuthority{deliverFn: func(string) (*DeliverResult, error) {
		return &DeliverResult{StatusCode: 200}, nil
	}}
	pool := NewPool(Config{Queue: q, Client: fake, WorkerCount: 1, RetryInterval: time.Millisecond, MaxAttempts: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { pool.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fake.deliverCalls) >= 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	q := openTestQueue(t)
	require.NoError(t, q.Enqueue(context.Background(), &models.QueueEntry{MessageID: "m2", ClientID: "c1"}))

	fake := &fakeAuthority{deliverFn: func(string) (*DeliverResult, error) {
		return &DeliverResult{StatusCode: 503}, nil
	}}
	pool := NewPool(Config{Queue: q, Client: fake, WorkerCount: 1, RetryInterval: time.Millisecond, MaxAttempts: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { pool.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fake.deliverCalls) >= 2 }, 400*time.Millisecond, 10*time.Millisecond)
	cancel()
	<-done
}

func TestPoolDropsWhenMaxAttemptsExceeded(t *testing.T) {
	q := openTestQueue(t)
	require.NoError(t, q.Enqueue(context.Background(), &models.QueueEntry{MessageID: "m3", ClientID: "c1", AttemptCount: 5}))

	fake := &fakeAuthority{deliverFn: func(string) (*DeliverResult, error) {
		t.Fatal("deliver should not be called once max attempts is exceeded")
		return nil, nil
	}}
	pool := NewPool(Config{Queue: q, Client: fake, WorkerCount: 1, RetryInterval: time.Millisecond, MaxAttempts: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { pool.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.statuses) == 1 && fake.statuses[0].Status == models.StatusFailed
	}, 250*time.Millisecond, 10*time.Millisecond)
	cancel()
	<-done
}

func TestJitteredStaysWithinTenPercent(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		j := jittered(base)
		require.InDelta(t, base, j, float64(10*time.Millisecond))
	}
}
