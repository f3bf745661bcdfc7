// Package queue is the durable handoff between the ingress gate and the
// worker pool. The write-ahead log in wal.go is the system of record: every
// entry is fsynced there before Enqueue returns, and a restart rebuilds the
// in-memory ready set by replaying it from the start. A small pebble-backed
// sidecar (pkg/kvstore) records only which sequence numbers have already
// been acked, so replay can skip entries already delivered before a crash
// and the log can be compacted once nothing below a point is still
// outstanding. BlockingPop hands out an entry together with an ack token,
// and the entry is only considered delivered once the caller acks it. A
// popped entry that is never acked or requeued is redelivered once its
// visibility timeout elapses, which is what makes delivery at-least-once
// rather than at-most-once.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nyx-relay/broker/pkg/kvstore"
	"github.com/nyx-relay/broker/pkg/logger"
	"github.com/nyx-relay/broker/pkg/models"
)

// Options configures a Queue's on-disk layout and delivery behavior.
type Options struct {
	// WALDir holds the write-ahead log segments.
	WALDir string
	// SidecarPath is the kvstore path used for ack bookkeeping.
	SidecarPath string
	// MaxSegmentBytes rotates WAL segments at this size.
	MaxSegmentBytes int64
	// VisibilityTimeout is how long a popped-but-unacked entry stays
	// invisible to other consumers before it is redelivered.
	VisibilityTimeout time.Duration
	// Capacity bounds the in-memory ready channel; Enqueue blocks once it
	// fills, applying backpressure to the ingress gate.
	Capacity int
}

const ackedPrefix = "acked/"

// Queue is the durable FIFO handoff from ingress to the worker pool.
type Queue struct {
	opts Options
	wal  *fileLog
	side *kvstore.Store

	mu       sync.Mutex
	entries  map[int64]*models.QueueEntry
	inflight map[int64]time.Time
	ready    chan int64 // sequence numbers ready for dispatch
	sweeper  *time.Ticker
	done     chan struct{}
}

// Token identifies a popped entry for Ack/Requeue.
type Token struct {
	Seq int64
}

// Open opens (or recovers) a durable queue rooted at opts.WALDir/opts.SidecarPath.
// On recovery, every WAL record not yet marked acked in the sidecar is
// re-enqueued for dispatch, in log order.
func Open(opts Options) (*Queue, error) {
	if opts.MaxSegmentBytes == 0 {
		opts.MaxSegmentBytes = 64 * 1024 * 1024
	}
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.Capacity == 0 {
		opts.Capacity = 4096
	}

	wal, err := newFileLog(logOptions{
		Dir:             opts.WALDir,
		MaxSegmentBytes: opts.MaxSegmentBytes,
		Compress:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: opening wal: %w", err)
	}
	side, err := kvstore.Open(opts.SidecarPath)
	if err != nil {
		wal.Close()
		return nil, fmt.Errorf("queue: opening sidecar store: %w", err)
	}

	q := &Queue{
		opts:     opts,
		wal:      wal,
		side:     side,
		entries:  make(map[int64]*models.QueueEntry),
		inflight: make(map[int64]time.Time),
		ready:    make(chan int64, opts.Capacity),
		sweeper:  time.NewTicker(opts.VisibilityTimeout / 2),
		done:     make(chan struct{}),
	}
	if err := q.recoverFromWAL(); err != nil {
		wal.Close()
		side.Close()
		return nil, fmt.Errorf("queue: replaying wal on recovery: %w", err)
	}
	go q.sweepExpiredLeases()
	return q, nil
}

func (q *Queue) recoverFromWAL() error {
	return q.wal.RecoverStream(func(rec logRecord) error {
		_, err := q.side.Get(ackedKey(rec.Seq))
		if err == nil {
			return nil // already delivered before the crash, skip
		}
		if err != kvstore.ErrNotFound {
			return fmt.Errorf("queue: checking ack state for seq %d: %w", rec.Seq, err)
		}
		var entry models.QueueEntry
		if err := json.Unmarshal(rec.Data, &entry); err != nil {
			return fmt.Errorf("queue: decoding recovered entry at seq %d: %w", rec.Seq, err)
		}
		q.entries[rec.Seq] = &entry
		select {
		case q.ready <- rec.Seq:
		default:
			return fmt.Errorf("queue: ready channel full during recovery, raise Capacity")
		}
		return nil
	})
}

// Enqueue durably appends entry and makes it available to BlockingPop.
// It blocks if the in-memory ready channel is full, applying backpressure
// to the caller rather than growing unbounded.
func (q *Queue) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshaling entry %s: %w", entry.MessageID, err)
	}
	seq, err := q.wal.AppendSync(data)
	if err != nil {
		return fmt.Errorf("queue: appending entry %s to wal: %w", entry.MessageID, err)
	}
	q.mu.Lock()
	q.entries[seq] = entry
	q.mu.Unlock()

	select {
	case q.ready <- seq:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.entries, seq)
		q.mu.Unlock()
		return ctx.Err()
	}
}

// BlockingPop waits up to timeout (0 means wait indefinitely, bounded by
// ctx) for the next ready entry, marks it in-flight, and returns it with a
// Token the caller must later Ack or Requeue.
func (q *Queue) BlockingPop(ctx context.Context, timeout time.Duration) (*models.QueueEntry, Token, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case seq := <-q.ready:
		q.mu.Lock()
		entry, ok := q.entries[seq]
		if ok {
			q.inflight[seq] = time.Now().Add(q.opts.VisibilityTimeout)
		}
		q.mu.Unlock()
		if !ok {
			return nil, Token{}, fmt.Errorf("queue: no entry recorded for seq %d", seq)
		}
		return entry, Token{Seq: seq}, nil
	case <-ctx.Done():
		return nil, Token{}, ctx.Err()
	case <-timeoutCh:
		return nil, Token{}, errQueueEmpty
	}
}

// Ack permanently removes an entry after successful delivery.
func (q *Queue) Ack(tok Token) error {
	if err := q.side.Put(ackedKey(tok.Seq), []byte{1}, true); err != nil {
		return fmt.Errorf("queue: recording ack for seq %d: %w", tok.Seq, err)
	}
	q.mu.Lock()
	delete(q.entries, tok.Seq)
	delete(q.inflight, tok.Seq)
	q.mu.Unlock()
	return nil
}

// Requeue releases the lease on an entry immediately, making it eligible
// for redelivery without waiting out the visibility timeout. Used on a
// transient delivery failure the worker pool wants retried sooner than the
// lease sweep would otherwise allow.
func (q *Queue) Requeue(tok Token) error {
	q.mu.Lock()
	delete(q.inflight, tok.Seq)
	_, ok := q.entries[tok.Seq]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue: no entry recorded for seq %d", tok.Seq)
	}
	select {
	case q.ready <- tok.Seq:
	default:
		return fmt.Errorf("queue: ready channel full, cannot requeue seq %d", tok.Seq)
	}
	return nil
}

// Contains reports whether an entry with the given message id is currently
// known to the queue (ready, in-flight, or just recovered but not yet
// acked). The admission component's reconciliation sweep uses this to tell
// a message that is legitimately queued and slow to deliver apart from one
// truly missing from the queue, so it only ever re-enqueues the latter.
func (q *Queue) Contains(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.MessageID == messageID {
			return true
		}
	}
	return false
}

// Size reports the number of entries still outstanding (queued, in-flight,
// or ready), reflecting the in-memory state rebuilt from the log, which is
// equivalent to what a fresh restart would also recover.
func (q *Queue) Size() (int, error) {
	q.mu.Lock()
	n := len(q.entries)
	q.mu.Unlock()
	return n, nil
}

// sweepExpiredLeases periodically re-enqueues entries whose in-flight
// lease has expired without being acked, implementing at-least-once
// redelivery after a worker crash or a hang that never calls Ack/Requeue.
// Each tick also compacts: old WAL segments below the oldest
// still-outstanding sequence number are dropped together with the ack
// markers of the records they held, so neither the log nor the sidecar
// grows without bound as the queue drains.
func (q *Queue) sweepExpiredLeases() {
	for {
		select {
		case <-q.done:
			return
		case <-q.sweeper.C:
			now := time.Now()
			var expired []int64
			q.mu.Lock()
			for seq, deadline := range q.inflight {
				if !now.Before(deadline) {
					expired = append(expired, seq)
				}
			}
			q.mu.Unlock()
			for _, seq := range expired {
				_ = q.Requeue(Token{Seq: seq})
			}
			q.compact()
		}
	}
}

// compact truncates WAL segments entirely below the oldest still-outstanding
// sequence number and prunes the sidecar's ack markers for the same range.
func (q *Queue) compact() {
	q.mu.Lock()
	low := int64(-1)
	for seq := range q.entries {
		if low == -1 || seq < low {
			low = seq
		}
	}
	q.mu.Unlock()
	if low < 0 {
		return
	}
	if err := q.wal.TruncateBefore(low); err != nil {
		logger.Error("queue_wal_compaction_failed", "error", err)
		return
	}
	// Kept segments can still hold acked records below low; their markers
	// stay so a replay after a restart still skips them.
	q.wal.mu.Lock()
	for _, seg := range q.wal.segments {
		if seg.minSeq >= 0 && seg.minSeq < low {
			low = seg.minSeq
		}
	}
	q.wal.mu.Unlock()
	if err := q.pruneAckedBelow(low); err != nil {
		logger.Error("queue_ack_marker_prune_failed", "error", err)
	}
}

func (q *Queue) pruneAckedBelow(low int64) error {
	var stale [][]byte
	err := q.side.ScanPrefix([]byte(ackedPrefix), func(key, _ []byte) error {
		seq, err := strconv.ParseInt(string(key[len(ackedPrefix):]), 10, 64)
		if err != nil {
			return nil
		}
		if seq < low {
			stale = append(stale, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: scanning ack markers: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	batch := q.side.NewBatch()
	defer batch.Close()
	for _, key := range stale {
		if err := batch.Delete(key, nil); err != nil {
			return fmt.Errorf("queue: staging ack marker deletion: %w", err)
		}
	}
	if err := q.side.ApplyBatch(batch, false); err != nil {
		return fmt.Errorf("queue: applying ack marker prune batch: %w", err)
	}
	return nil
}

// Close stops background sweeping and closes the WAL and sidecar store.
func (q *Queue) Close() error {
	close(q.done)
	q.sweeper.Stop()
	var firstErr error
	if err := q.wal.Close(); err != nil {
		firstErr = err
	}
	if err := q.side.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func ackedKey(seq int64) []byte {
	return []byte(ackedPrefix + strconv.FormatInt(seq, 10))
}
