package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nyx-relay/broker/pkg/logger"
	"github.com/nyx-relay/broker/pkg/models"
	"github.com/nyx-relay/broker/pkg/queue"
	"github.com/nyx-relay/broker/pkg/telemetry"
)

// popTimeout bounds each BlockingPop call so a worker checks the shutdown
// signal regularly even when the queue is empty.
const popTimeout = 5 * time.Second

// authorityCaller is the subset of AuthorityClient the pool depends on,
// narrowed to an interface so tests can substitute a fake without standing
// up real mTLS certificates.
type authorityCaller interface {
	Deliver(ctx context.Context, messageID, workerID string) (*DeliverResult, error)
	UpdateStatus(ctx context.Context, messageID string, upd models.StatusUpdate) error
}

// Pool runs a fixed number of delivery workers against a shared queue.
type Pool struct {
	queue          *queue.Queue
	client         authorityCaller
	workerCount    int
	retryInterval  time.Duration
	maxAttempts    int // 0 means unbounded
	metrics        *telemetry.Metrics
	workerIDPrefix string
}

// Config configures a Pool.
type Config struct {
	Queue         *queue.Queue
	Client        authorityCaller
	WorkerCount   int
	RetryInterval time.Duration
	MaxAttempts   int
	Metrics       *telemetry.Metrics
}

// NewPool builds a Pool. WorkerCount below 1 falls back to 1.
func NewPool(cfg Config) *Pool {
	count := cfg.WorkerCount
	if count < 1 {
		count = 1
	}
	return &Pool{
		queue:          cfg.Queue,
		client:         cfg.Client,
		workerCount:    count,
		retryInterval:  cfg.RetryInterval,
		maxAttempts:    cfg.MaxAttempts,
		metrics:        cfg.Metrics,
		workerIDPrefix: "worker",
	}
}

// Run starts workerCount goroutines and blocks until ctx is cancelled and
// every worker has drained its current attempt.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", p.workerIDPrefix, i)
		go func() {
			defer wg.Done()
			p.runOne(ctx, id)
		}()
	}
	wg.Wait()
}

func (p *Pool) runOne(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		entry, tok, err := p.queue.BlockingPop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // pop timed out with nothing ready; loop and recheck ctx
		}
		p.attempt(ctx, workerID, entry, tok)
	}
}

func (p *Pool) attempt(ctx context.Context, workerID string, entry *models.QueueEntry, tok queue.Token) {
	if p.maxAttempts > 0 && entry.AttemptCount >= p.maxAttempts {
		if err := p.client.UpdateStatus(ctx, entry.MessageID, models.StatusUpdate{
			Status:       models.StatusFailed,
			AttemptCount: entry.AttemptCount,
			Error:        "max attempts exceeded",
		}); err != nil {
			logger.Error("worker_status_update_failed", "message_id", entry.MessageID, "error", err)
		}
		if err := p.queue.Ack(tok); err != nil {
			logger.Error("worker_ack_failed", "message_id", entry.MessageID, "error", err)
		}
		if p.metrics != nil {
			p.metrics.MessagesFailed.Inc()
		}
		logger.AuditEvent(workerID, "mark_failed", entry.MessageID, "max_attempts_exceeded")
		return
	}

	start := time.Now()
	result, err := p.client.Deliver(ctx, entry.MessageID, workerID)
	if p.metrics != nil {
		p.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	}

	switch {
	case err != nil:
		p.retryTransient(ctx, workerID, entry, tok, fmt.Sprintf("transport error: %v", err))
	case result.StatusCode == 404:
		// The message was never registered: a recovery hole upstream of the
		// queue. Requeuing would only loop forever, so drop it.
		logger.Error("worker_deliver_message_not_found", "message_id", entry.MessageID)
		_ = p.queue.Ack(tok)
		if p.metrics != nil {
			p.metrics.DeliveryAttempts.WithLabelValues("not_found").Inc()
		}
	case result.StatusCode >= 500:
		p.retryTransient(ctx, workerID, entry, tok, fmt.Sprintf("authority returned %d", result.StatusCode))
	case result.StatusCode >= 400:
		p.failPermanent(ctx, workerID, entry, tok, fmt.Sprintf("authority returned %d", result.StatusCode))
	default:
		_ = p.queue.Ack(tok)
		if p.metrics != nil {
			p.metrics.MessagesDelivered.Inc()
			p.metrics.DeliveryAttempts.WithLabelValues("success").Inc()
		}
		logger.AuditEvent(workerID, "deliver", entry.MessageID, "ok")
	}
}

// retryTransient reports the failure, sleeps with jitter (bounded by ctx so
// a shutdown interrupts the backoff instead of dragging it out), and
// requeues for another attempt.
func (p *Pool) retryTransient(ctx context.Context, workerID string, entry *models.QueueEntry, tok queue.Token, reason string) {
	entry.AttemptCount++
	if err := p.client.UpdateStatus(ctx, entry.MessageID, models.StatusUpdate{
		Status:       models.StatusQueued,
		AttemptCount: entry.AttemptCount,
		Error:        reason,
	}); err != nil {
		logger.Error("worker_status_update_failed", "message_id", entry.MessageID, "error", err)
	}
	if p.metrics != nil {
		p.metrics.DeliveryAttempts.WithLabelValues("retry").Inc()
	}
	logger.Warn("worker_delivery_retry", "message_id", entry.MessageID, "attempt", entry.AttemptCount, "reason", reason)

	select {
	case <-time.After(jittered(p.retryInterval)):
	case <-ctx.Done():
	}
	if err := p.queue.Requeue(tok); err != nil {
		logger.Error("worker_requeue_failed", "message_id", entry.MessageID, "error", err)
	}
}

func (p *Pool) failPermanent(ctx context.Context, workerID string, entry *models.QueueEntry, tok queue.Token, reason string) {
	if err := p.client.UpdateStatus(ctx, entry.MessageID, models.StatusUpdate{
		Status:       models.StatusFailed,
		AttemptCount: entry.AttemptCount,
		Error:        reason,
	}); err != nil {
		logger.Error("worker_status_update_failed", "message_id", entry.MessageID, "error", err)
	}
	_ = p.queue.Ack(tok)
	if p.metrics != nil {
		p.metrics.MessagesFailed.Inc()
		p.metrics.DeliveryAttempts.WithLabelValues("permanent_failure").Inc()
	}
	logger.AuditEvent(workerID, "mark_failed", entry.MessageID, reason)
}

// jittered applies up to +/-10% jitter to base, per the retry-interval
// design decision, so many workers retrying at once don't thunder the
// authority on a synchronized cadence.
func jittered(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	spread := float64(base) * 0.10
	delta := (rand.Float64()*2 - 1) * spread
	return base + time.Duration(delta)
}
