// Package retention runs the authority's two background sweeps: the
// reconciliation sweep that re-enqueues rows stuck in "queued" that the
// durable queue never saw, and the bulk retention sweep that purges
// delivered and failed messages created before a configured horizon. The purge is cron-scheduled via adhocore/gronx, which computes
// the next tick for a cron expression rather than a naive ticker.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nyx-relay/broker/pkg/authoritystore"
	"github.com/nyx-relay/broker/pkg/config"
	"github.com/nyx-relay/broker/pkg/logger"
	"github.com/nyx-relay/broker/pkg/models"
)

// MessageQueue is the slice of the queue surface reconciliation needs:
// membership to tell a slow entry from a lost one, and enqueue to put the
// lost ones back. Satisfied by *queue.Client, since the durable queue
// itself lives in the worker process.
type MessageQueue interface {
	Enqueue(ctx context.Context, entry *models.QueueEntry) error
	Contains(messageID string) bool
}

// Reconciler periodically re-enqueues messages the authority still shows
// as "queued" past a grace period, closing the crash window between the
// ingress's register call and its enqueue call.
type Reconciler struct {
	Store *authoritystore.Store
	Queue MessageQueue
	Every time.Duration
	Grace time.Duration
}

// Run blocks until ctx is cancelled, sweeping on a fixed interval. Unlike
// the bulk retention sweep, reconciliation has no product reason to run
// on a cron schedule: it is a crash-recovery safety net, so a plain
// ticker bounded by a short interval is the right tool.
func (r *Reconciler) Run(ctx context.Context) {
	every := r.Every
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.sweepOnce(ctx); err != nil {
				logger.Error("reconcile_sweep_failed", "error", err)
			} else if n > 0 {
				logger.Info("reconcile_sweep_requeued", "count", n)
			}
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.Grace)
	ids, err := r.Store.ListQueuedOlderThan(ctx, cutoff, 500)
	if err != nil {
		return 0, fmt.Errorf("retention: listing stale queued messages: %w", err)
	}
	n := 0
	for _, id := range ids {
		if r.Queue.Contains(id) {
			// Legitimately queued and still being worked or retried, not
			// lost to a crash; re-enqueuing it would just duplicate it.
			continue
		}
		msg, err := r.Store.GetMessageByID(ctx, id)
		if err != nil {
			logger.Error("reconcile_sweep_load_failed", "message_id", id, "error", err)
			continue
		}
		entry := &models.QueueEntry{
			MessageID:      msg.ID,
			ClientID:       msg.ClientID,
			SenderHash:     msg.SenderHash,
			BodyCiphertext: msg.BodyCiphertext,
			BodyNonce:      msg.BodyNonce,
			Domain:         msg.Domain,
			AttemptCount:   msg.AttemptCount,
			QueuedAt:       msg.QueuedAt,
		}
		if err := r.Queue.Enqueue(ctx, entry); err != nil {
			logger.Error("reconcile_sweep_enqueue_failed", "message_id", id, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Sweeper runs the bulk retention cleanup on a cron schedule, purging
// delivered and failed messages created before the configured horizon (the
// wider of DeliveredDays and FailedDays). It is deliberately separate from Reconciler: one is
// crash recovery on a tight loop, the other is routine housekeeping on a
// daily cron.
type Sweeper struct {
	Store         *authoritystore.Store
	Cron          string
	DeliveredDays int
	FailedDays    int
}

// Run blocks until ctx is cancelled, waking at each cron tick computed by
// gronx. An invalid cron expression is a startup-time config error, not a
// runtime one, so Run assumes cfg.Retention.Cron already passed
// gronx.IsValid during config validation.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.Cron, time.Now().UTC(), false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", s.Cron, "error", err)
			select {
			case <-time.After(time.Minute):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(time.Until(next)):
			if n, err := s.runOnce(ctx); err != nil {
				logger.Error("retention_sweep_failed", "error", err)
			} else {
				logger.Info("retention_sweep_purged", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) (int64, error) {
	// Both horizons purge against created_at in the current schema (see
	// PurgeStable); a deployment wanting distinct delivered/failed
	// horizons would split PurgeStable by status.
	cutoff := time.Now().AddDate(0, 0, -widerHorizon(s))
	return s.Store.PurgeStable(ctx, cutoff)
}

// widerHorizon picks the larger of the two configured retention windows,
// split out so the arithmetic can be pinned down without a live store.
func widerHorizon(s *Sweeper) int {
	if s.FailedDays > s.DeliveredDays {
		return s.FailedDays
	}
	return s.DeliveredDays
}

// ValidCron reports whether expr is a syntactically valid cron expression,
// used at startup to fail fast on a typo'd retention.cron config value
// rather than discovering it the first time the scheduler wakes.
func ValidCron(expr string) bool {
	return gronx.IsValid(expr)
}

// StartAll wires both sweeps from cfg and runs them until ctx is
// cancelled, returning immediately (each sweep runs in its own goroutine).
func StartAll(ctx context.Context, cfg config.Config, store *authoritystore.Store, q MessageQueue) {
	rec := &Reconciler{
		Store: store,
		Queue: q,
		Every: cfg.Authority.ReconcileEvery.Duration,
		Grace: cfg.Authority.ReconcileGrace.Duration,
	}
	go rec.Run(ctx)

	if ValidCron(cfg.Retention.Cron) {
		sw := &Sweeper{
			Store:         store,
			Cron:          cfg.Retention.Cron,
			DeliveredDays: cfg.Retention.DeliveredDays,
			FailedDays:    cfg.Retention.FailedDays,
		}
		go sw.Run(ctx)
	} else {
		logger.Error("retention_disabled_invalid_cron", "cron", cfg.Retention.Cron)
	}
}
