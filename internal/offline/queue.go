// Package offline buffers attendance records that could not be delivered and replays
// them once the remote service is reachable again.
package offline

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendance-agent/config"
	"attendance-agent/internal/logger"
	"attendance-agent/internal/metrics"
	"attendance-agent/internal/model"
	"attendance-agent/internal/store"
)

// SubmitFunc delivers one record to the remote service.
type SubmitFunc func(ctx context.Context, rec model.AttendanceRecord) error

// DeliveredFunc is told about records a sync delivered and removed from the queue.
type DeliveredFunc func(ctx context.Context, recs []model.AttendanceRecord) error

// SyncReport summarises one sync pass.
type SyncReport struct {
	Offline   bool
	Attempted int
	Delivered int
	Failed    int
	Remaining int
}

// Queue is the durable offline queue. Store changes go through mu so a session and a
// background sync never interleave their read-modify-write of the store. syncMu keeps
// one sync in flight; submits run outside mu.
type Queue struct {
	store     store.QueueStore
	probeURLs []string
	probe     *http.Client
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	delivered DeliveredFunc

	syncMu sync.Mutex
	mu     sync.Mutex
}

// New creates a queue over st.
func New(st store.QueueStore, cfg config.ConnectivityConfig, log *zap.Logger, m *metrics.Metrics) *Queue {
	return &Queue{
		store:     st,
		probeURLs: cfg.ProbeURLs,
		probe: &http.Client{
			Timeout: cfg.ProbeTimeout,
			// A redirect is already proof of reachability.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		logger:  logger.OrNop(log),
		metrics: m,
		now:     time.Now,
	}
}

// OnDelivered registers fn to run after each sync that delivered records. Register it
// before the first Sync.
func (q *Queue) OnDelivered(fn DeliveredFunc) {
	q.delivered = fn
}

// IsOnline probes the configured endpoints in order; the first that answers with any
// HTTP response means online.
func (q *Queue) IsOnline(ctx context.Context) bool {
	for _, target := range q.probeURLs {
		if q.reachable(ctx, target) {
			return true
		}
	}
	q.logger.Sugar().Infow("no connectivity probe endpoint reachable", "endpoints", len(q.probeURLs))
	return false
}

func (q *Queue) reachable(ctx context.Context, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		q.logger.Sugar().Warnw("invalid connectivity probe endpoint", "endpoint", target, "error", err)
		return false
	}
	resp, err := q.probe.Do(req)
	if err != nil {
		q.logger.Sugar().Debugw("connectivity probe failed", "endpoint", target, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}

// Enqueue assigns a queue id and persists the record before returning.
func (q *Queue) Enqueue(ctx context.Context, rec model.AttendanceRecord) (model.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := model.QueueEntry{
		ID:               uuid.NewString(),
		EnqueuedAt:       q.now(),
		AttendanceRecord: rec,
	}
	if err := q.store.Append(ctx, entry); err != nil {
		return model.QueueEntry{}, fmt.Errorf("enqueue %s: %w", rec.Key(), err)
	}
	q.logger.Sugar().Infow("attendance queued for later delivery", "queue_id", entry.ID, "key", rec.Key().String())
	q.updateDepth(ctx)
	return entry, nil
}

// Sync attempts every pending entry once when online. Delivered entries are removed;
// failed ones stay queued for the next pass. Records enqueued while a sync runs wait for
// the next one.
func (q *Queue) Sync(ctx context.Context, submit SubmitFunc) (SyncReport, error) {
	if !q.IsOnline(ctx) {
		q.logger.Sugar().Infow("offline, skipping queue sync")
		return SyncReport{Offline: true}, nil
	}

	q.syncMu.Lock()
	defer q.syncMu.Unlock()

	entries, err := q.Pending(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("sync: %w", err)
	}

	report := SyncReport{Attempted: len(entries)}
	var (
		ids  []string
		recs []model.AttendanceRecord
	)
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := submit(ctx, e.AttendanceRecord); err != nil {
			report.Failed++
			q.logger.Sugar().Warnw("queued attendance not delivered", "queue_id", e.ID, "key", e.Key().String(), "error", err)
			continue
		}
		ids = append(ids, e.ID)
		recs = append(recs, e.AttendanceRecord)
	}

	remaining, err := q.remove(ctx, ids)
	if err != nil {
		// Entries stay queued; the remote side sees them again on the next pass.
		return report, fmt.Errorf("sync: delivered %d entries but could not remove them: %w", len(ids), err)
	}
	report.Delivered = len(ids)
	report.Remaining = remaining
	q.metrics.AddSyncDelivered(report.Delivered)
	q.metrics.SetQueueDepth(report.Remaining)

	if len(recs) > 0 && q.delivered != nil {
		if err := q.delivered(ctx, recs); err != nil {
			q.logger.Sugar().Errorw("delivered queue entries not confirmed", "delivered", len(recs), "error", err)
		}
	}

	if report.Attempted > 0 {
		q.logger.Sugar().Infow("offline queue synced",
			"attempted", report.Attempted, "delivered", report.Delivered, "remaining", report.Remaining)
	}
	return report, nil
}

// remove drops ids and returns the number of entries left.
func (q *Queue) remove(ctx context.Context, ids []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Remove(ctx, ids); err != nil {
		return 0, err
	}
	entries, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Pending returns the queued entries in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]model.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.List(ctx)
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	entries, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (q *Queue) updateDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	entries, err := q.store.List(ctx)
	if err != nil {
		return
	}
	q.metrics.SetQueueDepth(len(entries))
}
