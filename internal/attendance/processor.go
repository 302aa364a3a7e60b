// Package attendance turns recognized identities into at-most-once attendance submissions.
package attendance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"attendance-agent/config"
	"attendance-agent/internal/apiclient"
	"attendance-agent/internal/logger"
	"attendance-agent/internal/metrics"
	"attendance-agent/internal/model"
	"attendance-agent/internal/store"
)

// Outcome is the decision taken for one recognized identity.
type Outcome string

const (
	Delivered           Outcome = "delivered"
	DeliveredNotDurable Outcome = "delivered_not_durable"
	Queued              Outcome = "queued"
	Duplicate           Outcome = "duplicate"
	Throttled           Outcome = "throttled"
	Rejected            Outcome = "rejected"
	Failed              Outcome = "failed"
)

// Submitter delivers a record to the remote service.
type Submitter interface {
	SubmitAttendance(ctx context.Context, rec model.AttendanceRecord) error
}

// Queue is the offline fallback.
type Queue interface {
	IsOnline(ctx context.Context) bool
	Enqueue(ctx context.Context, rec model.AttendanceRecord) (model.QueueEntry, error)
}

// Processor applies the dedup and throttle rules and routes each record to direct
// delivery or the offline queue. Calls are serialized.
type Processor struct {
	submitter Submitter
	queue     Queue
	sent      store.SentStore
	limiter   *rate.Limiter
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu     sync.Mutex
	day    string
	sentKs map[model.SentKey]struct{}
	// queued holds keys handed to the offline queue in the current window; they are not
	// confirmed yet but must not be queued twice.
	queued map[model.SentKey]struct{}
}

// New creates a processor and loads today's sent set so dedup survives a restart.
func New(ctx context.Context, cfg config.AttendanceConfig, submitter Submitter, queue Queue, sent store.SentStore, log *zap.Logger, m *metrics.Metrics) *Processor {
	p := &Processor{
		submitter: submitter,
		queue:     queue,
		sent:      sent,
		limiter:   rate.NewLimiter(rate.Every(cfg.Throttle), 1),
		logger:    logger.OrNop(log),
		metrics:   m,
		now:       time.Now,
		queued:    make(map[model.SentKey]struct{}),
	}
	p.loadDay(ctx, store.Day(p.now()))
	return p
}

// Postprocess handles one recognized label and returns it unchanged.
func (p *Processor) Postprocess(ctx context.Context, label string, courseID, scheduleID int64, deviceID string) string {
	p.Process(ctx, label, courseID, scheduleID, deviceID)
	return label
}

// Process handles one recognized label and reports the decision taken.
func (p *Processor) Process(ctx context.Context, label string, courseID, scheduleID int64, deviceID string) Outcome {
	outcome := p.process(ctx, label, courseID, scheduleID, deviceID)
	p.metrics.ObserveAttendance(string(outcome))
	return outcome
}

func (p *Processor) process(ctx context.Context, label string, courseID, scheduleID int64, deviceID string) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.rollover(ctx, now)

	key := model.SentKey{Label: label, CourseID: courseID, ScheduleID: scheduleID}
	if _, ok := p.sentKs[key]; ok {
		p.logger.Sugar().Debugw("attendance already sent today", "key", key.String())
		return Duplicate
	}
	if _, ok := p.queued[key]; ok {
		p.logger.Sugar().Debugw("attendance already queued", "key", key.String())
		return Duplicate
	}

	if !p.limiter.AllowN(now, 1) {
		p.logger.Sugar().Debugw("attendance throttled", "key", key.String())
		return Throttled
	}

	rec := model.NewAttendanceRecord(label, courseID, scheduleID, deviceID, now)

	if p.queue.IsOnline(ctx) {
		err := p.submitter.SubmitAttendance(ctx, rec)
		if err == nil {
			p.sentKs[key] = struct{}{}
			if err := p.persist(ctx); err != nil {
				p.logger.Sugar().Errorw("attendance delivered but sent set not persisted", "key", key.String(), "error", err)
				return DeliveredNotDurable
			}
			p.logger.Sugar().Infow("attendance delivered", "key", key.String())
			return Delivered
		}

		var validationErr *apiclient.ValidationError
		if errors.As(err, &validationErr) {
			p.logger.Sugar().Errorw("attendance record rejected", "key", key.String(), "field", validationErr.Field)
			return Rejected
		}
		p.logger.Sugar().Warnw("attendance delivery failed, queueing", "key", key.String(), "error", err)
	}

	if _, err := p.queue.Enqueue(ctx, rec); err != nil {
		p.logger.Sugar().Errorw("attendance could not be queued", "record", rec, "error", err)
		return Failed
	}
	p.queued[key] = struct{}{}
	return Queued
}

// ResetSentRecords starts a new dedup window: the in-memory sets are cleared and an
// empty set is persisted for today.
func (p *Processor) ResetSentRecords(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.day = store.Day(p.now())
	return p.reset(ctx)
}

// BeginWindow makes key the dedup window of today. A set already started for key, by this
// process or one before a restart, is kept, as is a set with no window recorded; a set
// started for another window is reset. It reports whether the set was reset.
func (p *Processor) BeginWindow(ctx context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rollover(ctx, p.now())

	current, err := p.sent.Window(ctx, p.day)
	if err != nil {
		p.logger.Sugar().Warnw("cannot read sent window, keeping sent records", "day", p.day, "window", key, "error", err)
		return false, err
	}
	if current == key {
		p.logger.Sugar().Infow("resuming dedup window", "window", key, "sent", len(p.sentKs))
		return false, nil
	}

	// Recorded before the reset; a set left behind by a crash in between only holds keys
	// of another schedule.
	if err := p.sent.SetWindow(ctx, p.day, key); err != nil {
		p.logger.Sugar().Errorw("failed to persist sent window", "day", p.day, "window", key, "error", err)
		return false, err
	}
	// A set saved without a window is adopted; its keys carry their schedule.
	if current == "" {
		p.logger.Sugar().Infow("adopting sent records for dedup window", "window", key, "sent", len(p.sentKs))
		return false, nil
	}
	if err := p.reset(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// MarkSent confirms records delivered outside Process, such as offline queue replays,
// so they are deduplicated after a restart.
func (p *Processor) MarkSent(ctx context.Context, recs []model.AttendanceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rollover(ctx, p.now())

	changed := false
	otherDays := make(map[string][]model.SentKey)
	for _, rec := range recs {
		key := rec.Key()
		delete(p.queued, key)
		if rec.Date != p.day {
			otherDays[rec.Date] = append(otherDays[rec.Date], key)
			continue
		}
		if _, ok := p.sentKs[key]; !ok {
			p.sentKs[key] = struct{}{}
			changed = true
		}
	}

	var errs []error
	if changed {
		if err := p.persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for day, keys := range otherDays {
		stored, err := p.sent.Load(ctx, day)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.sent.Save(ctx, day, mergeKeys(stored, keys)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Sugar().Errorw("replayed attendance not recorded as sent", "records", len(recs), "error", err)
		return err
	}
	return nil
}

func (p *Processor) reset(ctx context.Context) error {
	p.sentKs = make(map[model.SentKey]struct{})
	p.queued = make(map[model.SentKey]struct{})
	if err := p.persist(ctx); err != nil {
		p.logger.Sugar().Errorw("failed to persist reset sent records", "day", p.day, "error", err)
		return err
	}
	p.logger.Sugar().Infow("sent records reset", "day", p.day)
	return nil
}

// rollover switches to the set of the current day when the date has changed.
func (p *Processor) rollover(ctx context.Context, now time.Time) {
	if day := store.Day(now); day != p.day {
		p.loadDay(ctx, day)
		p.queued = make(map[model.SentKey]struct{})
	}
}

func mergeKeys(stored, added []model.SentKey) []model.SentKey {
	seen := make(map[model.SentKey]struct{}, len(stored)+len(added))
	out := make([]model.SentKey, 0, len(stored)+len(added))
	for _, k := range append(stored, added...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// SentCount returns the number of keys confirmed today.
func (p *Processor) SentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sentKs)
}

func (p *Processor) loadDay(ctx context.Context, day string) {
	p.day = day
	p.sentKs = make(map[model.SentKey]struct{})

	keys, err := p.sent.Load(ctx, day)
	if err != nil {
		p.logger.Sugar().Warnw("failed to load sent records, starting empty", "day", day, "error", err)
		return
	}
	for _, k := range keys {
		p.sentKs[k] = struct{}{}
	}
	if len(keys) > 0 {
		p.logger.Sugar().Infow("loaded sent records", "day", day, "count", len(keys))
	}
}

func (p *Processor) persist(ctx context.Context) error {
	keys := make([]model.SentKey, 0, len(p.sentKs))
	for k := range p.sentKs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return p.sent.Save(ctx, p.day, keys)
}
