// Package scheduler drives the agent: it polls the device schedule, picks the active
// course window, makes sure the course model is present and runs a recognition session
// until the window closes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"attendance-agent/config"
	"attendance-agent/internal/attendance"
	"attendance-agent/internal/logger"
	"attendance-agent/internal/metrics"
	"attendance-agent/internal/model"
	"attendance-agent/internal/offline"
	"attendance-agent/internal/parse"
	"attendance-agent/internal/recognition"
)

const scheduleCacheKey = "schedule"

// Tick results.
const (
	TickScheduleError = "schedule_error"
	TickNoWindow      = "no_window"
	TickModelMissing  = "model_missing"
	TickSession       = "session"
)

// Client is the part of the API client the scheduler uses.
type Client interface {
	GetSchedule(ctx context.Context, deviceID string) ([]model.ScheduleEntry, error)
	SubmitAttendance(ctx context.Context, rec model.AttendanceRecord) error
}

// Artifacts resolves a usable model for a course.
type Artifacts interface {
	Ensure(ctx context.Context, courseID int64) (model.ModelArtifact, error)
}

// Processor receives recognized labels.
type Processor interface {
	Process(ctx context.Context, label string, courseID, scheduleID int64, deviceID string) attendance.Outcome
	// BeginWindow scopes dedup to the window key; a set already started for key is kept.
	BeginWindow(ctx context.Context, key string) (bool, error)
}

// Syncer replays the offline queue.
type Syncer interface {
	Sync(ctx context.Context, submit offline.SubmitFunc) (offline.SyncReport, error)
}

// Notifier receives finished session summaries.
type Notifier interface {
	Dispatch(summary model.SessionSummary)
}

// Deps are the collaborators of the Service.
type Deps struct {
	Client     Client
	Artifacts  Artifacts
	Processor  Processor
	Queue      Syncer
	Loader     recognition.Loader
	OpenCamera recognition.CameraOpener
	Notifier   Notifier
}

// Window is a schedule entry resolved against a calendar day.
type Window struct {
	Entry model.ScheduleEntry `json:"entry"`
	Start time.Time           `json:"start"`
	End   time.Time           `json:"end"`
}

// Status is a snapshot of the scheduler for the status endpoint.
type Status struct {
	DeviceID          string                `json:"device_id"`
	LastTick          time.Time             `json:"last_tick"`
	LastTickResult    string                `json:"last_tick_result"`
	ScheduleEntries   int                   `json:"schedule_entries"`
	ScheduleFromCache bool                  `json:"schedule_from_cache"`
	ActiveWindow      *Window               `json:"active_window,omitempty"`
	LastSession       *model.SessionSummary `json:"last_session,omitempty"`
}

// Service is the scheduler poll loop.
type Service struct {
	cfg      config.SchedulerConfig
	session  config.SessionConfig
	deviceID string
	deps     Deps

	schedules *cache.Cache
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	wait      func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	status Status
}

// NewService creates the scheduler for deviceID.
func NewService(cfg *config.Config, deviceID string, deps Deps, log *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		cfg:       cfg.Scheduler,
		session:   cfg.Session,
		deviceID:  deviceID,
		deps:      deps,
		schedules: cache.New(cfg.Scheduler.ScheduleCache, time.Hour),
		logger:    logger.OrNop(log),
		metrics:   m,
		now:       time.Now,
		wait:      sleepContext,
		status:    Status{DeviceID: deviceID},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run ticks immediately and then every check interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.logger.Sugar().Infow("starting scheduler", "device_id", s.deviceID, "interval", s.cfg.CheckInterval)

	if s.cfg.PredownloadOnStart != nil && *s.cfg.PredownloadOnStart {
		s.Predownload(ctx)
	}

	s.safeTick(ctx)

	timer := time.NewTimer(s.cfg.CheckInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Sugar().Infow("scheduler shutting down")
			return
		case <-timer.C:
			s.safeTick(ctx)
			timer.Reset(s.cfg.CheckInterval)
		}
	}
}

// safeTick keeps a failing or panicking tick from ending the loop.
func (s *Service) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Sugar().Errorw("scheduler tick panicked", "panic", r)
			s.metrics.ObserveTick("panic")
		}
	}()
	if _, err := s.Tick(ctx); err != nil {
		s.logger.Sugar().Errorw("scheduler tick failed", "error", err)
	}
}

// Tick runs one poll: fetch schedule, select window, ensure the model and run the
// session. It returns the tick result.
func (s *Service) Tick(ctx context.Context) (string, error) {
	result, err := s.tick(ctx)
	s.metrics.ObserveTick(result)

	s.mu.Lock()
	s.status.LastTick = s.now()
	s.status.LastTickResult = result
	s.mu.Unlock()
	return result, err
}

func (s *Service) tick(ctx context.Context) (string, error) {
	entries, err := s.schedule(ctx)
	if err != nil {
		return TickScheduleError, err
	}

	now := s.localNow()
	w, ok := SelectWindow(entries, now)
	if !ok {
		s.logger.Sugar().Debugw("no active course window", "entries", len(entries))
		s.syncQueue(ctx)
		return TickNoWindow, nil
	}

	s.logger.Sugar().Infow("active course window",
		"schedule_id", w.Entry.ID, "course_id", w.Entry.CourseID, "start", w.Entry.StartTime, "end", w.Entry.EndTime)

	a, err := s.deps.Artifacts.Ensure(ctx, w.Entry.CourseID)
	if err != nil {
		s.logger.Sugar().Errorw("skipping course without model", "course_id", w.Entry.CourseID, "error", err)
		return TickModelMissing, nil
	}

	s.RunSession(ctx, w, a)
	return TickSession, nil
}

// schedule fetches the device schedule, falling back to the last one fetched.
func (s *Service) schedule(ctx context.Context) ([]model.ScheduleEntry, error) {
	entries, err := s.deps.Client.GetSchedule(ctx, s.deviceID)
	if err == nil {
		s.schedules.Set(scheduleCacheKey, entries, s.cfg.ScheduleCache)
		s.setSchedule(len(entries), false)
		return entries, nil
	}

	if cached, ok := s.schedules.Get(scheduleCacheKey); ok {
		entries := cached.([]model.ScheduleEntry)
		s.logger.Sugar().Warnw("schedule fetch failed, using last known schedule", "entries", len(entries), "error", err)
		s.setSchedule(len(entries), true)
		return entries, nil
	}
	return nil, fmt.Errorf("fetch schedule: %w", err)
}

// Predownload refreshes the models of every course on the device schedule.
func (s *Service) Predownload(ctx context.Context) {
	entries, err := s.schedule(ctx)
	if err != nil {
		s.logger.Sugar().Warnw("cannot pre-download models", "error", err)
		return
	}
	seen := make(map[int64]bool)
	for _, e := range entries {
		if seen[e.CourseID] || ctx.Err() != nil {
			continue
		}
		seen[e.CourseID] = true
		if _, err := s.deps.Artifacts.Ensure(ctx, e.CourseID); err != nil {
			s.logger.Sugar().Warnw("model pre-download failed", "course_id", e.CourseID, "error", err)
		}
	}
}

// SelectWindow returns the first entry for today whose [start, end] contains now.
// Entries with unparseable days or times are skipped.
func SelectWindow(entries []model.ScheduleEntry, now time.Time) (Window, bool) {
	since := parse.SinceMidnight(now).Truncate(time.Second)
	for _, e := range entries {
		if !parse.SameWeekday(e.DayOfWeek, now) {
			continue
		}
		start, err := parse.ClockTime(e.StartTime)
		if err != nil {
			continue
		}
		end, err := parse.ClockTime(e.EndTime)
		if err != nil {
			continue
		}
		if since >= start && since <= end {
			return Window{Entry: e, Start: parse.AtClock(now, start), End: parse.AtClock(now, end)}, true
		}
	}
	return Window{}, false
}

// Status returns a copy of the current scheduler state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.ActiveWindow != nil {
		w := *st.ActiveWindow
		st.ActiveWindow = &w
	}
	if st.LastSession != nil {
		sum := *st.LastSession
		st.LastSession = &sum
	}
	return st
}

func (s *Service) setSchedule(n int, fromCache bool) {
	s.mu.Lock()
	s.status.ScheduleEntries = n
	s.status.ScheduleFromCache = fromCache
	s.mu.Unlock()
}

func (s *Service) localNow() time.Time {
	now := s.now()
	if s.cfg.Location != nil {
		now = now.In(s.cfg.Location)
	}
	return now
}

// syncQueue replays the offline queue and returns the number of delivered entries.
func (s *Service) syncQueue(ctx context.Context) int {
	report, err := s.deps.Queue.Sync(ctx, s.deps.Client.SubmitAttendance)
	if err != nil {
		s.logger.Sugar().Errorw("offline queue sync failed", "error", err)
	}
	return report.Delivered
}
