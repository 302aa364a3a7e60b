package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"attendance-agent/internal/attendance"
	"attendance-agent/internal/model"
	"attendance-agent/internal/store"
)

const syncTimeout = 2 * time.Minute

// RunSession recognizes faces until the window ends or ctx is cancelled. The camera and
// recognizer are released on every path, then the offline queue is synced.
func (s *Service) RunSession(ctx context.Context, w Window, a model.ModelArtifact) (summary model.SessionSummary) {
	summary = model.SessionSummary{
		CourseID:     w.Entry.CourseID,
		ScheduleID:   w.Entry.ID,
		ModelVersion: a.Version,
		StartedAt:    s.now(),
		WindowEnd:    w.End,
		Recognized:   []string{},
		Outcomes:     map[string]int{},
	}

	// A new window starts a new dedup scope; re-entering the same window on a later
	// tick or after a restart keeps it.
	key := fmt.Sprintf("%d@%s", w.Entry.ID, store.Day(w.Start))
	if _, err := s.deps.Processor.BeginWindow(ctx, key); err != nil {
		s.logger.Sugar().Errorw("failed to begin dedup window", "window", key, "error", err)
	}

	s.setActive(&w)
	s.metrics.SetSessionActive(true)
	s.logger.Sugar().Infow("recognition session started",
		"course_id", summary.CourseID, "schedule_id", summary.ScheduleID, "version", a.Version, "until", w.End)

	defer func() {
		s.metrics.SetSessionActive(false)
		s.setActive(nil)

		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), syncTimeout)
		summary.Synced = s.syncQueue(syncCtx)
		cancel()

		summary.EndedAt = s.now()
		s.finish(summary)
	}()

	reason, err := s.recognize(ctx, w, a, &summary)
	summary.EndReason = reason
	if err != nil {
		summary.Error = err.Error()
		s.logger.Sugar().Errorw("recognition session aborted", "course_id", summary.CourseID, "reason", reason, "error", err)
	}
	return summary
}

func (s *Service) recognize(ctx context.Context, w Window, a model.ModelArtifact, summary *model.SessionSummary) (string, error) {
	rec, err := s.deps.Loader.Load(ctx, a)
	if err != nil {
		return model.EndLoadError, err
	}
	defer func() {
		if err := rec.Close(); err != nil {
			s.logger.Sugar().Warnw("failed to release recognizer", "error", err)
		}
	}()

	cam, err := s.deps.OpenCamera(ctx)
	if err != nil {
		return model.EndCameraError, err
	}
	defer func() {
		if err := cam.Close(); err != nil {
			s.logger.Sugar().Warnw("failed to release camera", "error", err)
		}
	}()

	seen := make(map[string]struct{})
	for {
		if ctx.Err() != nil {
			return model.EndStopped, nil
		}
		if !s.now().Before(w.End) {
			return model.EndWindowClosed, nil
		}

		frame, err := cam.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return model.EndStopped, nil
			}
			return model.EndCameraError, err
		}
		summary.Frames++

		preds, err := rec.Recognize(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return model.EndStopped, nil
			}
			return model.EndRecognizerError, err
		}

		for _, p := range preds {
			label := strings.TrimSpace(p.Label)
			if label == "" || s.isUnknown(label) || p.Confidence < s.session.MinConfidence {
				continue
			}
			if _, ok := seen[label]; ok {
				continue
			}

			outcome := s.deps.Processor.Process(ctx, label, w.Entry.CourseID, w.Entry.ID, s.deviceID)
			summary.Outcomes[string(outcome)]++
			// Throttled and failed labels were neither sent nor queued; a later frame
			// reports them again.
			if outcome == attendance.Throttled || outcome == attendance.Failed {
				continue
			}
			seen[label] = struct{}{}
			summary.Recognized = append(summary.Recognized, label)
		}

		if err := s.wait(ctx, s.session.FrameInterval); err != nil {
			return model.EndStopped, nil
		}
	}
}

func (s *Service) isUnknown(label string) bool {
	for _, u := range s.session.UnknownLabels {
		if strings.EqualFold(label, u) {
			return true
		}
	}
	return false
}

func (s *Service) setActive(w *Window) {
	s.mu.Lock()
	s.status.ActiveWindow = w
	s.mu.Unlock()
}

func (s *Service) finish(summary model.SessionSummary) {
	s.logger.Sugar().Infow("recognition session ended",
		"course_id", summary.CourseID, "reason", summary.EndReason, "frames", summary.Frames,
		"recognized", len(summary.Recognized), "synced", summary.Synced)

	s.mu.Lock()
	s.status.LastSession = &summary
	s.mu.Unlock()

	if s.deps.Notifier != nil {
		s.deps.Notifier.Dispatch(summary)
	}
}
