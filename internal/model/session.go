package model

import "time"

// Session end reasons.
const (
	EndWindowClosed    = "window_ended"
	EndStopped         = "stopped"
	EndLoadError       = "load_error"
	EndCameraError     = "camera_error"
	EndRecognizerError = "recognizer_error"
)

// SessionSummary describes one finished recognition session.
type SessionSummary struct {
	CourseID     int64          `json:"course_id"`
	ScheduleID   int64          `json:"schedule_id"`
	ModelVersion int            `json:"model_version"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
	WindowEnd    time.Time      `json:"window_end"`
	Frames       int            `json:"frames"`
	Recognized   []string       `json:"recognized"`
	Outcomes     map[string]int `json:"outcomes"`
	Synced       int            `json:"synced"`
	EndReason    string         `json:"end_reason"`
	Error        string         `json:"error,omitempty"`
}
