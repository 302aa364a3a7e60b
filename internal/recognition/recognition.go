// Package recognition defines how a session obtains frames and predictions. The agent
// never inspects pixels; frames are passed through as encoded images.
package recognition

import (
	"context"
	"time"

	"attendance-agent/internal/model"
)

// Prediction is one identity found in a frame.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Frame is one encoded image from the camera.
type Frame struct {
	Data        []byte
	ContentType string
	CapturedAt  time.Time
}

// Recognizer returns zero or more predictions for a frame.
type Recognizer interface {
	Recognize(ctx context.Context, frame Frame) ([]Prediction, error)
	Close() error
}

// Loader prepares a Recognizer for a course model.
type Loader interface {
	Load(ctx context.Context, artifact model.ModelArtifact) (Recognizer, error)
}

// Camera yields frames until closed.
type Camera interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// CameraOpener opens the device camera for one session.
type CameraOpener func(ctx context.Context) (Camera, error)
