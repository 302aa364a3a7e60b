package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"attendance-agent/internal/artifact"
	"attendance-agent/internal/logger"
	"attendance-agent/internal/model"
)

// SidecarLoader loads course models into a local inference service.
type SidecarLoader struct {
	BaseURL string
	HTTP    *http.Client
	logger  *zap.Logger
}

// NewSidecarLoader creates a loader for the inference service at baseURL.
func NewSidecarLoader(baseURL string, timeout time.Duration, log *zap.Logger) *SidecarLoader {
	return &SidecarLoader{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
		logger:  logger.OrNop(log),
	}
}

// Load asks the sidecar to load the artifact files and returns a recognizer bound to them.
func (l *SidecarLoader) Load(ctx context.Context, a model.ModelArtifact) (Recognizer, error) {
	labels, err := artifact.LoadLabelMap(a.LabelMapPath)
	if err != nil {
		return nil, fmt.Errorf("load label map: %w", err)
	}

	body, _ := json.Marshal(map[string]any{
		"course_id":      a.CourseID,
		"version":        a.Version,
		"weights_path":   a.WeightsPath,
		"label_map_path": a.LabelMapPath,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.BaseURL+"/load", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("inference service error %s: %s", resp.Status, string(bodyBytes))
	}

	l.logger.Sugar().Infow("model loaded", "course_id", a.CourseID, "version", a.Version)
	return &sidecarRecognizer{loader: l, courseID: a.CourseID, labels: labels}, nil
}

type sidecarRecognizer struct {
	loader   *SidecarLoader
	courseID int64
	labels   model.LabelMap
}

// Recognize posts the frame and maps returned class indexes through the label map.
func (r *sidecarRecognizer) Recognize(ctx context.Context, frame Frame) ([]Prediction, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("course_id", strconv.FormatInt(r.courseID, 10)); err != nil {
		return nil, err
	}
	fw, err := w.CreateFormFile("frame", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame.Data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.loader.BaseURL+"/recognize", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := r.loader.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference service recognize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("inference service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Predictions []struct {
			Label      string  `json:"label"`
			Index      *int    `json:"index"`
			Confidence float64 `json:"confidence"`
		} `json:"predictions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	preds := make([]Prediction, 0, len(out.Predictions))
	for _, p := range out.Predictions {
		label := p.Label
		if label == "" && p.Index != nil {
			label = r.labels[strconv.Itoa(*p.Index)]
		}
		if label == "" {
			continue
		}
		preds = append(preds, Prediction{Label: label, Confidence: p.Confidence})
	}
	return preds, nil
}

// Close releases nothing locally; the sidecar keeps the model until the next Load.
func (r *sidecarRecognizer) Close() error {
	return nil
}
