// Package artifact keeps the per-course recognition model files current on disk.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"attendance-agent/internal/logger"
	"attendance-agent/internal/metrics"
	"attendance-agent/internal/model"
)

// ErrNoArtifact means no usable model is available locally for the course.
var ErrNoArtifact = errors.New("no usable model artifact")

// Freshness is the result of comparing the local version marker with the remote version.
type Freshness int

const (
	UpToDate Freshness = iota
	NeedsUpdate
	// Unknown means the remote version could not be looked up; no update is attempted.
	Unknown
)

func (f Freshness) String() string {
	switch f {
	case UpToDate:
		return "up_to_date"
	case NeedsUpdate:
		return "needs_update"
	default:
		return "unknown"
	}
}

// Remote is the part of the API client the manager needs.
type Remote interface {
	GetModelVersion(ctx context.Context, courseID int64) (int, error)
	DownloadArtifact(ctx context.Context, kind model.ArtifactKind, courseID int64, w io.Writer) (int64, error)
}

// Manager owns the models directory.
type Manager struct {
	dir      string
	remote   Remote
	versions *cache.Cache
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex
}

// New creates a manager for dir. Remote versions are cached for versionTTL; zero disables caching.
func New(dir string, remote Remote, versionTTL time.Duration, log *zap.Logger, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		dir:     dir,
		remote:  remote,
		logger:  logger.OrNop(log),
		metrics: m,
	}
	if versionTTL > 0 {
		mgr.versions = cache.New(versionTTL, 2*versionTTL)
	}
	return mgr
}

// Paths returns the file locations of the course artifact. Version is left zero.
func (m *Manager) Paths(courseID int64) model.ModelArtifact {
	return model.ModelArtifact{
		CourseID:          courseID,
		WeightsPath:       filepath.Join(m.dir, fmt.Sprintf("model_%d.keras", courseID)),
		LabelMapPath:      filepath.Join(m.dir, fmt.Sprintf("label_map_%d.json", courseID)),
		VersionMarkerPath: filepath.Join(m.dir, fmt.Sprintf("model_%d.version", courseID)),
	}
}

// Local returns the course artifact if weights, a parseable label map and a version
// marker are all present.
func (m *Manager) Local(courseID int64) (model.ModelArtifact, bool) {
	a := m.Paths(courseID)
	if !fileExists(a.WeightsPath) {
		return a, false
	}
	if _, err := LoadLabelMap(a.LabelMapPath); err != nil {
		return a, false
	}
	version, err := readMarker(a.VersionMarkerPath)
	if err != nil {
		return a, false
	}
	a.Version = version
	return a, true
}

// CheckFreshness decides whether the course model must be downloaded. Missing weights
// need an update without asking the remote service.
func (m *Manager) CheckFreshness(ctx context.Context, courseID int64) (Freshness, error) {
	a := m.Paths(courseID)
	if !fileExists(a.WeightsPath) {
		return NeedsUpdate, nil
	}

	remote, err := m.remoteVersion(ctx, courseID)
	if err != nil {
		m.logger.Sugar().Warnw("cannot fetch model version, skipping update check", "course_id", courseID, "error", err)
		return Unknown, err
	}

	local, err := readMarker(a.VersionMarkerPath)
	if err != nil {
		m.logger.Sugar().Infow("no local version marker, model update required", "course_id", courseID)
		return NeedsUpdate, nil
	}
	if local != remote {
		m.logger.Sugar().Infow("model update required", "course_id", courseID, "current", local, "latest", remote)
		return NeedsUpdate, nil
	}
	return UpToDate, nil
}

// Ensure returns a usable artifact for the course, downloading it when needed. When the
// remote version cannot be determined the local artifact is used as is.
func (m *Manager) Ensure(ctx context.Context, courseID int64) (model.ModelArtifact, error) {
	freshness, ferr := m.CheckFreshness(ctx, courseID)
	switch freshness {
	case NeedsUpdate:
		a, err := m.Download(ctx, courseID)
		if err == nil {
			return a, nil
		}
		m.logger.Sugar().Errorw("model download failed", "course_id", courseID, "error", err)
		if local, ok := m.Local(courseID); ok {
			m.logger.Sugar().Warnw("using previous model version", "course_id", courseID, "version", local.Version)
			return local, nil
		}
		return model.ModelArtifact{}, fmt.Errorf("course %d: %w: %v", courseID, ErrNoArtifact, err)
	default:
		if local, ok := m.Local(courseID); ok {
			return local, nil
		}
		if ferr != nil {
			return model.ModelArtifact{}, fmt.Errorf("course %d: %w: %v", courseID, ErrNoArtifact, ferr)
		}
		return model.ModelArtifact{}, fmt.Errorf("course %d: %w", courseID, ErrNoArtifact)
	}
}

// Download fetches the weights and the label map of the latest version. The version
// marker is only written once both files are in place, so a failure at any step
// leaves the previous marker (or none) and the next cycle downloads again.
func (m *Manager) Download(ctx context.Context, courseID int64) (model.ModelArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := "error"
	defer func() { m.metrics.ObserveDownload(result) }()

	version, err := m.remoteVersion(ctx, courseID)
	if err != nil {
		return model.ModelArtifact{}, fmt.Errorf("resolve model version: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return model.ModelArtifact{}, fmt.Errorf("failed to create models dir: %w", err)
	}
	a := m.Paths(courseID)
	a.Version = version

	weightsTmp, err := m.fetch(ctx, model.ArtifactWeights, courseID, a.WeightsPath)
	if err != nil {
		return model.ModelArtifact{}, err
	}
	defer os.Remove(weightsTmp)

	mapTmp, err := m.fetch(ctx, model.ArtifactLabelMap, courseID, a.LabelMapPath)
	if err != nil {
		return model.ModelArtifact{}, err
	}
	defer os.Remove(mapTmp)

	if _, err := LoadLabelMap(mapTmp); err != nil {
		return model.ModelArtifact{}, fmt.Errorf("downloaded label map for course %d is invalid: %w", courseID, err)
	}

	if err := os.Remove(a.VersionMarkerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return model.ModelArtifact{}, fmt.Errorf("failed to clear version marker: %w", err)
	}
	if err := os.Rename(weightsTmp, a.WeightsPath); err != nil {
		return model.ModelArtifact{}, fmt.Errorf("failed to install weights: %w", err)
	}
	if err := os.Rename(mapTmp, a.LabelMapPath); err != nil {
		return model.ModelArtifact{}, fmt.Errorf("failed to install label map: %w", err)
	}
	if err := writeMarker(a.VersionMarkerPath, version); err != nil {
		return model.ModelArtifact{}, err
	}

	result = "ok"
	m.logger.Sugar().Infow("model downloaded", "course_id", courseID, "version", version)
	return a, nil
}

// fetch streams one artifact into a temp file next to final and returns its name.
func (m *Manager) fetch(ctx context.Context, kind model.ArtifactKind, courseID int64, final string) (string, error) {
	f, err := os.CreateTemp(m.dir, filepath.Base(final)+".part-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for %s: %w", kind, err)
	}
	n, err := m.remote.DownloadArtifact(ctx, kind, courseID, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("download %s: %w", kind, err)
	}
	m.logger.Sugar().Debugw("artifact fetched", "course_id", courseID, "kind", kind, "bytes", n)
	return f.Name(), nil
}

func (m *Manager) remoteVersion(ctx context.Context, courseID int64) (int, error) {
	key := strconv.FormatInt(courseID, 10)
	if m.versions != nil {
		if v, ok := m.versions.Get(key); ok {
			return v.(int), nil
		}
	}
	v, err := m.remote.GetModelVersion(ctx, courseID)
	if err != nil {
		return 0, err
	}
	if m.versions != nil {
		m.versions.SetDefault(key, v)
	}
	return v, nil
}

// LoadLabelMap reads a {index: label} JSON object.
func LoadLabelMap(path string) (model.LabelMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lm model.LabelMap
	if err := json.Unmarshal(data, &lm); err != nil {
		return nil, fmt.Errorf("decode label map: %w", err)
	}
	if lm == nil {
		return nil, errors.New("label map is empty")
	}
	return lm, nil
}

// readMarker parses a version marker. Both "7" and "version_marker = 7" are accepted.
func readMarker(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(data))
	if _, rest, ok := strings.Cut(raw, "="); ok {
		raw = strings.TrimSpace(rest)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid version marker %s: %w", path, err)
	}
	return v, nil
}

func writeMarker(path string, version int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(version)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write version marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install version marker: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
