package recognition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

const maxSnapshotBytes = 16 << 20

// ErrCameraClosed is returned by Read after Close.
var ErrCameraClosed = errors.New("camera closed")

// SnapshotCamera pulls encoded JPEG frames from an IP camera snapshot URL.
type SnapshotCamera struct {
	url    string
	http   *http.Client
	now    func() time.Time
	closed atomic.Bool
}

// SnapshotOpener returns a CameraOpener for the snapshot URL. Opening checks that the
// camera answers.
func SnapshotOpener(url string, timeout time.Duration) CameraOpener {
	return func(ctx context.Context) (Camera, error) {
		if url == "" {
			return nil, errors.New("no camera snapshot url configured")
		}
		cam := &SnapshotCamera{url: url, http: &http.Client{Timeout: timeout}, now: time.Now}
		if _, err := cam.Read(ctx); err != nil {
			return nil, fmt.Errorf("cannot open camera: %w", err)
		}
		return cam, nil
	}
}

func (c *SnapshotCamera) Read(ctx context.Context) (Frame, error) {
	if c.closed.Load() {
		return Frame{}, ErrCameraClosed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Frame{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Frame{}, fmt.Errorf("cannot read frame from camera: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("camera snapshot returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return Frame{}, fmt.Errorf("cannot read frame from camera: %w", err)
	}
	if len(data) == 0 {
		return Frame{}, errors.New("camera returned an empty frame")
	}
	return Frame{Data: data, ContentType: resp.Header.Get("Content-Type"), CapturedAt: c.now()}, nil
}

func (c *SnapshotCamera) Close() error {
	c.closed.Store(true)
	return nil
}
