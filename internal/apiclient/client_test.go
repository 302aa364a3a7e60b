package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendance-agent/config"
	"attendance-agent/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRemote counts token and resource hits; resource decides the response per call.
type fakeRemote struct {
	tokenHits    atomic.Int32
	resourceHits atomic.Int32
	token        func(n int32) string
	resource     func(w http.ResponseWriter, r *http.Request, n int32)
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/token/" {
		n := f.tokenHits.Add(1)
		tok := fmt.Sprintf("token-%d", n)
		if f.token != nil {
			tok = f.token(n)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access": tok})
		return
	}
	n := f.resourceHits.Add(1)
	f.resource(w, r, n)
}

func newTestClient(t *testing.T, remote *fakeRemote) (*Client, *fakeClock, *[]time.Duration, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(remote)
	t.Cleanup(server.Close)

	cfg := config.APIConfig{
		BaseURL:           server.URL,
		TokenEndpoint:     "/api/token/",
		Username:          "device",
		Password:          "secret",
		ModelDownloadURL:  server.URL + "/models",
		MapDownloadURL:    server.URL + "/maps",
		TokenTTL:          60 * time.Minute,
		TokenSafetyMargin: 5 * time.Minute,
		RequestTimeout:    5 * time.Second,
		MaxRetries:        3,
		RetryBaseDelay:    100 * time.Millisecond,
	}
	c := New(cfg, nil, nil)

	clock := &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	c.now = clock.Now

	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, clock, &delays, server
}

func okCourse(w http.ResponseWriter, r *http.Request, n int32) {
	_, _ = w.Write([]byte(`{"id": 1, "name": "Networks", "model_version": 4}`))
}

func TestEnsureToken_RefreshesOnlyPastMargin(t *testing.T) {
	remote := &fakeRemote{resource: okCourse}
	c, clock, _, _ := newTestClient(t, remote)
	ctx := context.Background()

	_, err := c.GetCourse(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), remote.tokenHits.Load())

	// 54 minutes later the token is still inside ttl - margin.
	clock.Advance(54 * time.Minute)
	_, err = c.GetCourse(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), remote.tokenHits.Load())

	clock.Advance(2 * time.Minute)
	_, err = c.GetCourse(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), remote.tokenHits.Load())
}

func TestEnsureToken_JWTExpiryTightensDeadline(t *testing.T) {
	var issued time.Time
	remote := &fakeRemote{resource: okCourse}
	c, clock, _, _ := newTestClient(t, remote)
	issued = clock.Now()

	remote.token = func(n int32) string {
		claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(issued.Add(20 * time.Minute))}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		require.NoError(t, err)
		return signed
	}

	require.NoError(t, c.EnsureToken(context.Background()))
	assert.Equal(t, issued.Add(15*time.Minute), c.token.expiresAt)
}

func TestEnsureToken_CredentialsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := New(config.APIConfig{BaseURL: server.URL, TokenEndpoint: "/api/token/", MaxRetries: 3,
		TokenTTL: time.Hour, TokenSafetyMargin: time.Minute, RequestTimeout: time.Second}, nil, nil)

	err := c.EnsureToken(context.Background())
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestRequest_RetriesTransientFailuresWithDoublingBackoff(t *testing.T) {
	remote := &fakeRemote{resource: func(w http.ResponseWriter, r *http.Request, n int32) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}}
	c, _, delays, _ := newTestClient(t, remote)

	_, err := c.GetCourse(context.Background(), 1)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, int32(3), remote.resourceHits.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestRequest_RecoversFromTransientFailure(t *testing.T) {
	remote := &fakeRemote{resource: func(w http.ResponseWriter, r *http.Request, n int32) {
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		okCourse(w, r, n)
	}}
	c, _, delays, _ := newTestClient(t, remote)

	version, err := c.GetModelVersion(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, version)
	assert.Len(t, *delays, 1)
}

func TestRequest_ClientErrorIsNotRetried(t *testing.T) {
	remote := &fakeRemote{resource: func(w http.ResponseWriter, r *http.Request, n int32) {
		w.WriteHeader(http.StatusNotFound)
	}}
	c, _, delays, _ := newTestClient(t, remote)

	_, err := c.GetCourse(context.Background(), 99)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, int32(1), remote.resourceHits.Load())
	assert.Empty(t, *delays)
}

func TestRequest_ReauthenticatesOnceOn401(t *testing.T) {
	remote := &fakeRemote{resource: func(w http.ResponseWriter, r *http.Request, n int32) {
		if r.Header.Get("Authorization") != "Bearer token-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		okCourse(w, r, n)
	}}
	c, _, delays, _ := newTestClient(t, remote)

	_, err := c.GetCourse(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), remote.tokenHits.Load(), "exactly one re-authentication")
	assert.Equal(t, int32(2), remote.resourceHits.Load())
	assert.Empty(t, *delays)
}

func TestRequest_Persistent401IsAuthError(t *testing.T) {
	remote := &fakeRemote{resource: func(w http.ResponseWriter, r *http.Request, n int32) {
		w.WriteHeader(http.StatusUnauthorized)
	}}
	c, _, delays, _ := newTestClient(t, remote)

	_, err := c.GetCourse(context.Background(), 1)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, int32(2), remote.tokenHits.Load())
	assert.Equal(t, int32(2), remote.resourceHits.Load())
	assert.Empty(t, *delays)
}

func TestGetModelVersion_CourseWithoutModel(t *testing.T) {
	remote := &fakeRemote{resource: func(w http.ResponseWriter, r *http.Request, n int32) {
		_, _ = w.Write([]byte(`{"id": 2, "name": "Databases", "model_version": null}`))
	}}
	c, _, _, _ := newTestClient(t, remote)

	_, err := c.GetModelVersion(context.Background(), 2)
	assert.True(t, errors.Is(err, ErrNoModelVersion))
}

func TestSubmitAttendance_ValidatesBeforeSending(t *testing.T) {
	remote := &fakeRemote{resource: func(w http.ResponseWriter, r *http.Request, n int32) {
		w.WriteHeader(http.StatusCreated)
	}}
	c, _, _, _ := newTestClient(t, remote)

	rec := model.NewAttendanceRecord("", 3, 17, "dev-1", time.Now())
	err := c.SubmitAttendance(context.Background(), rec)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "student", validationErr.Field)
	assert.Equal(t, int32(0), remote.tokenHits.Load())
	assert.Equal(t, int32(0), remote.resourceHits.Load())
}

func TestSubmitAttendance_PostsRecord(t *testing.T) {
	var got model.AttendanceRecord
	remote := &fakeRemote{resource: func(w http.ResponseWriter, r *http.Request, n int32) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/attendance/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}}
	c, _, _, _ := newTestClient(t, remote)

	rec := model.NewAttendanceRecord("alice", 3, 17, "dev-1", time.Date(2025, 3, 10, 9, 15, 30, 0, time.UTC))
	require.NoError(t, c.SubmitAttendance(context.Background(), rec))
	assert.Equal(t, rec, got)
	assert.Equal(t, "2025-03-10", got.Date)
	assert.Equal(t, "09:15:30", got.Time)
}

func TestGetSchedule_FollowsPagination(t *testing.T) {
	var server *httptest.Server
	remote := &fakeRemote{}
	remote.resource = func(w http.ResponseWriter, r *http.Request, n int32) {
		assert.Equal(t, "dev-1", r.URL.Query().Get("device_id"))
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(`{"results": [{"id": 2, "course": 8, "day_of_week": "Tuesday", "start_time": "10:00:00", "end_time": "11:00:00"}], "next": null}`))
			return
		}
		next := server.URL + "/api/Schedule/?device_id=dev-1&page=2"
		_, _ = fmt.Fprintf(w, `{"results": [{"id": 1, "course": 7, "day_of_week": "Monday", "start_time": "09:00:00", "end_time": "10:00:00"}], "next": %q}`, next)
	}
	c, _, _, srv := newTestClient(t, remote)
	server = srv

	entries, err := c.GetSchedule(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(7), entries[0].CourseID)
	assert.Equal(t, int64(8), entries[1].CourseID)
	assert.Equal(t, int32(1), remote.tokenHits.Load())
}

func TestGetSchedule_AcceptsBareArray(t *testing.T) {
	remote := &fakeRemote{resource: func(w http.ResponseWriter, r *http.Request, n int32) {
		_, _ = w.Write([]byte(`[{"id": 5, "course": 3, "day_of_week": "friday", "start_time": "08:00", "end_time": "09:30"}]`))
	}}
	c, _, _, _ := newTestClient(t, remote)

	entries, err := c.GetSchedule(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "friday", entries[0].DayOfWeek)
}

func TestDownloadArtifact_StreamsIntoWriter(t *testing.T) {
	payload := bytes.Repeat([]byte("w"), 256*1024)
	remote := &fakeRemote{resource: func(w http.ResponseWriter, r *http.Request, n int32) {
		switch r.URL.Path {
		case "/models/3":
			_, _ = w.Write(payload)
		case "/maps/3":
			_, _ = w.Write([]byte(`{"0": "alice"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}}
	c, _, _, _ := newTestClient(t, remote)

	var weights bytes.Buffer
	n, err := c.DownloadArtifact(context.Background(), model.ArtifactWeights, 3, &weights)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, weights.Bytes())

	var labels bytes.Buffer
	_, err = c.DownloadArtifact(context.Background(), model.ArtifactLabelMap, 3, &labels)
	require.NoError(t, err)
	assert.JSONEq(t, `{"0": "alice"}`, labels.String())
}

func TestIsTransient(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", &TransportError{Err: errors.New("connection refused")}, true},
		{"server error", &StatusError{StatusCode: 502}, true},
		{"client error", &StatusError{StatusCode: 400}, false},
		{"auth", &AuthError{Reason: "x"}, false},
		{"validation", &ValidationError{Field: "student"}, false},
		{"wrapped transport", fmt.Errorf("ctx: %w", &TransportError{Err: errors.New("eof")}), true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
