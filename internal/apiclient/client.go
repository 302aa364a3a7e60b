package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"attendance-agent/config"
	"attendance-agent/internal/logger"
	"attendance-agent/internal/metrics"
	"attendance-agent/internal/model"
)

const (
	maxSchedulePages = 50
	maxErrorBody     = 4096
)

// tokenState is the current bearer credential. It is never persisted.
type tokenState struct {
	accessToken string
	expiresAt   time.Time
}

// Client talks to the remote attendance service with a self-refreshing bearer token,
// bounded retries with exponential backoff and a single re-authentication on 401.
type Client struct {
	cfg      config.APIConfig
	client   *http.Client
	download *http.Client
	logger   *zap.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	token tokenState
}

// New creates a client for the configured remote service.
func New(cfg config.APIConfig, log *zap.Logger, m *metrics.Metrics) *Client {
	log = logger.OrNop(log)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			log.Sugar().Warnw("invalid proxy URL, not using a proxy", "proxy", cfg.HTTPProxy, "error", err)
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	// Artifact bodies can take far longer than one request timeout, so the download
	// client only bounds the wait for headers; body stalls are bounded by idleReader.
	downloadTransport := transport.Clone()
	downloadTransport.ResponseHeaderTimeout = cfg.RequestTimeout

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Client{
		cfg:      cfg,
		client:   &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		download: &http.Client{Transport: downloadTransport},
		logger:   log,
		metrics:  m,
		validate: v,
		now:      time.Now,
		sleep:    sleepContext,
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

// EnsureToken fetches a new access token when none is held or the held one is due.
func (c *Client) EnsureToken(ctx context.Context) error {
	_, err := c.accessToken(ctx)
	return err
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()

	if tok.accessToken != "" && c.now().Before(tok.expiresAt) {
		return tok.accessToken, nil
	}
	return c.refreshToken(ctx)
}

// refreshToken posts the device credentials to the token endpoint.
func (c *Client) refreshToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(c.cfg.TokenEndpoint), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.ObserveRequest("token", "transport_error")
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.metrics.ObserveRequest("token", "rejected")
		return "", &AuthError{Reason: "credentials rejected", Err: statusError(resp)}
	case resp.StatusCode != http.StatusOK:
		c.metrics.ObserveRequest("token", "error")
		return "", statusError(resp)
	}

	var body struct {
		Access string `json:"access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.metrics.ObserveRequest("token", "error")
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.Access == "" {
		c.metrics.ObserveRequest("token", "error")
		return "", &AuthError{Reason: "token response carried no access token"}
	}

	now := c.now()
	expiresAt := now.Add(c.cfg.TokenTTL - c.cfg.TokenSafetyMargin)
	if exp, ok := jwtExpiry(body.Access); ok {
		if bound := exp.Add(-c.cfg.TokenSafetyMargin); bound.Before(expiresAt) {
			expiresAt = bound
		}
	}

	c.mu.Lock()
	c.token = tokenState{accessToken: body.Access, expiresAt: expiresAt}
	c.mu.Unlock()

	c.metrics.ObserveRequest("token", "ok")
	c.logger.Sugar().Infow("obtained new access token", "expires_at", expiresAt)
	return body.Access, nil
}

// jwtExpiry reads the exp claim of a JWT access token without verifying it; the
// server remains the authority, the claim only tightens the refresh deadline.
func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// resolve turns an endpoint path into an absolute URL; absolute URLs (pagination links) pass through.
func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.cfg.BaseURL + path
}

// requestBuilder creates a fresh request for each attempt so bodies can be resent.
type requestBuilder func(token string) (*http.Request, error)

// do runs the retry loop. On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, hc *http.Client, endpoint string, build requestBuilder) (*http.Response, error) {
	reauthed := false
	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, hc, build, &reauthed)
		if err == nil {
			c.metrics.ObserveRequest(endpoint, "ok")
			return resp, nil
		}

		if !IsTransient(err) {
			c.metrics.ObserveRequest(endpoint, "error")
			return nil, err
		}
		if attempt >= c.cfg.MaxRetries-1 {
			c.metrics.ObserveRequest(endpoint, "exhausted")
			c.logger.Sugar().Errorw("request failed after retries", "endpoint", endpoint, "attempts", attempt+1, "error", err)
			return nil, fmt.Errorf("%s: giving up after %d attempts: %w", endpoint, attempt+1, err)
		}

		delay := c.backoff(attempt)
		c.metrics.IncRetry()
		c.logger.Sugar().Warnw("request attempt failed", "endpoint", endpoint, "attempt", attempt+1, "retry_in", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// backoff returns base_delay * 2^attempt.
func (c *Client) backoff(attempt int) time.Duration {
	return c.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt))
}

// attempt performs one request, with at most one re-authentication per call to do.
func (c *Client) attempt(ctx context.Context, hc *http.Client, build requestBuilder, reauthed *bool) (*http.Response, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, hc, build, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		if *reauthed {
			return nil, &AuthError{Reason: "request unauthorized after re-authentication"}
		}
		*reauthed = true
		c.metrics.IncReauth()
		c.logger.Sugar().Infow("access token rejected, re-authenticating")

		token, err = c.refreshToken(ctx)
		if err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, hc, build, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return nil, &AuthError{Reason: "request unauthorized after re-authentication"}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, build requestBuilder, token string) (*http.Response, error) {
	req, err := build(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

// Request sends an authenticated request. body, when non-nil, is encoded as JSON; the
// response is decoded into out when out is non-nil.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	return c.request(ctx, endpointName(path), method, path, body, out)
}

func (c *Client) request(ctx context.Context, endpoint, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
	}

	target := c.resolve(path)
	resp, err := c.do(ctx, c.client, endpoint, func(token string) (*http.Request, error) {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", endpoint, err)
	}
	return nil
}

func endpointName(path string) string {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "/api/schedule"):
		return "schedule"
	case strings.Contains(p, "/api/courses"):
		return "course"
	case strings.Contains(p, "/api/attendance"):
		return "attendance"
	default:
		return "other"
	}
}

// schedulePage is the paginated envelope returned by the schedule endpoint.
type schedulePage struct {
	Results []model.ScheduleEntry `json:"results"`
	Next    *string               `json:"next"`
}

// GetSchedule returns every schedule entry assigned to the device, following pagination.
func (c *Client) GetSchedule(ctx context.Context, deviceID string) ([]model.ScheduleEntry, error) {
	path := "/api/Schedule/?device_id=" + url.QueryEscape(deviceID)

	var entries []model.ScheduleEntry
	for page := 1; path != ""; page++ {
		if page > maxSchedulePages {
			c.logger.Sugar().Warnw("schedule pagination truncated", "pages", maxSchedulePages)
			break
		}

		var raw json.RawMessage
		if err := c.request(ctx, "schedule", http.MethodGet, path, nil, &raw); err != nil {
			return nil, fmt.Errorf("fetch schedule page %d: %w", page, err)
		}

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var list []model.ScheduleEntry
			if err := json.Unmarshal(trimmed, &list); err != nil {
				return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
			}
			return append(entries, list...), nil
		}

		var env schedulePage
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule page %d: %w", page, err)
		}
		entries = append(entries, env.Results...)

		path = ""
		if env.Next != nil {
			path = *env.Next
		}
	}
	return entries, nil
}

// GetCourse returns the course metadata.
func (c *Client) GetCourse(ctx context.Context, courseID int64) (model.Course, error) {
	var course model.Course
	if err := c.request(ctx, "course", http.MethodGet, fmt.Sprintf("/api/courses/%d/", courseID), nil, &course); err != nil {
		return model.Course{}, err
	}
	return course, nil
}

// GetModelVersion returns the version of the most recently trained model of the course.
func (c *Client) GetModelVersion(ctx context.Context, courseID int64) (int, error) {
	course, err := c.GetCourse(ctx, courseID)
	if err != nil {
		return 0, err
	}
	if course.ModelVersion == nil {
		return 0, ErrNoModelVersion
	}
	return *course.ModelVersion, nil
}

// SubmitAttendance posts one attendance record. Records missing a required field
// are rejected before any request is made.
func (c *Client) SubmitAttendance(ctx context.Context, rec model.AttendanceRecord) error {
	if err := c.validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			c.logger.Sugar().Errorw("attendance record rejected", "field", verrs[0].Field())
			return &ValidationError{Field: verrs[0].Field()}
		}
		return err
	}
	return c.request(ctx, "attendance", http.MethodPost, "/api/attendance/", rec, nil)
}

// DownloadArtifact streams one model artifact of the course into w and returns the
// number of bytes written.
func (c *Client) DownloadArtifact(ctx context.Context, kind model.ArtifactKind, courseID int64, w io.Writer) (int64, error) {
	var base string
	switch kind {
	case model.ArtifactWeights:
		base = c.cfg.ModelDownloadURL
	case model.ArtifactLabelMap:
		base = c.cfg.MapDownloadURL
	default:
		return 0, fmt.Errorf("unknown artifact kind %q", kind)
	}
	target := fmt.Sprintf("%s/%d", base, courseID)

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := c.do(dctx, c.download, "download", func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(dctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return 0, fmt.Errorf("download %s for course %d: %w", kind, courseID, err)
	}
	defer resp.Body.Close()

	body := newIdleReader(resp.Body, c.cfg.RequestTimeout, cancel)
	defer body.stop()

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("download %s for course %d: stream interrupted after %d bytes: %w", kind, courseID, n, err)
	}
	return n, nil
}

// idleReader cancels the download when no bytes arrive for the request timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, cancel)
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if ir.timer != nil && n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}
