package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"attendance-agent/config"
	"attendance-agent/internal/logger"
	"attendance-agent/internal/metrics"
	"attendance-agent/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Payload is the JSON body pushed to subscribers when a session ends.
type Payload struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Summary model.SessionSummary `json:"summary"`
}

// WorkerPool manages a pool of workers for sending session summaries.
type WorkerPool struct {
	size    int
	jobs    chan model.SessionSummary
	webpush *webpush.Options
	sender  NotificationSender
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	subscriptions []config.PushSubscription
}

// NewWorkerPool creates a new worker pool. It returns nil when push is not configured,
// and a nil pool drops every dispatch.
func NewWorkerPool(size int, cfg config.PushConfig, log *zap.Logger, m *metrics.Metrics) *WorkerPool {
	if cfg.PrivateKey == "" || len(cfg.Subscriptions) == 0 {
		return nil
	}
	subs := make([]config.PushSubscription, len(cfg.Subscriptions))
	copy(subs, cfg.Subscriptions)
	return &WorkerPool{
		size: size,
		jobs: make(chan model.SessionSummary, size*4),
		webpush: &webpush.Options{
			Subscriber:      cfg.Subject,
			VAPIDPublicKey:  cfg.PublicKey,
			VAPIDPrivateKey: cfg.PrivateKey,
			TTL:             cfg.TTL,
		},
		sender:        &WebPushSender{},
		logger:        logger.OrNop(log),
		metrics:       m,
		subscriptions: subs,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	if wp == nil {
		return
	}
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Sugar().Debugw("notification worker started", "worker", id)
	for {
		select {
		case summary := <-wp.jobs:
			wp.sendSummary(ctx, summary)
		case <-ctx.Done():
			wp.logger.Sugar().Debugw("notification worker shutting down", "worker", id)
			return
		}
	}
}

// Dispatch queues a summary for delivery. It never blocks the caller; when the pool is
// saturated the summary is dropped.
func (wp *WorkerPool) Dispatch(summary model.SessionSummary) {
	if wp == nil {
		return
	}
	select {
	case wp.jobs <- summary:
	default:
		wp.logger.Sugar().Warnw("notification pool full, dropping session summary", "course_id", summary.CourseID)
		wp.metrics.ObservePush("dropped")
	}
}

// Subscriptions returns the endpoints still receiving notifications.
func (wp *WorkerPool) Subscriptions() []config.PushSubscription {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	out := make([]config.PushSubscription, len(wp.subscriptions))
	copy(out, wp.subscriptions)
	return out
}

func (wp *WorkerPool) sendSummary(ctx context.Context, summary model.SessionSummary) {
	payload, err := json.Marshal(Payload{
		Title:   fmt.Sprintf("Course %d session ended", summary.CourseID),
		Body:    fmt.Sprintf("%d present, %d synced (%s)", len(summary.Recognized), summary.Synced, summary.EndReason),
		Summary: summary,
	})
	if err != nil {
		wp.logger.Sugar().Errorw("failed to encode notification", "error", err)
		return
	}

	subs := wp.Subscriptions()
	wp.logger.Sugar().Infow("sending session notifications", "course_id", summary.CourseID, "subscriptions", len(subs))
	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		wp.sendNotification(sub, payload)
	}
}

func (wp *WorkerPool) sendNotification(sub config.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Sugar().Warnw("error sending notification", "endpoint", sub.Endpoint, "error", err)
		wp.metrics.ObservePush("error")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		wp.logger.Sugar().Infow("subscription expired, removing", "endpoint", sub.Endpoint)
		wp.remove(sub.Endpoint)
		wp.metrics.ObservePush("expired")
	case resp.StatusCode >= 400:
		wp.logger.Sugar().Warnw("push service rejected notification", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		wp.metrics.ObservePush("error")
	default:
		wp.metrics.ObservePush("sent")
	}
}

func (wp *WorkerPool) remove(endpoint string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	kept := wp.subscriptions[:0]
	for _, s := range wp.subscriptions {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	wp.subscriptions = kept
}
