package api

import (
	"context"

	"go.uber.org/zap"

	"attendance-agent/internal/logger"
	"attendance-agent/internal/scheduler"
)

// StatusSource reports the scheduler state.
type StatusSource interface {
	Status() scheduler.Status
}

// QueueInfo reports connectivity and the offline backlog.
type QueueInfo interface {
	IsOnline(ctx context.Context) bool
	Len(ctx context.Context) (int, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	status StatusSource
	queue  QueueInfo
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(status StatusSource, queue QueueInfo, log *zap.Logger) *Handler {
	return &Handler{
		status: status,
		queue:  queue,
		logger: logger.OrNop(log),
	}
}
