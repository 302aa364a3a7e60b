package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"attendance-agent/internal/mw"
)

// NewRouter creates the local status router. gatherer may be nil to omit /metrics.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.Healthz)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// Rate limit: 5 requests per second with a burst of 10
	rateLimiter := mw.RateLimiter(rate.Limit(5), 10)

	// Status probes the network; reuse a snapshot for a few seconds.
	snapshots := mw.Snapshot(cache.New(5*time.Second, time.Minute), 5*time.Second)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/status", snapshots, h.GetStatus)
	}

	return r
}
