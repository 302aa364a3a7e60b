package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the agent's collectors. A nil *Metrics is valid and records nothing,
// which keeps component tests free of registry setup.
type Metrics struct {
	requests       *prometheus.CounterVec
	retries        prometheus.Counter
	reauths        prometheus.Counter
	attendance     *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	syncDelivered  prometheus.Counter
	sessionActive  prometheus.Gauge
	downloads      *prometheus.CounterVec
	ticks          *prometheus.CounterVec
	pushDeliveries *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_api_requests_total",
			Help: "Remote API calls by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_api_retries_total",
			Help: "Request attempts retried after a transient failure.",
		}),
		reauths: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_api_reauthentications_total",
			Help: "Token refreshes forced by a 401 response.",
		}),
		attendance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_attendance_events_total",
			Help: "Recognized identities by processing outcome.",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_offline_queue_depth",
			Help: "Attendance records waiting in the offline queue.",
		}),
		syncDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_offline_sync_delivered_total",
			Help: "Queued records delivered by offline sync.",
		}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_session_active",
			Help: "1 while a recognition session is running.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_model_downloads_total",
			Help: "Model artifact downloads by result.",
		}, []string{"result"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_scheduler_ticks_total",
			Help: "Scheduler poll ticks by result.",
		}, []string{"result"}),
		pushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_push_notifications_total",
			Help: "Session summary push notifications by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.retries, m.reauths, m.attendance, m.queueDepth,
			m.syncDelivered, m.sessionActive, m.downloads, m.ticks, m.pushDeliveries)
	}
	return m
}

func (m *Metrics) ObserveRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) IncReauth() {
	if m == nil {
		return
	}
	m.reauths.Inc()
}

func (m *Metrics) ObserveAttendance(outcome string) {
	if m == nil {
		return
	}
	m.attendance.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) AddSyncDelivered(n int) {
	if m == nil {
		return
	}
	m.syncDelivered.Add(float64(n))
}

func (m *Metrics) SetSessionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.sessionActive.Set(1)
	} else {
		m.sessionActive.Set(0)
	}
}

func (m *Metrics) ObserveDownload(result string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTick(result string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePush(result string) {
	if m == nil {
		return
	}
	m.pushDeliveries.WithLabelValues(result).Inc()
}
