package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/spec-kit/ticket-routing/internal/domain"
)

const namespace = "ticket_routing"

// Metrics holds the engine and HTTP collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticketsCreated   *prometheus.CounterVec
	ticketsAssigned  *prometheus.CounterVec
	ticketsEscalated *prometheus.CounterVec
	slaBreaches      *prometheus.CounterVec
	ticketsResolved  prometheus.Counter
	backlogDepth     *prometheus.GaugeVec
	commandDuration  *prometheus.HistogramVec
	storeRetries     prometheus.Counter
	requestCount     *prometheus.CounterVec
	errorCount       *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticketsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tickets_created_total", Help: "Tickets created by priority.",
		}, []string{"priority"}),
		ticketsAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tickets_assigned_total", Help: "Successful assignments by mode.",
		}, []string{"mode"}),
		ticketsEscalated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tickets_escalated_total", Help: "Tier escalations by reason.",
		}, []string{"reason"}),
		slaBreaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sla_breaches_total", Help: "Recorded SLA breaches by kind.",
		}, []string{"kind"}),
		ticketsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tickets_resolved_total", Help: "Tickets resolved.",
		}),
		backlogDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backlog_depth", Help: "Unassigned tickets queued per tier.",
		}, []string{"tier"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "command_duration_seconds", Help: "Lifecycle command latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		storeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_retries_total", Help: "Retries of timed out store or registry calls.",
		}),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests served.",
		}, []string{"method", "path", "status"}),
		errorCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_errors_total", Help: "HTTP error responses by error code.",
		}, []string{"code"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state", Help: "0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticketsCreated, m.ticketsAssigned, m.ticketsEscalated, m.slaBreaches,
		m.ticketsResolved, m.backlogDepth, m.commandDuration, m.storeRetries,
		m.requestCount, m.errorCount, m.breakerState,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestCount.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errorCount.WithLabelValues(code).Inc()
}

func (m *Metrics) TicketCreated(priority domain.TicketPriority) {
	if m == nil {
		return
	}
	m.ticketsCreated.WithLabelValues(string(priority)).Inc()
}

func (m *Metrics) TicketAssigned(mode string) {
	if m == nil {
		return
	}
	m.ticketsAssigned.WithLabelValues(mode).Inc()
}

func (m *Metrics) TicketEscalated(reason domain.EscalationReason) {
	if m == nil {
		return
	}
	m.ticketsEscalated.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) SLABreached(kind domain.SLAKind) {
	if m == nil {
		return
	}
	m.slaBreaches.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) TicketResolved() {
	if m == nil {
		return
	}
	m.ticketsResolved.Inc()
}

func (m *Metrics) BacklogDepth(tier domain.Tier, depth int) {
	if m == nil {
		return
	}
	m.backlogDepth.WithLabelValues(string(tier)).Set(float64(depth))
}

// ObserveCommand records how long a lifecycle command took.
func (m *Metrics) ObserveCommand(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) StoreRetry() {
	if m == nil {
		return
	}
	m.storeRetries.Inc()
}

// BreakerStateChanged matches gobreaker.Settings.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _, to gobreaker.State) {
	if m == nil {
		return
	}
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}
