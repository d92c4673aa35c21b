// Package metrics defines the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "neodb_bridge"

// Label names.
const (
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelStatus  = "status"
	LabelPhase   = "phase"
	LabelResult  = "result"
	LabelTrigger = "trigger"
)

// HTTPLatencyBuckets covers redirects and single-page harvest steps.
var HTTPLatencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	FederationOutcomes *prometheus.CounterVec
	TokenRedactions    *prometheus.CounterVec
	HarvestSteps       *prometheus.CounterVec
	HarvestedMarks     prometheus.Counter
	ProxyRequests      *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{LabelMethod, LabelRoute, LabelStatus}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   HTTPLatencyBuckets,
		}, []string{LabelMethod, LabelRoute}),
		FederationOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federation_outcomes_total",
			Help:      "Federation begin/complete outcomes by result code",
		}, []string{LabelPhase, LabelResult}),
		TokenRedactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_redactions_total",
			Help:      "Linked-account token redactions by trigger and revoke result",
		}, []string{LabelTrigger, LabelResult}),
		HarvestSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "harvest_steps_total",
			Help:      "Harvest step invocations by result",
		}, []string{LabelResult}),
		HarvestedMarks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "harvested_marks_total",
			Help:      "Marks written by harvest steps",
		}),
		ProxyRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Forwarded instance API requests by result",
		}, []string{LabelResult}),
	}
}

// Federation records the outcome of a federation phase.
func (m *Metrics) Federation(phase, result string) {
	if m == nil {
		return
	}
	m.FederationOutcomes.WithLabelValues(phase, result).Inc()
}

// Redaction records one redaction and the result of its revoke call.
func (m *Metrics) Redaction(trigger, result string) {
	if m == nil {
		return
	}
	m.TokenRedactions.WithLabelValues(trigger, result).Inc()
}

// HarvestStep records a step result and the number of marks it wrote.
func (m *Metrics) HarvestStep(result string, marks int) {
	if m == nil {
		return
	}
	m.HarvestSteps.WithLabelValues(result).Inc()
	if marks > 0 {
		m.HarvestedMarks.Add(float64(marks))
	}
}

// Proxy records the result of one forwarded API request.
func (m *Metrics) Proxy(result string) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(result).Inc()
}
