package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionState     *prometheus.GaugeVec
	StateTransitions *prometheus.CounterVec
	Samples          *prometheus.CounterVec
	ProviderFaults   *prometheus.CounterVec
	SpoolDepth       prometheus.Gauge
	DeliveryLatency  prometheus.Histogram
	SinkErrors       *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	WSClients        prometheus.Gauge

	Latency *LatencyWindow
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current tracking session state, 0 otherwise.",
		}, []string{"state"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Tracking session state transitions.",
		}, []string{"from", "to"}),
		Samples: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Location samples by outcome.",
		}, []string{"outcome"}),
		ProviderFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_faults_total",
			Help:      "Location provider faults by kind.",
		}, []string{"kind"}),
		SpoolDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spool_depth",
			Help:      "Samples waiting in durable storage for delivery.",
		}),
		DeliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_ms",
			Help:      "Latency of a batch delivery to the attached listener in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Listener sink errors by sink.",
		}, []string{"sink"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected WebSocket stream clients.",
		}),
		Latency: NewLatencyWindow(256),
	}
}

// ObserveTransition moves the state gauge and counts the transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		m.SessionState.WithLabelValues(from).Set(0)
	}
	m.SessionState.WithLabelValues(to).Set(1)
}

func (m *Metrics) ObserveSamples(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Samples.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ObserveFault(kind string) {
	if m == nil {
		return
	}
	m.ProviderFaults.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetSpoolDepth(n int) {
	if m == nil {
		return
	}
	m.SpoolDepth.Set(float64(n))
}

func (m *Metrics) ObserveDelivery(d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryLatency.Observe(float64(d.Milliseconds()))
	m.Latency.Observe(StageDeliver, d)
}

// ObserveStage records a pipeline stage duration in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.Latency.Observe(stage, d)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.Latency.ObserveIndicator(name)
}

func (m *Metrics) ObserveSinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
