package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event outcomes on the gateway-facing path.
const (
	Accepted = "accepted"
	Rejected = "rejected"
	Busy     = "busy"
	Failed   = "error"
)

// Job outcomes in the worker.
const (
	JobComplete  = "complete"
	JobFailed    = "failed"
	JobMalformed = "malformed"
)

type Metrics struct {
	events          *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
}

// New creates and registers the collectors. A nil registerer uses the
// default one.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enq", Subsystem: "dispatch", Name: "events_total",
			Help: "Inbound events by channel and outcome.",
		}, []string{"channel", "outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enq", Subsystem: "worker", Name: "jobs_total",
			Help: "Dequeued jobs by channel and outcome.",
		}, []string{"channel", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "enq", Subsystem: "worker", Name: "handler_duration_seconds",
			Help:    "Handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enq", Subsystem: "delivery", Name: "replies_total",
			Help: "Outbound replies by channel and result.",
		}, []string{"channel", "result"}),
	}
	for _, c := range []prometheus.Collector{m.events, m.jobs, m.handlerDuration, m.deliveries} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Nop returns collectors that are not registered anywhere.
func Nop() *Metrics {
	m, _ := New(prometheus.NewRegistry())
	return m
}

func (m *Metrics) Event(channel, outcome string) {
	m.events.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Job(channel, outcome string, took time.Duration) {
	m.jobs.WithLabelValues(channel, outcome).Inc()
	if took > 0 {
		m.handlerDuration.WithLabelValues(channel).Observe(took.Seconds())
	}
}

func (m *Metrics) Delivery(channel string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.deliveries.WithLabelValues(channel, result).Inc()
}

// EventCount and JobCount expose counter values for tests and reports.
func (m *Metrics) EventCount(channel, outcome string) float64 {
	return value(m.events.WithLabelValues(channel, outcome))
}

func (m *Metrics) JobCount(channel, outcome string) float64 {
	return value(m.jobs.WithLabelValues(channel, outcome))
}

func value(c prometheus.Counter) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}
