package metrics

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/septivank/water-metering-portal/internal/billing"
)

const (
	ResultAccepted     = "accepted"
	ResultReplayed     = "replayed"
	ResultValidation   = "validation"
	ResultNotFound     = "not_found"
	ResultConflict     = "conflict"
	ResultUpload       = "upload"
	ResultRate         = "rate_unavailable"
	ResultTimeout      = "timeout"
	ResultPartialWrite = "partial_write"
	ResultError        = "error"
)

const (
	SourceHTTP  = "http"
	SourceQueue = "queue"
)

// Metrics holds the billing counters exposed on /metrics.
type Metrics struct {
	readingsSubmitted *prometheus.CounterVec
	usageAnomalies    prometheus.Counter
	billsGenerated    prometheus.Counter
	billsDeduplicated prometheus.Counter
	payments          *prometheus.CounterVec
	ingestMessages    *prometheus.CounterVec
}

// New registers the billing metrics on registerer.
func New(registerer prometheus.Registerer, serviceName string) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = "water-metering-portal"
	}
	constLabels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		readingsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "water_portal_readings_submitted_total",
			Help:        "Meter reading submissions by source and result.",
			ConstLabels: constLabels,
		}, []string{"source", "result"}),
		usageAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "water_portal_usage_anomalies_total",
			Help:        "Accepted readings flagged as a usage spike.",
			ConstLabels: constLabels,
		}),
		billsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "water_portal_bills_generated_total",
			Help:        "Bills inserted by the bill generator.",
			ConstLabels: constLabels,
		}),
		billsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "water_portal_bills_deduplicated_total",
			Help:        "Bill generation requests answered with an existing bill.",
			ConstLabels: constLabels,
		}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "water_portal_payments_total",
			Help:        "Payment proof submissions by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		ingestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "water_portal_ingest_messages_total",
			Help:        "Queued reading messages by outcome (ack or nack).",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}

	registerer.MustRegister(
		m.readingsSubmitted,
		m.usageAnomalies,
		m.billsGenerated,
		m.billsDeduplicated,
		m.payments,
		m.ingestMessages,
	)
	return m
}

// Classify maps a billing error to a low-cardinality result label.
func Classify(err error) string {
	switch {
	case err == nil:
		return ResultAccepted
	case billing.IsNotFound(err):
		return ResultNotFound
	case billing.IsValidation(err):
		return ResultValidation
	case billing.IsConflict(err):
		return ResultConflict
	case errors.Is(err, billing.ErrUpload):
		return ResultUpload
	case errors.Is(err, billing.ErrRateUnavailable):
		return ResultRate
	case errors.Is(err, billing.ErrTimeout):
		return ResultTimeout
	case errors.Is(err, billing.ErrPartialWrite):
		return ResultPartialWrite
	default:
		return ResultError
	}
}

// The methods below are no-ops on a nil receiver so callers may run without metrics.

func (m *Metrics) ObserveReading(source string, err error) {
	if m == nil {
		return
	}
	m.readingsSubmitted.WithLabelValues(source, Classify(err)).Inc()
}

func (m *Metrics) ObserveReplay(source string) {
	if m == nil {
		return
	}
	m.readingsSubmitted.WithLabelValues(source, ResultReplayed).Inc()
}

func (m *Metrics) IncUsageAnomaly() {
	if m == nil {
		return
	}
	m.usageAnomalies.Inc()
}

func (m *Metrics) IncBillGenerated() {
	if m == nil {
		return
	}
	m.billsGenerated.Inc()
}

func (m *Metrics) IncBillDeduplicated() {
	if m == nil {
		return
	}
	m.billsDeduplicated.Inc()
}

func (m *Metrics) ObservePayment(err error) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(Classify(err)).Inc()
}

func (m *Metrics) ObserveIngest(acked bool) {
	if m == nil {
		return
	}
	outcome := "ack"
	if !acked {
		outcome = "nack"
	}
	m.ingestMessages.WithLabelValues(outcome).Inc()
}
