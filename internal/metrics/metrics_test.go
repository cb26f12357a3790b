package metrics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/septivank/water-metering-portal/internal/billing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ResultAccepted},
		{name: "bill not found", err: fmt.Errorf("load: %w", billing.ErrBillNotFound), want: ResultNotFound},
		{name: "regressive", err: &billing.RegressiveReadingError{}, want: ResultValidation},
		{name: "invalid usage", err: billing.ErrInvalidUsage, want: ResultValidation},
		{name: "already paid", err: billing.ErrConcurrentModification, want: ResultConflict},
		{name: "upload", err: &billing.UploadError{Path: "proofs/x", Reason: "too large"}, want: ResultUpload},
		{name: "rate", err: billing.ErrRateUnavailable, want: ResultRate},
		{name: "timeout", err: billing.ErrTimeout, want: ResultTimeout},
		{name: "partial write", err: &billing.PartialWriteError{MeterID: uuid.New(), Err: errors.New("disk full")}, want: ResultPartialWrite},
		{name: "unknown", err: errors.New("boom"), want: ResultError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("expected result %q, got %q", tc.want, got)
			}
		})
	}
}

func TestObserveReading(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry, "water-metering-portal")

	m.ObserveReading(SourceHTTP, nil)
	m.ObserveReading(SourceHTTP, nil)
	m.ObserveReading(SourceQueue, billing.ErrRegressiveReading)
	m.ObserveReplay(SourceQueue)

	if got := testutil.ToFloat64(m.readingsSubmitted.WithLabelValues(SourceHTTP, ResultAccepted)); got != 2 {
		t.Fatalf("expected 2 accepted http readings, got %v", got)
	}
	if got := testutil.ToFloat64(m.readingsSubmitted.WithLabelValues(SourceQueue, ResultValidation)); got != 1 {
		t.Fatalf("expected 1 rejected queue reading, got %v", got)
	}
	if got := testutil.ToFloat64(m.readingsSubmitted.WithLabelValues(SourceQueue, ResultReplayed)); got != 1 {
		t.Fatalf("expected 1 replayed queue reading, got %v", got)
	}
}

func TestBillAndIngestCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry, "")

	m.IncBillGenerated()
	m.IncBillDeduplicated()
	m.IncBillDeduplicated()
	m.ObservePayment(nil)
	m.ObserveIngest(true)
	m.ObserveIngest(false)

	if got := testutil.ToFloat64(m.billsGenerated); got != 1 {
		t.Fatalf("expected 1 generated bill, got %v", got)
	}
	if got := testutil.ToFloat64(m.billsDeduplicated); got != 2 {
		t.Fatalf("expected 2 deduplicated bills, got %v", got)
	}
	if got := testutil.ToFloat64(m.payments.WithLabelValues(ResultAccepted)); got != 1 {
		t.Fatalf("expected 1 accepted payment, got %v", got)
	}
	if got := testutil.ToFloat64(m.ingestMessages.WithLabelValues("nack")); got != 1 {
		t.Fatalf("expected 1 nacked message, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveReading(SourceHTTP, nil)
	m.IncBillGenerated()
	m.ObservePayment(errors.New("boom"))
	m.ObserveIngest(false)
}
