package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/artifact"
	"github.com/septivank/water-metering-portal/internal/billing"
	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/septivank/water-metering-portal/internal/logging"
	"github.com/septivank/water-metering-portal/internal/metrics"
	"github.com/septivank/water-metering-portal/internal/mq"
	"github.com/septivank/water-metering-portal/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubmitReadingRequest is one meter-read event from a customer
type SubmitReadingRequest struct {
	CustomerID uuid.UUID
	// MeterID selects the meter; Nil means the customer's primary meter.
	MeterID uuid.UUID
	Value   decimal.Decimal
	// ReadAt defaults to the current time.
	ReadAt time.Time
	// Photo is uploaded before the ledger write. PhotoRef is used instead
	// when the photo was stored by the submitting client.
	Photo    *artifact.File
	PhotoRef string
	// IdempotencyKey makes resubmission return the committed reading.
	IdempotencyKey string
	Source         string
}

// ReadingResult is the committed reading and the bill generated from it
type ReadingResult struct {
	Reading  *db.Reading
	Bill     *db.Bill
	Replayed bool
}

// SubmitReading appends a reading to the meter's ledger, updates the meter
// cache and generates the bill, all in one transaction.
func (s *BillingService) SubmitReading(ctx context.Context, req SubmitReadingRequest) (*ReadingResult, error) {
	if req.Source == "" {
		req.Source = metrics.SourceHTTP
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.submitReading(ctx, req)
	err = finish(ctx, "submit reading", err)
	if err != nil {
		s.metrics.ObserveReading(req.Source, err)
		return nil, err
	}
	if result.Replayed {
		s.metrics.ObserveReplay(req.Source)
	} else {
		s.metrics.ObserveReading(req.Source, nil)
	}
	return result, nil
}

func (s *BillingService) submitReading(ctx context.Context, req SubmitReadingRequest) (*ReadingResult, error) {
	logger := logging.WithRequestID(logging.WithCustomer(s.logger, req.CustomerID.String()), req.IdempotencyKey)

	if req.Value.IsNegative() {
		return nil, fmt.Errorf("%w: reading %s is negative", billing.ErrValidation, req.Value)
	}
	if err := s.generator.CheckRate(); err != nil {
		return nil, err
	}

	meter, err := s.customerMeter(ctx, req.CustomerID, req.MeterID)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("meter_id", meter.ID.String()))

	if req.IdempotencyKey != "" {
		result, err := s.replay(ctx, req.CustomerID, meter.ID, req.IdempotencyKey)
		if err == nil {
			logger.Info("reading replayed", zap.String("reading_id", result.Reading.ID.String()))
			return result, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	now := s.clock.Now()
	readAt := req.ReadAt
	if readAt.IsZero() {
		readAt = now
	}
	readAt = readAt.UTC().Truncate(time.Microsecond)

	reading := &db.Reading{
		ID:        uuid.New(),
		MeterID:   meter.ID,
		ReadAt:    readAt,
		Value:     req.Value,
		CreatedAt: now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		reading.IdempotencyKey = &key
	}

	switch {
	case req.Photo != nil:
		key := artifact.Key("readings", fmt.Sprintf("%s-%d-%s", meter.ID, readAt.Unix(), uploadAttempt()), req.Photo.Name)
		ref, err := s.uploadArtifact(ctx, key, *req.Photo)
		if err != nil {
			logger.Warn("reading photo rejected", zap.Error(err))
			return nil, err
		}
		reading.PhotoRef = &ref
	case req.PhotoRef != "":
		ref := req.PhotoRef
		reading.PhotoRef = &ref
	}

	var bill *db.Bill
	var created bool
	err = s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		// Serializes appends per meter so previous stays the latest committed reading.
		if err := q.LockMeter(ctx, meter.ID); err != nil {
			return storeErr(err, billing.ErrMeterNotFound)
		}

		previous, err := q.LatestReading(ctx, meter.ID)
		if errors.Is(err, repository.ErrNotFound) {
			previous = nil
		} else if err != nil {
			return err
		}

		if previous != nil {
			if readAt.Equal(previous.ReadAt) {
				return fmt.Errorf("%w: meter %s already has a reading at %s",
					billing.ErrConcurrentModification, meter.ID, readAt.Format(time.RFC3339))
			}
			if readAt.Before(previous.ReadAt) {
				return fmt.Errorf("%w: %s is before %s",
					billing.ErrOutOfOrderReading, readAt.Format(time.RFC3339), previous.ReadAt.Format(time.RFC3339))
			}
		}

		usage, err := billing.CalculateUsage(meter, previous, req.Value)
		if err != nil {
			return err
		}
		reading.Usage = usage

		if previous != nil {
			if reason := s.detectSpike(ctx, q, meter.ID, usage); reason != "" {
				reading.AnomalyReason = &reason
			}
		}

		if err := q.InsertReading(ctx, reading); err != nil {
			return storeErr(err, billing.ErrMeterNotFound)
		}
		if err := q.UpdateMeterLastReading(ctx, meter.ID, reading.Value, reading.ReadAt); err != nil {
			return &billing.PartialWriteError{MeterID: meter.ID, ReadingID: reading.ID, Err: err}
		}

		bill, created, err = s.ensureBill(ctx, q, req.CustomerID, reading)
		return err
	})
	if err != nil && req.IdempotencyKey != "" && billing.IsConflict(err) {
		// lost a race against a submission with the same key
		if result, replayErr := s.replay(ctx, req.CustomerID, meter.ID, req.IdempotencyKey); replayErr == nil {
			logger.Info("reading replayed", zap.String("reading_id", result.Reading.ID.String()))
			return result, nil
		}
	}
	if err != nil {
		if billing.IsValidation(err) {
			logger.Warn("reading rejected", zap.Error(err))
		} else {
			logger.Error("failed to append reading", zap.Error(err))
		}
		return nil, err
	}

	logger.Info("reading accepted",
		zap.String("reading_id", reading.ID.String()),
		zap.String("usage", reading.Usage.String()),
		zap.String("bill_id", bill.ID.String()),
	)
	if reading.AnomalyReason != nil {
		s.metrics.IncUsageAnomaly()
		logger.Warn("usage anomaly flagged", zap.String("reason", *reading.AnomalyReason))
	}

	event := mq.BillingEvent{
		CustomerID: req.CustomerID.String(),
		MeterID:    meter.ID.String(),
		ReadingID:  reading.ID.String(),
		Usage:      reading.Usage.String(),
		OccurredAt: now,
	}
	if reading.AnomalyReason != nil {
		event.Anomaly = *reading.AnomalyReason
	}
	s.publish(ctx, logger, mq.RoutingKeyReadingAccepted, event)
	if created {
		s.billCreated(ctx, logger, meter.ID, bill)
	}

	return &ReadingResult{Reading: reading, Bill: bill}, nil
}

// replay returns the reading committed under key with its bill, or
// repository.ErrNotFound if key is unused.
func (s *BillingService) replay(ctx context.Context, customerID, meterID uuid.UUID, key string) (*ReadingResult, error) {
	reading, err := s.store.GetReadingByIdempotencyKey(ctx, meterID, key)
	if err != nil {
		return nil, err
	}
	bill, created, err := s.ensureBill(ctx, s.store, customerID, reading)
	if err != nil {
		return nil, err
	}
	if created {
		s.billCreated(ctx, s.logger, meterID, bill)
	}
	return &ReadingResult{Reading: reading, Bill: bill, Replayed: true}, nil
}

// detectSpike compares usage with the rolling history. The meter's first
// reading is excluded since its usage is the full meter value.
func (s *BillingService) detectSpike(ctx context.Context, q repository.Queries, meterID uuid.UUID, usage decimal.Decimal) string {
	if s.detector == nil {
		return ""
	}
	window := s.opts.HistoryWindow
	history, err := q.ListReadings(ctx, meterID, window+1)
	if err != nil {
		s.logger.Warn("failed to load usage history for anomaly detection", zap.Error(err))
		return ""
	}
	if len(history) <= window {
		history = history[:len(history)-1]
	} else {
		history = history[:window]
	}

	usages := make([]float64, 0, len(history))
	for _, rd := range history {
		usages = append(usages, rd.Usage.InexactFloat64())
	}
	if isAnomaly, reason := s.detector.DetectAnomaly(usage.InexactFloat64(), usages); isAnomaly {
		return reason
	}
	return ""
}

// ListReadings returns the ledger of the customer's meter, newest first
func (s *BillingService) ListReadings(ctx context.Context, customerID, meterID uuid.UUID, limit int) ([]db.Reading, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	meter, err := s.customerMeter(ctx, customerID, meterID)
	if err != nil {
		return nil, finish(ctx, "list readings", err)
	}
	readings, err := s.store.ListReadings(ctx, meter.ID, limit)
	if err != nil {
		return nil, finish(ctx, "list readings", err)
	}
	return readings, nil
}
