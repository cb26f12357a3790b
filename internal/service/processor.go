package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/septivank/water-metering-portal/internal/billing"
	"github.com/septivank/water-metering-portal/internal/clock"
	"github.com/septivank/water-metering-portal/internal/logging"
	"github.com/septivank/water-metering-portal/internal/metrics"
	"github.com/septivank/water-metering-portal/internal/validator"
	"go.uber.org/zap"
)

// IngestMessage represents a reading submission received from RabbitMQ
type IngestMessage struct {
	RequestID  string    `json:"request_id"`
	CustomerID string    `json:"customer_id"`
	MeterID    string    `json:"meter_id,omitempty"`
	Reading    string    `json:"reading"`
	Date       string    `json:"date,omitempty"`
	PhotoRef   string    `json:"photo_ref,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ProcessorService turns queued reading submissions into ledger entries
type ProcessorService struct {
	billing   *BillingService
	validator *validator.Validator
	clock     clock.Clock
	logger    *zap.Logger
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	billingService *BillingService,
	validator *validator.Validator,
	clk clock.Clock,
	logger *zap.Logger,
) *ProcessorService {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ProcessorService{
		billing:   billingService,
		validator: validator,
		clock:     clk,
		logger:    logger,
	}
}

// ProcessMessage processes one queued reading. Any returned error dead-letters
// the message; a resubmitted request_id is acknowledged without a new reading.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	reqLogger := logging.WithRequestID(s.logger, msg.RequestID)
	reqLogger.Info("processing reading submission",
		zap.String("customer_id", msg.CustomerID),
		zap.String("meter_id", msg.MeterID),
	)

	if strings.TrimSpace(msg.RequestID) == "" {
		return fmt.Errorf("%w: request_id is required", billing.ErrValidation)
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.clock.Now()
	}

	valid, result := s.validator.ValidateReading(validator.ReadingData{
		CustomerID: msg.CustomerID,
		MeterID:    msg.MeterID,
		Date:       msg.Date,
		Reading:    msg.Reading,
	}, receivedAt)
	if !result.IsValid {
		reqLogger.Warn("reading submission invalid", zap.String("reason", result.Reason))
		return fmt.Errorf("%w: %s", billing.ErrValidation, result.Reason)
	}

	res, err := s.billing.SubmitReading(ctx, SubmitReadingRequest{
		CustomerID:     valid.CustomerID,
		MeterID:        valid.MeterID,
		Value:          valid.Value,
		ReadAt:         valid.ReadAt,
		PhotoRef:       msg.PhotoRef,
		IdempotencyKey: msg.RequestID,
		Source:         metrics.SourceQueue,
	})
	if err != nil {
		reqLogger.Error("failed to submit queued reading", zap.Error(err))
		return fmt.Errorf("failed to submit reading: %w", err)
	}

	reqLogger.Info("message processed successfully",
		zap.String("reading_id", res.Reading.ID.String()),
		zap.String("bill_id", res.Bill.ID.String()),
		zap.Bool("replayed", res.Replayed),
	)
	return nil
}
