// Package service orchestrates the metering-to-billing lifecycle on top of
// a repository.Store and an artifact.Store. Both the HTTP API and the ingest
// queue call into BillingService.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/anomaly"
	"github.com/septivank/water-metering-portal/internal/artifact"
	"github.com/septivank/water-metering-portal/internal/billing"
	"github.com/septivank/water-metering-portal/internal/clock"
	"github.com/septivank/water-metering-portal/internal/metrics"
	"github.com/septivank/water-metering-portal/internal/mq"
	"github.com/septivank/water-metering-portal/internal/repository"
	"go.uber.org/zap"
)

// EventPublisher delivers billing events after the owning transaction commits
type EventPublisher interface {
	PublishEvent(ctx context.Context, routingKey string, event mq.BillingEvent) error
}

// Options holds the non-collaborator settings of BillingService
type Options struct {
	// OperationTimeout bounds every operation; zero disables the bound.
	OperationTimeout time.Duration
	UploadPolicy     artifact.Policy
	// HistoryWindow is how many prior usages feed spike detection.
	HistoryWindow int
	// DashboardHistory is how many readings the dashboard lists.
	DashboardHistory int
}

// BillingService implements customer onboarding, reading submission,
// bill generation and payment reconciliation
type BillingService struct {
	store     repository.Store
	artifacts artifact.Store
	publisher EventPublisher
	generator *billing.Generator
	detector  *anomaly.Detector
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options
}

// NewBillingService creates a billing service. publisher, detector and m may be nil.
func NewBillingService(
	store repository.Store,
	artifacts artifact.Store,
	publisher EventPublisher,
	generator *billing.Generator,
	detector *anomaly.Detector,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts Options,
) *BillingService {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 10
	}
	if opts.DashboardHistory <= 0 {
		opts.DashboardHistory = 6
	}
	return &BillingService{
		store:     store,
		artifacts: artifacts,
		publisher: publisher,
		generator: generator,
		detector:  detector,
		clock:     clk,
		metrics:   m,
		logger:    logger,
		opts:      opts,
	}
}

func (s *BillingService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.OperationTimeout)
}

// finish converts an expired operation deadline into ErrTimeout.
func finish(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, billing.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, billing.ErrTimeout, err)
	}
	return err
}

// storeErr translates repository sentinels into the billing taxonomy.
// notFound is the entity-specific NotFound sentinel for the lookup.
func storeErr(err, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return notFound
	case errors.Is(err, repository.ErrDuplicate), errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %v", billing.ErrConcurrentModification, err)
	default:
		return err
	}
}

func (s *BillingService) publish(ctx context.Context, logger *zap.Logger, routingKey string, event mq.BillingEvent) {
	if s.publisher == nil {
		return
	}
	// Log error but don't fail the committed operation
	if err := s.publisher.PublishEvent(ctx, routingKey, event); err != nil {
		logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("routing_key", routingKey),
		)
	}
}

// uploadAttempt keeps keys of retried uploads distinct; stores never overwrite.
func uploadAttempt() string {
	return uuid.NewString()
}

func (s *BillingService) uploadArtifact(ctx context.Context, key string, file artifact.File) (string, error) {
	contentType, err := s.opts.UploadPolicy.Check(file)
	if err != nil {
		return "", &billing.UploadError{Path: key, Reason: "rejected", Err: err}
	}
	ref, err := s.artifacts.Upload(ctx, key, file.Data, contentType)
	if err != nil {
		return "", &billing.UploadError{Path: key, Reason: "storage failed", Err: err}
	}
	return ref, nil
}
