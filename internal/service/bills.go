package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/artifact"
	"github.com/septivank/water-metering-portal/internal/billing"
	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/septivank/water-metering-portal/internal/logging"
	"github.com/septivank/water-metering-portal/internal/mq"
	"github.com/septivank/water-metering-portal/internal/repository"
	"go.uber.org/zap"
)

// PaymentMethodBankTransfer is the only payment method offered.
const PaymentMethodBankTransfer = "bank_transfer"

var paymentMethods = map[string]bool{
	PaymentMethodBankTransfer: true,
}

// ensureBill returns the bill of reading, generating it if none exists.
// created reports whether this call inserted it.
func (s *BillingService) ensureBill(ctx context.Context, q repository.Queries, customerID uuid.UUID, reading *db.Reading) (*db.Bill, bool, error) {
	existing, err := q.GetBillByReading(ctx, reading.ID)
	if err == nil {
		s.metrics.IncBillDeduplicated()
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	bill, err := s.generator.Build(customerID, reading, s.clock.Now())
	if err != nil {
		return nil, false, err
	}
	if err := q.InsertBill(ctx, bill); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, false, err
		}
		// a concurrent caller generated it first
		existing, getErr := q.GetBillByReading(ctx, reading.ID)
		if getErr != nil {
			return nil, false, storeErr(getErr, billing.ErrBillNotFound)
		}
		s.metrics.IncBillDeduplicated()
		return existing, false, nil
	}

	s.metrics.IncBillGenerated()
	return bill, true, nil
}

func (s *BillingService) billCreated(ctx context.Context, logger *zap.Logger, meterID uuid.UUID, bill *db.Bill) {
	logger.Info("bill generated",
		zap.String("bill_id", bill.ID.String()),
		zap.String("amount", bill.Amount.String()),
		zap.Time("due_at", bill.DueAt),
	)
	s.publish(ctx, logger, mq.RoutingKeyBillGenerated, mq.BillingEvent{
		CustomerID: bill.CustomerID.String(),
		MeterID:    meterID.String(),
		ReadingID:  bill.ReadingID.String(),
		BillID:     bill.ID.String(),
		Usage:      bill.Usage.String(),
		Amount:     bill.Amount.String(),
		Currency:   bill.Currency,
		Status:     string(bill.Status),
		OccurredAt: bill.IssuedAt,
	})
}

// EnsureBill returns the bill generated from readingID, generating it if
// missing. Repeated calls for the same reading return the same bill.
func (s *BillingService) EnsureBill(ctx context.Context, customerID, readingID uuid.UUID) (*db.Bill, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	bill, err := s.ensureBillFor(ctx, customerID, readingID)
	return bill, finish(ctx, "ensure bill", err)
}

func (s *BillingService) ensureBillFor(ctx context.Context, customerID, readingID uuid.UUID) (*db.Bill, error) {
	reading, err := s.store.GetReading(ctx, readingID)
	if err != nil {
		return nil, storeErr(err, billing.ErrReadingNotFound)
	}
	meter, err := s.store.GetMeter(ctx, reading.MeterID)
	if err != nil {
		return nil, storeErr(err, billing.ErrReadingNotFound)
	}
	if meter.CustomerID != customerID {
		return nil, billing.ErrReadingNotFound
	}

	bill, created, err := s.ensureBill(ctx, s.store, customerID, reading)
	if err != nil {
		return nil, err
	}
	if created {
		s.billCreated(ctx, logging.WithCustomer(s.logger, customerID.String()), meter.ID, bill)
	}
	return bill, nil
}

// GetBill returns one of the customer's bills
func (s *BillingService) GetBill(ctx context.Context, customerID, billID uuid.UUID) (*db.Bill, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	bill, err := s.customerBill(ctx, customerID, billID)
	return bill, finish(ctx, "get bill", err)
}

func (s *BillingService) customerBill(ctx context.Context, customerID, billID uuid.UUID) (*db.Bill, error) {
	bill, err := s.store.GetBill(ctx, billID)
	if err != nil {
		return nil, storeErr(err, billing.ErrBillNotFound)
	}
	if bill.CustomerID != customerID {
		return nil, billing.ErrBillNotFound
	}
	return bill, nil
}

// ListBills returns the customer's bills, newest first
func (s *BillingService) ListBills(ctx context.Context, customerID uuid.UUID, limit int) ([]db.Bill, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	bills, err := s.store.ListBills(ctx, customerID, limit)
	if err != nil {
		return nil, finish(ctx, "list bills", err)
	}
	return bills, nil
}

// SubmitPaymentRequest carries a payment proof for a bill
type SubmitPaymentRequest struct {
	CustomerID uuid.UUID
	BillID     uuid.UUID
	Method     string
	Proof      artifact.File
}

// SubmitPayment uploads the proof and marks the bill paid. The bill is not
// touched when the upload fails, and a paid bill is rejected before upload.
func (s *BillingService) SubmitPayment(ctx context.Context, req SubmitPaymentRequest) (*db.Bill, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	bill, err := s.submitPayment(ctx, req)
	err = finish(ctx, "submit payment", err)
	s.metrics.ObservePayment(err)
	return bill, err
}

func (s *BillingService) submitPayment(ctx context.Context, req SubmitPaymentRequest) (*db.Bill, error) {
	logger := logging.WithCustomer(s.logger, req.CustomerID.String()).With(zap.String("bill_id", req.BillID.String()))

	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = PaymentMethodBankTransfer
	}
	if !paymentMethods[method] {
		return nil, fmt.Errorf("%w: unsupported payment method %q", billing.ErrValidation, method)
	}

	bill, err := s.customerBill(ctx, req.CustomerID, req.BillID)
	if err != nil {
		return nil, err
	}
	if _, err := billing.NextStatus(bill.Status, billing.EventProofAccepted); err != nil {
		logger.Warn("payment rejected", zap.Error(err))
		return nil, err
	}

	key := artifact.Key("proofs", bill.ID.String()+"-"+uploadAttempt(), req.Proof.Name)
	proofRef, err := s.uploadArtifact(ctx, key, req.Proof)
	if err != nil {
		logger.Warn("payment proof rejected", zap.Error(err))
		return nil, err
	}

	now := s.clock.Now()
	var paid *db.Bill
	err = s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		updated, err := q.MarkBillPaid(ctx, bill.ID, proofRef, now)
		if err != nil {
			return storeErr(err, billing.ErrBillNotFound)
		}
		proof := &db.PaymentProof{
			ID:          uuid.New(),
			BillID:      bill.ID,
			Method:      method,
			ArtifactRef: proofRef,
			CreatedAt:   now,
		}
		if err := q.InsertPaymentProof(ctx, proof); err != nil {
			return storeErr(err, billing.ErrBillNotFound)
		}
		paid = updated
		return nil
	})
	if err != nil {
		logger.Error("failed to mark bill paid", zap.Error(err), zap.String("proof_ref", proofRef))
		return nil, err
	}

	logger.Info("bill paid", zap.String("proof_ref", proofRef))
	s.publish(ctx, logger, mq.RoutingKeyBillPaid, mq.BillingEvent{
		CustomerID: paid.CustomerID.String(),
		ReadingID:  paid.ReadingID.String(),
		BillID:     paid.ID.String(),
		Amount:     paid.Amount.String(),
		Currency:   paid.Currency,
		Status:     string(paid.Status),
		OccurredAt: now,
	})
	return paid, nil
}
