package service

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/billing"
	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/septivank/water-metering-portal/internal/logging"
	"go.uber.org/zap"
)

// RegisterCustomerRequest onboards the account holder behind an authenticated user id
type RegisterCustomerRequest struct {
	UserID   string
	FullName string
	Address  string
	Phone    string
	Email    string
}

// RegisterMeterRequest assigns a meter to a customer
type RegisterMeterRequest struct {
	CustomerID   uuid.UUID
	SerialNumber string
	InstalledOn  time.Time
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", billing.ErrValidation, field)
	}
	return nil
}

// RegisterCustomer creates the customer for req.UserID. A second
// registration for the same user fails with ErrConcurrentModification.
func (s *BillingService) RegisterCustomer(ctx context.Context, req RegisterCustomerRequest) (*db.Customer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, f := range []struct{ name, value string }{
		{"user id", req.UserID},
		{"full name", req.FullName},
		{"address", req.Address},
		{"phone", req.Phone},
	} {
		if err := required(f.name, f.value); err != nil {
			return nil, err
		}
	}
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			return nil, fmt.Errorf("%w: invalid email: %v", billing.ErrValidation, err)
		}
	}

	customer := &db.Customer{
		ID:        uuid.New(),
		UserID:    req.UserID,
		FullName:  strings.TrimSpace(req.FullName),
		Address:   strings.TrimSpace(req.Address),
		Phone:     strings.TrimSpace(req.Phone),
		Email:     strings.TrimSpace(req.Email),
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.InsertCustomer(ctx, customer); err != nil {
		return nil, finish(ctx, "register customer", storeErr(err, billing.ErrCustomerNotFound))
	}

	logging.WithCustomer(s.logger, customer.ID.String()).Info("customer registered")
	return customer, nil
}

// CustomerByUser resolves the customer of an authenticated user id
func (s *BillingService) CustomerByUser(ctx context.Context, userID string) (*db.Customer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	customer, err := s.store.GetCustomerByUserID(ctx, userID)
	if err != nil {
		return nil, finish(ctx, "get customer", storeErr(err, billing.ErrCustomerNotFound))
	}
	return customer, nil
}

// Profile is the customer's account page
type Profile struct {
	Customer *db.Customer
	Meter    *db.Meter
}

// Profile returns the customer and their primary meter, if any
func (s *BillingService) Profile(ctx context.Context, customerID uuid.UUID) (*Profile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	customer, err := s.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, finish(ctx, "profile", storeErr(err, billing.ErrCustomerNotFound))
	}
	meter, err := s.primaryMeter(ctx, customerID)
	if err != nil && !billing.IsNotFound(err) {
		return nil, finish(ctx, "profile", err)
	}
	return &Profile{Customer: customer, Meter: meter}, nil
}

// RegisterMeter records the meter serial number and installation date for a customer
func (s *BillingService) RegisterMeter(ctx context.Context, req RegisterMeterRequest) (*db.Meter, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := required("serial number", req.SerialNumber); err != nil {
		return nil, err
	}
	if req.InstalledOn.IsZero() {
		return nil, fmt.Errorf("%w: installation date is required", billing.ErrValidation)
	}
	now := s.clock.Now()
	if req.InstalledOn.After(now) {
		return nil, fmt.Errorf("%w: installation date %s is in the future", billing.ErrValidation, req.InstalledOn.Format("2006-01-02"))
	}

	if _, err := s.store.GetCustomer(ctx, req.CustomerID); err != nil {
		return nil, finish(ctx, "register meter", storeErr(err, billing.ErrCustomerNotFound))
	}

	meter := &db.Meter{
		ID:           uuid.New(),
		CustomerID:   req.CustomerID,
		SerialNumber: strings.TrimSpace(req.SerialNumber),
		InstalledOn:  req.InstalledOn,
		CreatedAt:    now,
	}
	if err := s.store.InsertMeter(ctx, meter); err != nil {
		return nil, finish(ctx, "register meter", storeErr(err, billing.ErrCustomerNotFound))
	}

	logging.WithCustomer(s.logger, req.CustomerID.String()).Info("meter registered",
		zap.String("meter_id", meter.ID.String()),
		zap.String("serial_number", meter.SerialNumber),
	)
	return meter, nil
}

func (s *BillingService) primaryMeter(ctx context.Context, customerID uuid.UUID) (*db.Meter, error) {
	meter, err := s.store.GetPrimaryMeter(ctx, customerID)
	if err != nil {
		return nil, storeErr(err, billing.ErrMeterNotFound)
	}
	return meter, nil
}

// customerMeter loads meterID, or the primary meter when meterID is Nil,
// and checks that it belongs to customerID.
func (s *BillingService) customerMeter(ctx context.Context, customerID, meterID uuid.UUID) (*db.Meter, error) {
	if meterID == uuid.Nil {
		return s.primaryMeter(ctx, customerID)
	}
	meter, err := s.store.GetMeter(ctx, meterID)
	if err != nil {
		return nil, storeErr(err, billing.ErrMeterNotFound)
	}
	if meter.CustomerID != customerID {
		return nil, billing.ErrMeterNotFound
	}
	return meter, nil
}
