package billing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/rate"
	"github.com/shopspring/decimal"
)

// Sentinel errors, use with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrCustomerNotFound = fmt.Errorf("customer %w", ErrNotFound)
	ErrMeterNotFound    = fmt.Errorf("meter %w", ErrNotFound)
	ErrReadingNotFound  = fmt.Errorf("reading %w", ErrNotFound)
	ErrBillNotFound     = fmt.Errorf("bill %w", ErrNotFound)

	ErrValidation        = errors.New("validation failed")
	ErrRegressiveReading = fmt.Errorf("%w: regressive reading", ErrValidation)
	ErrOutOfOrderReading = fmt.Errorf("%w: reading precedes latest reading", ErrValidation)

	// Rate model errors are shared so callers only need this package.
	ErrInvalidUsage    = rate.ErrInvalidUsage
	ErrRateUnavailable = rate.ErrRateUnavailable

	ErrUpload                 = errors.New("upload rejected")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrTimeout                = errors.New("operation timed out")
	ErrPartialWrite           = errors.New("partial write")
)

// RegressiveReadingError reports a reading lower than the meter's previous one.
type RegressiveReadingError struct {
	MeterID  uuid.UUID
	Previous decimal.Decimal
	Current  decimal.Decimal
}

func (e *RegressiveReadingError) Error() string {
	return fmt.Sprintf("regressive reading on meter %s: current %s is below previous %s",
		e.MeterID, e.Current, e.Previous)
}

func (e *RegressiveReadingError) Unwrap() error {
	return ErrRegressiveReading
}

// UploadError reports an artifact the storage refused or failed to store.
type UploadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload %s failed: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("upload %s rejected: %s", e.Path, e.Reason)
}

func (e *UploadError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpload, e.Err}
	}
	return []error{ErrUpload}
}

// PartialWriteError reports a failed meter cache update after the reading
// insert succeeded. The enclosing transaction is rolled back.
type PartialWriteError struct {
	MeterID   uuid.UUID
	ReadingID uuid.UUID
	Err       error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("meter %s cache update failed after reading %s: %v", e.MeterID, e.ReadingID, e.Err)
}

func (e *PartialWriteError) Unwrap() []error {
	return []error{ErrPartialWrite, e.Err}
}

// IsNotFound returns true if the error indicates a missing customer, meter, reading or bill.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation returns true if the error is due to invalid client input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidUsage)
}

// IsConflict returns true if the error indicates a lost race or an illegal state transition.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
