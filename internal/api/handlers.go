package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/artifact"
	"github.com/septivank/water-metering-portal/internal/billing"
	"github.com/septivank/water-metering-portal/internal/logging"
	"github.com/septivank/water-metering-portal/internal/metrics"
	"github.com/septivank/water-metering-portal/internal/service"
	"github.com/septivank/water-metering-portal/tools/timeparser"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	multipartSlack   = 1 << 20
)

// Handler serves the portal API on top of the billing service
type Handler struct {
	Service        *service.BillingService
	Logger         *zap.Logger
	MaxUploadBytes int64
}

// =============================================================================
// CUSTOMER ENDPOINTS
// =============================================================================

// CreateCustomer onboards the authenticated user.
// POST /api/customers
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	customer, err := h.Service.RegisterCustomer(r.Context(), service.RegisterCustomerRequest{
		UserID:   userIDFrom(r.Context()),
		FullName: req.FullName,
		Address:  req.Address,
		Phone:    req.Phone,
		Email:    req.Email,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to create customer", err)
		return
	}

	writeJSON(w, http.StatusCreated, toCustomerDTO(customer))
}

// GetProfile returns the customer and their meter.
// GET /api/profile
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.Service.Profile(r.Context(), customerFrom(r.Context()).ID)
	if err != nil {
		h.writeServiceError(w, r, "Failed to load profile", err)
		return
	}

	writeJSON(w, http.StatusOK, ProfileDTO{
		Customer: toCustomerDTO(profile.Customer),
		Meter:    toMeterDTO(profile.Meter),
	})
}

// RegisterMeter records the customer's meter.
// POST /api/meters
func (h *Handler) RegisterMeter(w http.ResponseWriter, r *http.Request) {
	var req RegisterMeterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	installedOn, err := timeparser.ParseDate(req.InstalledOn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid installation date", err)
		return
	}

	meter, err := h.Service.RegisterMeter(r.Context(), service.RegisterMeterRequest{
		CustomerID:   customerFrom(r.Context()).ID,
		SerialNumber: req.SerialNumber,
		InstalledOn:  installedOn,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to register meter", err)
		return
	}

	writeJSON(w, http.StatusCreated, toMeterDTO(meter))
}

// GetDashboard returns the customer's landing view.
// GET /api/dashboard
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	dashboard, err := h.Service.Dashboard(r.Context(), customerFrom(r.Context()).ID)
	if err != nil {
		h.writeServiceError(w, r, "Failed to load dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, toDashboardDTO(dashboard))
}

// =============================================================================
// READING ENDPOINTS
// =============================================================================

// ListReadings returns the meter's ledger, newest first.
// GET /api/readings?meter_id=&limit=
func (h *Handler) ListReadings(w http.ResponseWriter, r *http.Request) {
	meterID, err := optionalUUID(r.URL.Query().Get("meter_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid meter_id", err)
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	readings, err := h.Service.ListReadings(r.Context(), customerFrom(r.Context()).ID, meterID, limit)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list readings", err)
		return
	}
	writeJSON(w, http.StatusOK, toReadingDTOs(readings))
}

// SubmitReading appends a reading and returns it with its bill.
// POST /api/readings (multipart: reading, read_at, meter_id, photo)
func (h *Handler) SubmitReading(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		writeMultipartError(w, err)
		return
	}

	value, err := decimal.NewFromString(strings.TrimSpace(r.FormValue("reading")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reading value", err)
		return
	}
	meterID, err := optionalUUID(r.FormValue("meter_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid meter_id", err)
		return
	}

	req := service.SubmitReadingRequest{
		CustomerID:     customerFrom(r.Context()).ID,
		MeterID:        meterID,
		Value:          value,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		Source:         metrics.SourceHTTP,
	}
	if readAt := strings.TrimSpace(r.FormValue("read_at")); readAt != "" {
		req.ReadAt, err = timeparser.ParseReadingTimestamp(readAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid read_at", err)
			return
		}
	}

	photo, err := h.formFile(r, "photo")
	if err != nil {
		h.writeServiceError(w, r, "Failed to read photo", err)
		return
	}
	req.Photo = photo

	result, err := h.Service.SubmitReading(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "Failed to submit reading", err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, SubmitReadingResponse{
		Reading:  toReadingDTO(result.Reading),
		Bill:     toBillDTO(result.Bill),
		Replayed: result.Replayed,
	})
}

// =============================================================================
// BILL ENDPOINTS
// =============================================================================

// ListBills returns the customer's bills, newest first.
// GET /api/bills?limit=
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	bills, err := h.Service.ListBills(r.Context(), customerFrom(r.Context()).ID, limit)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list bills", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTOs(bills))
}

// GetBill returns a single bill.
// GET /api/bills/{id}
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	billID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Bill not found", nil)
		return
	}
	bill, err := h.Service.GetBill(r.Context(), customerFrom(r.Context()).ID, billID)
	if err != nil {
		h.writeServiceError(w, r, "Failed to get bill", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTO(bill))
}

// SubmitPayment uploads a payment proof and marks the bill paid.
// POST /api/bills/{id}/payment (multipart: method, proof)
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	billID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Bill not found", nil)
		return
	}
	if err := h.parseMultipart(w, r); err != nil {
		writeMultipartError(w, err)
		return
	}

	proof, err := h.formFile(r, "proof")
	if err != nil {
		h.writeServiceError(w, r, "Failed to read payment proof", err)
		return
	}
	if proof == nil {
		writeError(w, http.StatusBadRequest, "Payment proof is required", nil)
		return
	}

	bill, err := h.Service.SubmitPayment(r.Context(), service.SubmitPaymentRequest{
		CustomerID: customerFrom(r.Context()).ID,
		BillID:     billID,
		Method:     r.FormValue("method"),
		Proof:      *proof,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to submit payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTO(bill))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes+multipartSlack)
	return r.ParseMultipartForm(h.MaxUploadBytes + multipartSlack)
}

func writeMultipartError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "Upload too large", err)
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid multipart form", err)
}

// formFile reads an optional uploaded file. It returns nil when the field is absent.
func (h *Handler) formFile(r *http.Request, field string) (*artifact.File, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, &billing.UploadError{Path: field, Reason: "unreadable", Err: err}
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.MaxUploadBytes+1))
	if err != nil {
		return nil, &billing.UploadError{Path: header.Filename, Reason: "unreadable", Err: err}
	}
	return &artifact.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func optionalUUID(value string) (uuid.UUID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(value)
}

func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

// statusFor maps the billing error taxonomy to an HTTP status
func statusFor(err error) int {
	switch {
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case billing.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrUpload):
		return http.StatusUnprocessableEntity
	case billing.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, billing.ErrRateUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, billing.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.WithRequestID(h.Logger, middleware.GetReqID(r.Context())).Error(message, zap.Error(err))
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
