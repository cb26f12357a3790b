package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/septivank/water-metering-portal/internal/anomaly"
	"github.com/septivank/water-metering-portal/internal/artifact"
	"github.com/septivank/water-metering-portal/internal/billing"
	"github.com/septivank/water-metering-portal/internal/clock"
	"github.com/septivank/water-metering-portal/internal/metrics"
	"github.com/septivank/water-metering-portal/internal/rate"
	"github.com/septivank/water-metering-portal/internal/repository"
	"github.com/septivank/water-metering-portal/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testUser = "auth0|siti"

var pngData = []byte("\x89PNG\r\n\x1a\n0000000000")

type testServer struct {
	router http.Handler
	clock  *clock.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	clk := clock.NewFake(time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC))
	registry := prometheus.NewRegistry()
	svc := service.NewBillingService(
		repository.NewMemory(),
		artifact.NewMemory(),
		nil,
		billing.NewGenerator(rate.NewModel(decimal.RequireFromString("1666.67"), "IDR"), 30*24*time.Hour),
		anomaly.NewDetector(3.0, 3),
		clk,
		metrics.New(registry, "test"),
		zap.NewNop(),
		service.Options{OperationTimeout: 5 * time.Second, UploadPolicy: artifact.ImagePolicy(1 << 10)},
	)
	h := &Handler{Service: svc, Logger: zap.NewNop(), MaxUploadBytes: 1 << 10}
	router := NewRouter(h, RouterConfig{
		AllowedOrigins: []string{"http://localhost:5173"},
		Gatherer:       registry,
		Logger:         zap.NewNop(),
	})
	return &testServer{router: router, clock: clk}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserIDHeader, testUser)
	return req
}

func multipartRequest(t *testing.T, path string, fields map[string]string, fileField, fileName string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(UserIDHeader, testUser)
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// onboard registers the test user and a meter.
func (s *testServer) onboard(t *testing.T) MeterDTO {
	t.Helper()
	rec := s.do(t, jsonRequest(t, http.MethodPost, "/api/customers", CreateCustomerRequest{
		FullName: "Siti Rahma",
		Address:  "Jl. Merdeka 10, Bandung",
		Phone:    "+62 812 0000 0000",
		Email:    "siti@example.com",
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, jsonRequest(t, http.MethodPost, "/api/meters", RegisterMeterRequest{
		SerialNumber: "WM-2024-0001",
		InstalledOn:  "2023-06-15",
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[MeterDTO](t, rec)
}

func (s *testServer) submitReading(t *testing.T, value string) *httptest.ResponseRecorder {
	t.Helper()
	s.clock.Advance(24 * time.Hour)
	return s.do(t, multipartRequest(t, "/api/readings", map[string]string{"reading": value}, "", "", nil))
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "water_portal_bills_generated_total")
}

func TestIdentityRequired(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	rec := s.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, jsonRequest(t, http.MethodGet, "/api/profile", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "user has not onboarded")
}

func TestOnboardingAndProfile(t *testing.T) {
	s := newTestServer(t)
	meter := s.onboard(t)

	rec := s.do(t, jsonRequest(t, http.MethodGet, "/api/profile", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	profile := decode[ProfileDTO](t, rec)
	assert.Equal(t, "Siti Rahma", profile.Customer.FullName)
	require.NotNil(t, profile.Meter)
	assert.Equal(t, meter.ID, profile.Meter.ID)
	assert.Equal(t, "2023-06-15", profile.Meter.InstalledOn)

	rec = s.do(t, jsonRequest(t, http.MethodPost, "/api/customers", CreateCustomerRequest{
		FullName: "Again", Address: "x", Phone: "1",
	}))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, jsonRequest(t, http.MethodPost, "/api/meters", RegisterMeterRequest{
		SerialNumber: "WM-2", InstalledOn: "last summer",
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadingToPaymentFlow(t *testing.T) {
	s := newTestServer(t)
	s.onboard(t)

	rec := s.submitReading(t, "135")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.submitReading(t, "150")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	submitted := decode[SubmitReadingResponse](t, rec)
	assert.True(t, submitted.Reading.Usage.Equal(decimal.NewFromInt(15)))
	assert.True(t, submitted.Bill.Amount.Equal(decimal.RequireFromString("25000.05")))
	assert.Equal(t, "unpaid", submitted.Bill.Status)

	rec = s.submitReading(t, "120")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "regressive reading")

	rec = s.do(t, jsonRequest(t, http.MethodGet, "/api/readings", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	readings := decode[[]ReadingDTO](t, rec)
	require.Len(t, readings, 2)
	assert.Equal(t, submitted.Reading.ID, readings[0].ID)

	billPath := "/api/bills/" + submitted.Bill.ID
	rec = s.do(t, multipartRequest(t, billPath+"/payment",
		map[string]string{"method": "bank_transfer"}, "proof", "transfer.png", pngData))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decode[BillDTO](t, rec)
	assert.Equal(t, "paid", paid.Status)
	require.NotNil(t, paid.ProofRef)
	assert.True(t, strings.HasSuffix(*paid.ProofRef, "-transfer.png"))

	rec = s.do(t, multipartRequest(t, billPath+"/payment",
		map[string]string{"method": "bank_transfer"}, "proof", "again.png", pngData))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, jsonRequest(t, http.MethodGet, billPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paid", decode[BillDTO](t, rec).Status)

	rec = s.do(t, jsonRequest(t, http.MethodGet, "/api/bills", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]BillDTO](t, rec), 2)
}

func TestSubmitReading_IdempotencyKeyHeader(t *testing.T) {
	s := newTestServer(t)
	s.onboard(t)
	s.clock.Advance(time.Hour)

	first := multipartRequest(t, "/api/readings", map[string]string{"reading": "150"}, "", "", nil)
	first.Header.Set("Idempotency-Key", "form-submit-1")
	rec := s.do(t, first)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	original := decode[SubmitReadingResponse](t, rec)

	second := multipartRequest(t, "/api/readings", map[string]string{"reading": "150"}, "", "", nil)
	second.Header.Set("Idempotency-Key", "form-submit-1")
	rec = s.do(t, second)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replayed := decode[SubmitReadingResponse](t, rec)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, original.Bill.ID, replayed.Bill.ID)
}

func TestSubmitReading_PhotoUpload(t *testing.T) {
	s := newTestServer(t)
	s.onboard(t)
	s.clock.Advance(time.Hour)

	rec := s.do(t, multipartRequest(t, "/api/readings",
		map[string]string{"reading": "150", "read_at": "01/07/2024 09:30:00"}, "photo", "meter.png", pngData))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[SubmitReadingResponse](t, rec)
	require.NotNil(t, res.Reading.PhotoRef)
	assert.Contains(t, *res.Reading.PhotoRef, "readings/")

	s.clock.Advance(time.Hour)
	rec = s.do(t, multipartRequest(t, "/api/readings",
		map[string]string{"reading": "160"}, "photo", "meter.txt", []byte("plain text")))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitReading_BadInput(t *testing.T) {
	s := newTestServer(t)
	s.onboard(t)

	rec := s.submitReading(t, "a lot")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.submitReading(t, "-5")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, multipartRequest(t, "/api/readings",
		map[string]string{"reading": "10", "meter_id": "not-a-uuid"}, "", "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDashboard(t *testing.T) {
	s := newTestServer(t)
	s.onboard(t)

	rec := s.do(t, jsonRequest(t, http.MethodGet, "/api/dashboard", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decode[DashboardDTO](t, rec)
	assert.Nil(t, empty.LatestBill)
	assert.Nil(t, empty.DaysUntilDue)

	require.Equal(t, http.StatusCreated, s.submitReading(t, "150").Code)

	for i := 0; i < 2; i++ {
		rec = s.do(t, jsonRequest(t, http.MethodGet, "/api/dashboard", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	d := decode[DashboardDTO](t, rec)
	require.NotNil(t, d.LatestBill)
	require.NotNil(t, d.DaysUntilDue)
	assert.Equal(t, 30, *d.DaysUntilDue)
	assert.True(t, d.CurrentUsage.Equal(decimal.NewFromInt(150)))

	rec = s.do(t, jsonRequest(t, http.MethodGet, "/api/bills", nil))
	assert.Len(t, decode[[]BillDTO](t, rec), 1)
}

func TestGetBill_NotFound(t *testing.T) {
	s := newTestServer(t)
	s.onboard(t)

	rec := s.do(t, jsonRequest(t, http.MethodGet, "/api/bills/not-a-uuid", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, jsonRequest(t, http.MethodGet, "/api/bills/6f1c2a8e-0000-4000-8000-000000000000", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		billing.ErrBillNotFound:           http.StatusNotFound,
		billing.ErrRegressiveReading:      http.StatusBadRequest,
		billing.ErrInvalidUsage:           http.StatusBadRequest,
		&billing.UploadError{Path: "p"}:   http.StatusUnprocessableEntity,
		billing.ErrConcurrentModification: http.StatusConflict,
		billing.ErrRateUnavailable:        http.StatusServiceUnavailable,
		billing.ErrTimeout:                http.StatusGatewayTimeout,
		billing.ErrPartialWrite:           http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
