package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/billing"
	"github.com/septivank/water-metering-portal/internal/validator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProcessor(env *testEnv) *ProcessorService {
	return NewProcessorService(env.svc, validator.NewValidator(60), env.clock, zap.NewNop())
}

func ingestBody(t *testing.T, msg IngestMessage) []byte {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func TestProcessMessage_AcceptsReading(t *testing.T) {
	env := newTestEnv(t)
	processor := newTestProcessor(env)
	env.clock.Advance(time.Hour)
	now := env.clock.Now()

	err := processor.ProcessMessage(context.Background(), ingestBody(t, IngestMessage{
		RequestID:  uuid.NewString(),
		CustomerID: env.customer.ID.String(),
		MeterID:    env.meter.ID.String(),
		Reading:    "[150]",
		Date:       now.Add(-5 * time.Minute).Format("02/01/2006 15:04:05"),
		PhotoRef:   "s3://water-portal-artifacts/readings/field-app.jpg",
		ReceivedAt: now,
	}))
	require.NoError(t, err)

	latest, err := env.store.LatestReading(context.Background(), env.meter.ID)
	require.NoError(t, err)
	assert.True(t, latest.Value.Equal(decimal.NewFromInt(150)))
	assert.True(t, latest.ReadAt.Equal(now.Add(-5*time.Minute)))
	require.NotNil(t, latest.PhotoRef)
	assert.Equal(t, "s3://water-portal-artifacts/readings/field-app.jpg", *latest.PhotoRef)
	assert.Len(t, env.bills(t), 1)
}

func TestProcessMessage_RedeliveryIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	processor := newTestProcessor(env)
	env.clock.Advance(time.Hour)

	body := ingestBody(t, IngestMessage{
		RequestID:  "9b1f0c52-redelivered",
		CustomerID: env.customer.ID.String(),
		Reading:    "150",
		ReceivedAt: env.clock.Now(),
	})

	require.NoError(t, processor.ProcessMessage(context.Background(), body))
	env.clock.Advance(time.Minute)
	require.NoError(t, processor.ProcessMessage(context.Background(), body))

	readings, err := env.store.ListReadings(context.Background(), env.meter.ID, 0)
	require.NoError(t, err)
	assert.Len(t, readings, 1)
	assert.Len(t, env.bills(t), 1)
}

func TestProcessMessage_Rejections(t *testing.T) {
	env := newTestEnv(t)
	processor := newTestProcessor(env)
	env.clock.Advance(time.Hour)
	now := env.clock.Now()

	err := processor.ProcessMessage(context.Background(), []byte("{not json"))
	assert.Error(t, err)

	err = processor.ProcessMessage(context.Background(), ingestBody(t, IngestMessage{
		CustomerID: env.customer.ID.String(),
		Reading:    "150",
		ReceivedAt: now,
	}))
	assert.ErrorIs(t, err, billing.ErrValidation, "request_id is required")

	err = processor.ProcessMessage(context.Background(), ingestBody(t, IngestMessage{
		RequestID:  uuid.NewString(),
		CustomerID: env.customer.ID.String(),
		Reading:    "-3",
		ReceivedAt: now,
	}))
	assert.ErrorIs(t, err, billing.ErrValidation)

	err = processor.ProcessMessage(context.Background(), ingestBody(t, IngestMessage{
		RequestID:  uuid.NewString(),
		CustomerID: env.customer.ID.String(),
		Reading:    "150",
		Date:       now.Add(-3 * time.Hour).Format(time.RFC3339),
		ReceivedAt: now,
	}))
	assert.ErrorIs(t, err, billing.ErrValidation, "outside tolerance")

	err = processor.ProcessMessage(context.Background(), ingestBody(t, IngestMessage{
		RequestID:  uuid.NewString(),
		CustomerID: uuid.NewString(),
		Reading:    "150",
		ReceivedAt: now,
	}))
	assert.True(t, billing.IsNotFound(err), "unknown customer has no meter")

	readings, err := env.store.ListReadings(context.Background(), env.meter.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestProcessMessage_RegressiveReadingDeadLettered(t *testing.T) {
	env := newTestEnv(t)
	processor := newTestProcessor(env)
	env.mustSubmit(t, "150")
	env.clock.Advance(time.Hour)

	err := processor.ProcessMessage(context.Background(), ingestBody(t, IngestMessage{
		RequestID:  uuid.NewString(),
		CustomerID: env.customer.ID.String(),
		Reading:    "120",
		ReceivedAt: env.clock.Now(),
	}))

	assert.ErrorIs(t, err, billing.ErrRegressiveReading)
	assert.Len(t, env.bills(t), 1)
}
