package application

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

func TestNewEventMetadata(t *testing.T) {
	t.Run("uses request and correlation ids", func(t *testing.T) {
		ctx := observability.WithRequestID(context.Background(), "req-1")
		ctx = observability.WithCorrelationID(ctx, "corr-1")

		metadata := NewEventMetadata(ctx)

		assert.Equal(t, "req-1", metadata.RequestID)
		assert.Equal(t, "corr-1", metadata.CorrelationID)
	})

	t.Run("falls back to request id", func(t *testing.T) {
		ctx := observability.WithRequestID(context.Background(), "req-2")

		metadata := NewEventMetadata(ctx)

		assert.Equal(t, "req-2", metadata.CorrelationID)
	})

	t.Run("empty context", func(t *testing.T) {
		assert.Equal(t, domain.EventMetadata{}, NewEventMetadata(context.Background()))
	})
}

type testEvent struct {
	domain.BaseEvent
}

type nonSetterEvent struct {
	aggregateID uuid.UUID
}

func (e nonSetterEvent) AggregateID() uuid.UUID         { return e.aggregateID }
func (e nonSetterEvent) OccurredAt() time.Time          { return time.Time{} }
func (e nonSetterEvent) Metadata() domain.EventMetadata { return domain.EventMetadata{} }

func TestApplyEventMetadata(t *testing.T) {
	setter := &testEvent{BaseEvent: domain.NewBaseEvent(uuid.New(), time.Now())}
	other := nonSetterEvent{aggregateID: uuid.New()}
	metadata := domain.EventMetadata{RequestID: "req-1", CorrelationID: "corr-1"}

	ApplyEventMetadata([]domain.DomainEvent{setter, other}, metadata)

	assert.Equal(t, metadata, setter.Metadata())
	assert.Equal(t, domain.EventMetadata{}, other.Metadata())
}
