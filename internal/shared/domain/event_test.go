package domain_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

func TestNewBaseEvent(t *testing.T) {
	aggregateID := uuid.New()
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.FixedZone("BRT", -3*3600))

	event := domain.NewBaseEvent(aggregateID, at)

	assert.Equal(t, aggregateID, event.AggregateID())
	assert.True(t, event.OccurredAt().Equal(at))
	assert.Equal(t, time.UTC, event.OccurredAt().Location())
	assert.Equal(t, domain.EventMetadata{}, event.Metadata())
}

func TestBaseEvent_WithMetadata(t *testing.T) {
	event := domain.NewBaseEvent(uuid.New(), time.Now())
	event.SetMetadata(domain.EventMetadata{RequestID: "req-1", CorrelationID: "corr-1"})

	assert.Equal(t, "req-1", event.Metadata().RequestID)
	assert.Equal(t, "corr-1", event.Metadata().CorrelationID)
}
