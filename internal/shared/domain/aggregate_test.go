package domain_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

type testAggregate struct {
	domain.BaseAggregateRoot
}

func newTestEvent(aggregateID uuid.UUID) domain.BaseEvent {
	return domain.NewBaseEvent(aggregateID, time.Now())
}

func TestNewBaseAggregateRoot(t *testing.T) {
	agg := domain.NewBaseAggregateRoot(time.Now())

	assert.NotEqual(t, uuid.Nil, agg.ID())
	assert.Empty(t, agg.DomainEvents())
}

func TestBaseAggregateRoot_Events(t *testing.T) {
	agg := &testAggregate{BaseAggregateRoot: domain.NewBaseAggregateRoot(time.Now())}

	for i := 0; i < 3; i++ {
		agg.AddDomainEvent(newTestEvent(agg.ID()))
	}
	assert.Len(t, agg.DomainEvents(), 3)
	for _, event := range agg.DomainEvents() {
		assert.Equal(t, agg.ID(), event.AggregateID())
	}

	agg.ClearDomainEvents()
	assert.Empty(t, agg.DomainEvents())
}
