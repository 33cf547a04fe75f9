package domain

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent represents something that happened in the domain.
type DomainEvent interface {
	AggregateID() uuid.UUID
	OccurredAt() time.Time
	Metadata() EventMetadata
}

// EventMetadata carries the identifiers that tie an event back to the
// request that caused it.
type EventMetadata struct {
	RequestID     string
	CorrelationID string
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	aggregateID uuid.UUID
	occurredAt  time.Time
	metadata    EventMetadata
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(aggregateID uuid.UUID, occurredAt time.Time) BaseEvent {
	return BaseEvent{
		aggregateID: aggregateID,
		occurredAt:  occurredAt.UTC(),
	}
}

func (e BaseEvent) AggregateID() uuid.UUID  { return e.aggregateID }
func (e BaseEvent) OccurredAt() time.Time   { return e.occurredAt }
func (e BaseEvent) Metadata() EventMetadata { return e.metadata }

// SetMetadata sets the event metadata.
func (e *BaseEvent) SetMetadata(metadata EventMetadata) {
	e.metadata = metadata
}
