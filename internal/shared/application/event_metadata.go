package application

import (
	"context"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

type metadataSetter interface {
	SetMetadata(metadata domain.EventMetadata)
}

// NewEventMetadata builds event metadata from the request identifiers in ctx.
// Without a correlation id the request id stands in for it.
func NewEventMetadata(ctx context.Context) domain.EventMetadata {
	requestID := observability.RequestIDFromContext(ctx)
	correlationID := observability.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = requestID
	}
	return domain.EventMetadata{
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// ApplyEventMetadata sets metadata on all events that support it.
func ApplyEventMetadata(events []domain.DomainEvent, metadata domain.EventMetadata) {
	for _, event := range events {
		if setter, ok := event.(metadataSetter); ok {
			setter.SetMetadata(metadata)
		}
	}
}
