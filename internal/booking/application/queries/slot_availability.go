package queries

import (
	"context"
	"time"

	"github.com/felixgeelhaar/clinicflow/internal/booking/application/services"
	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	sharedDomain "github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

// SlotAvailabilityQuery asks for the free slots of one day.
type SlotAvailabilityQuery struct {
	Date string
}

// SlotAvailabilityDTO lists the free start times of a day.
type SlotAvailabilityDTO struct {
	Date        string   `json:"date"`
	SlotMinutes int      `json:"slot_minutes"`
	Available   []string `json:"available"`
}

// SlotAvailabilityHandler handles the SlotAvailabilityQuery.
type SlotAvailabilityHandler struct {
	guard *services.SlotAvailabilityGuard
	hours domain.OperatingHours
	now   func() time.Time
}

// NewSlotAvailabilityHandler creates a new SlotAvailabilityHandler.
func NewSlotAvailabilityHandler(guard *services.SlotAvailabilityGuard, hours domain.OperatingHours, now func() time.Time) *SlotAvailabilityHandler {
	if now == nil {
		now = time.Now
	}
	return &SlotAvailabilityHandler{guard: guard, hours: hours, now: now}
}

func (h *SlotAvailabilityHandler) Handle(ctx context.Context, q SlotAvailabilityQuery) (*SlotAvailabilityDTO, error) {
	if _, err := time.Parse(domain.DateLayout, q.Date); err != nil {
		return nil, sharedDomain.Validationf("invalid date %q: use YYYY-MM-DD", q.Date)
	}
	free, err := h.guard.AvailableTimes(ctx, q.Date, h.hours, h.now())
	if err != nil {
		return nil, err
	}
	return &SlotAvailabilityDTO{Date: q.Date, SlotMinutes: h.hours.SlotMinutes, Available: free}, nil
}
