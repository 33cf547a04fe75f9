package services

import (
	"context"
	"time"

	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	sharedDomain "github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

// SlotAvailabilityGuard answers whether a slot is free. It is a fast path
// only: the unique index on active slots decides races at insert time.
type SlotAvailabilityGuard struct {
	repo domain.Repository
}

// NewSlotAvailabilityGuard creates a new SlotAvailabilityGuard.
func NewSlotAvailabilityGuard(repo domain.Repository) *SlotAvailabilityGuard {
	return &SlotAvailabilityGuard{repo: repo}
}

// IsSlotAvailable reports whether no active appointment holds slot. A
// storage failure is returned as a retryable error, never as "available".
func (g *SlotAvailabilityGuard) IsSlotAvailable(ctx context.Context, slot domain.Slot) (bool, error) {
	taken, err := g.repo.ExistsActiveAt(ctx, slot.Date, slot.Time)
	if err != nil {
		return false, sharedDomain.TransientStorageError("cannot confirm availability", err)
	}
	return !taken, nil
}

// AvailableTimes lists the free HH:MM start times of date that are still
// bookable at now.
func (g *SlotAvailabilityGuard) AvailableTimes(ctx context.Context, date string, hours domain.OperatingHours, now time.Time) ([]string, error) {
	slots, err := hours.SlotsOn(date)
	if err != nil {
		return nil, err
	}
	taken, err := g.repo.ActiveTimesOn(ctx, date)
	if err != nil {
		return nil, sharedDomain.TransientStorageError("cannot confirm availability", err)
	}

	busy := make(map[string]struct{}, len(taken))
	for _, t := range taken {
		busy[t] = struct{}{}
	}
	free := make([]string, 0, len(slots))
	for _, slot := range slots {
		if _, ok := busy[slot.Time]; ok {
			continue
		}
		if !slot.StartsAt.After(now) {
			continue
		}
		free = append(free, slot.Time)
	}
	return free, nil
}
