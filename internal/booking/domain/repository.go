package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines appointment persistence. Implementations resolve their
// executor from the context so writes join the caller's unit of work.
type Repository interface {
	// Create inserts a new appointment. A second active appointment for the
	// same slot fails with ErrSlotUnavailable.
	Create(ctx context.Context, appointment *Appointment) error
	// Update persists status changes.
	Update(ctx context.Context, appointment *Appointment) error
	FindByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindByConfirmationToken(ctx context.Context, token string) (*Appointment, error)
	// ExistsActiveAt reports whether a non-cancelled appointment holds the slot.
	ExistsActiveAt(ctx context.Context, date, clock string) (bool, error)
	// ActiveTimesOn returns the taken HH:MM times of date.
	ActiveTimesOn(ctx context.Context, date string) ([]string, error)
	// FindConfirmedStartingBetween returns confirmed appointments starting in
	// [from, to] whose reminder of type t has not been sent, earliest first.
	FindConfirmedStartingBetween(ctx context.Context, t ReminderType, from, to time.Time) ([]*Appointment, error)
	// MarkReminderSent sets the reminder flag only if it is still unset and
	// the appointment is still confirmed, and reports whether this call set it.
	MarkReminderSent(ctx context.Context, id uuid.UUID, t ReminderType, at time.Time) (bool, error)
}
