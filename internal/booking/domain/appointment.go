package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	sharedDomain "github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

var (
	// ErrSlotUnavailable means another active appointment holds the slot.
	ErrSlotUnavailable = fmt.Errorf("%w: slot unavailable", sharedDomain.ErrConflict)
	// ErrAppointmentNotFound means no appointment matched.
	ErrAppointmentNotFound = fmt.Errorf("%w: appointment", sharedDomain.ErrNotFound)
	// ErrInvalidTransition means the appointment cannot move to the requested status.
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", sharedDomain.ErrConflict)
	// ErrReminderAlreadySent means a concurrent run already marked the
	// reminder, or the appointment stopped being confirmed since it was found.
	ErrReminderAlreadySent = fmt.Errorf("%w: reminder already sent or appointment no longer confirmed", sharedDomain.ErrConflict)
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// IsActive reports whether the appointment still holds its slot.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusConfirmed
}

// ReminderType identifies one of the two reminder passes.
type ReminderType string

const (
	Reminder24h ReminderType = "24h"
	Reminder2h  ReminderType = "2h"
)

// ReminderTypeForHours maps a lead time onto its reminder type.
func ReminderTypeForHours(hours int) (ReminderType, error) {
	switch hours {
	case 24:
		return Reminder24h, nil
	case 2:
		return Reminder2h, nil
	default:
		return "", sharedDomain.Validationf("unsupported reminder lead time %dh", hours)
	}
}

// Hours returns the reminder lead time.
func (t ReminderType) Hours() int {
	switch t {
	case Reminder24h:
		return 24
	case Reminder2h:
		return 2
	default:
		return 0
	}
}

// Patient holds the contact details of whoever booked.
type Patient struct {
	Name  string
	Email string
	Phone string
}

func (p Patient) normalize() (Patient, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.TrimSpace(p.Email)
	p.Phone = strings.TrimSpace(p.Phone)

	if p.Name == "" {
		return p, sharedDomain.Validationf("patient name is required")
	}
	if len(p.Name) > 200 {
		return p, sharedDomain.Validationf("patient name is too long")
	}
	addr, err := mail.ParseAddress(p.Email)
	if err != nil {
		return p, sharedDomain.Validationf("invalid patient email %q", p.Email)
	}
	p.Email = addr.Address
	if p.Phone == "" {
		return p, sharedDomain.Validationf("patient phone is required")
	}
	if !validPhone(p.Phone) {
		return p, sharedDomain.Validationf("invalid patient phone %q", p.Phone)
	}
	return p, nil
}

// Appointment is a patient's claim on a slot.
type Appointment struct {
	sharedDomain.BaseAggregateRoot
	patient           Patient
	slot              Slot
	status            Status
	confirmationToken string
	reminder24hSent   bool
	reminder2hSent    bool
	notes             string
	confirmedAt       *time.Time
	cancelledAt       *time.Time
}

// NewAppointment books slot for patient. The slot itself must already have
// been checked against operating hours.
func NewAppointment(patient Patient, slot Slot, notes string, now time.Time) (*Appointment, error) {
	patient, err := patient.normalize()
	if err != nil {
		return nil, err
	}
	if slot.StartsAt.IsZero() {
		return nil, sharedDomain.Validationf("slot is required")
	}

	a := &Appointment{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(now),
		patient:           patient,
		slot:              slot,
		status:            StatusPending,
		confirmationToken: uuid.NewString(),
		notes:             strings.TrimSpace(notes),
	}
	a.AddDomainEvent(NewAppointmentBooked(a, now))
	return a, nil
}

func (a *Appointment) Patient() Patient          { return a.patient }
func (a *Appointment) Slot() Slot                { return a.slot }
func (a *Appointment) Status() Status            { return a.status }
func (a *Appointment) ConfirmationToken() string { return a.confirmationToken }
func (a *Appointment) Notes() string             { return a.notes }
func (a *Appointment) ConfirmedAt() *time.Time   { return a.confirmedAt }
func (a *Appointment) CancelledAt() *time.Time   { return a.cancelledAt }

// ReminderSent reports whether the reminder of type t went out.
func (a *Appointment) ReminderSent(t ReminderType) bool {
	switch t {
	case Reminder24h:
		return a.reminder24hSent
	case Reminder2h:
		return a.reminder2hSent
	default:
		return false
	}
}

// Confirm moves a pending appointment to confirmed. Confirming twice is a
// no-op.
func (a *Appointment) Confirm(now time.Time) error {
	switch a.status {
	case StatusConfirmed:
		return nil
	case StatusCancelled:
		return fmt.Errorf("%w: cannot confirm a cancelled appointment", ErrInvalidTransition)
	}
	now = now.UTC()
	a.status = StatusConfirmed
	a.confirmedAt = &now
	a.Touch(now)
	return nil
}

// Cancel releases the slot. Cancelling twice is a no-op.
func (a *Appointment) Cancel(now time.Time) {
	if a.status == StatusCancelled {
		return
	}
	now = now.UTC()
	a.status = StatusCancelled
	a.cancelledAt = &now
	a.Touch(now)
}

// AppointmentState is the persisted form of an Appointment.
type AppointmentState struct {
	ID                uuid.UUID
	Patient           Patient
	Slot              Slot
	Status            Status
	ConfirmationToken string
	Reminder24hSent   bool
	Reminder2hSent    bool
	Notes             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ConfirmedAt       *time.Time
	CancelledAt       *time.Time
}

// State exports the appointment for persistence.
func (a *Appointment) State() AppointmentState {
	return AppointmentState{
		ID:                a.ID(),
		Patient:           a.patient,
		Slot:              a.slot,
		Status:            a.status,
		ConfirmationToken: a.confirmationToken,
		Reminder24hSent:   a.reminder24hSent,
		Reminder2hSent:    a.reminder2hSent,
		Notes:             a.notes,
		CreatedAt:         a.CreatedAt(),
		UpdatedAt:         a.UpdatedAt(),
		ConfirmedAt:       a.confirmedAt,
		CancelledAt:       a.cancelledAt,
	}
}

// RehydrateAppointment recreates an appointment from persisted state.
func RehydrateAppointment(s AppointmentState) *Appointment {
	base := sharedDomain.RehydrateBaseEntity(s.ID, s.CreatedAt, s.UpdatedAt)
	return &Appointment{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(base),
		patient:           s.Patient,
		slot:              s.Slot,
		status:            s.Status,
		confirmationToken: s.ConfirmationToken,
		reminder24hSent:   s.Reminder24hSent,
		reminder2hSent:    s.Reminder2hSent,
		notes:             s.Notes,
		confirmedAt:       s.ConfirmedAt,
		cancelledAt:       s.CancelledAt,
	}
}

func validPhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 8 && digits <= 15
}
