package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/booking/application/services"
	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	sharedApplication "github.com/felixgeelhaar/clinicflow/internal/shared/application"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// BookAppointmentCommand contains the data needed to book a slot.
type BookAppointmentCommand struct {
	PatientName  string
	PatientEmail string
	PatientPhone string
	Date         string
	Time         string
	Notes        string
}

// BookAppointmentResult contains the result of booking a slot.
type BookAppointmentResult struct {
	AppointmentID     uuid.UUID
	ConfirmationToken string
	Status            domain.Status
	Slot              domain.Slot
	NotificationIDs   []uuid.UUID
}

// BookAppointmentHandler handles the BookAppointmentCommand.
type BookAppointmentHandler struct {
	repo    domain.Repository
	guard   *services.SlotAvailabilityGuard
	planner *services.NotificationPlanner
	outbox  Enqueuer
	uow     sharedApplication.UnitOfWork
	hours   domain.OperatingHours
	handlerConfig
}

// NewBookAppointmentHandler creates a new BookAppointmentHandler.
func NewBookAppointmentHandler(
	repo domain.Repository,
	guard *services.SlotAvailabilityGuard,
	planner *services.NotificationPlanner,
	outbox Enqueuer,
	uow sharedApplication.UnitOfWork,
	hours domain.OperatingHours,
	opts ...Option,
) *BookAppointmentHandler {
	return &BookAppointmentHandler{
		repo:          repo,
		guard:         guard,
		planner:       planner,
		outbox:        outbox,
		uow:           uow,
		hours:         hours,
		handlerConfig: newHandlerConfig(opts),
	}
}

// Handle books the slot and enqueues the confirmation notifications in the
// same transaction. Losing the slot to a concurrent booking returns
// domain.ErrSlotUnavailable and leaves no outbox rows behind.
func (h *BookAppointmentHandler) Handle(ctx context.Context, cmd BookAppointmentCommand) (*BookAppointmentResult, error) {
	now := h.now()

	slot, err := domain.ParseSlot(cmd.Date, cmd.Time, h.hours.Location)
	if err != nil {
		return nil, err
	}
	if err := h.hours.Check(slot, now); err != nil {
		return nil, err
	}

	appointment, err := domain.NewAppointment(domain.Patient{
		Name:  cmd.PatientName,
		Email: cmd.PatientEmail,
		Phone: cmd.PatientPhone,
	}, slot, cmd.Notes, now)
	if err != nil {
		return nil, err
	}

	available, err := h.guard.IsSlotAvailable(ctx, slot)
	if err != nil {
		return nil, err
	}
	if !available {
		h.metrics.Counter(observability.MetricAppointmentsConflicts, 1, observability.T("stage", "precheck"))
		return nil, fmt.Errorf("%w: %s", domain.ErrSlotUnavailable, slot)
	}

	var result *BookAppointmentResult
	err = sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		if err := h.repo.Create(txCtx, appointment); err != nil {
			return services.WrapStorage("create appointment", err)
		}

		events := appointment.DomainEvents()
		sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(ctx))
		msgs, err := h.planner.ForEvents(events)
		if err != nil {
			return err
		}

		ids := make([]uuid.UUID, 0, len(msgs))
		for _, msg := range msgs {
			id, err := h.outbox.Enqueue(txCtx, msg)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		result = &BookAppointmentResult{
			AppointmentID:     appointment.ID(),
			ConfirmationToken: appointment.ConfirmationToken(),
			Status:            appointment.Status(),
			Slot:              slot,
			NotificationIDs:   ids,
		}
		return nil
	})
	if errors.Is(err, domain.ErrSlotUnavailable) {
		h.metrics.Counter(observability.MetricAppointmentsConflicts, 1, observability.T("stage", "insert"))
		h.logger.InfoContext(ctx, "slot taken by concurrent booking", "slot", slot.String())
	}
	if err != nil {
		return nil, err
	}
	appointment.ClearDomainEvents()
	h.metrics.Counter(observability.MetricAppointmentsBooked, 1)

	h.logger.InfoContext(ctx, "appointment booked",
		"appointment_id", result.AppointmentID,
		"slot", slot.String(),
		"notifications", len(result.NotificationIDs),
	)
	return result, nil
}
