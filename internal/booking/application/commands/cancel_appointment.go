package commands

import (
	"context"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/booking/application/services"
	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	sharedApplication "github.com/felixgeelhaar/clinicflow/internal/shared/application"
)

// CancelAppointmentCommand releases a booked slot.
type CancelAppointmentCommand struct {
	AppointmentID uuid.UUID
}

// CancelAppointmentHandler handles the CancelAppointmentCommand.
type CancelAppointmentHandler struct {
	repo domain.Repository
	uow  sharedApplication.UnitOfWork
	handlerConfig
}

// NewCancelAppointmentHandler creates a new CancelAppointmentHandler.
func NewCancelAppointmentHandler(repo domain.Repository, uow sharedApplication.UnitOfWork, opts ...Option) *CancelAppointmentHandler {
	return &CancelAppointmentHandler{repo: repo, uow: uow, handlerConfig: newHandlerConfig(opts)}
}

// Handle cancels the appointment, which frees its slot for new bookings.
// Cancelling an already cancelled appointment succeeds without a write.
func (h *CancelAppointmentHandler) Handle(ctx context.Context, cmd CancelAppointmentCommand) (*AppointmentStatusResult, error) {
	var result *AppointmentStatusResult
	err := sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		appointment, err := h.repo.FindByID(txCtx, cmd.AppointmentID)
		if err != nil {
			return services.WrapStorage("load appointment", err)
		}
		if appointment.Status() != domain.StatusCancelled {
			appointment.Cancel(h.now())
			if err := h.repo.Update(txCtx, appointment); err != nil {
				return services.WrapStorage("cancel appointment", err)
			}
		}
		result = &AppointmentStatusResult{AppointmentID: appointment.ID(), Status: appointment.Status()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.InfoContext(ctx, "appointment cancelled", "appointment_id", result.AppointmentID)
	return result, nil
}
