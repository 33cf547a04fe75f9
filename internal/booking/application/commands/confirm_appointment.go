package commands

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/booking/application/services"
	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	sharedApplication "github.com/felixgeelhaar/clinicflow/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

// ConfirmAppointmentCommand confirms a booking with the token sent to the patient.
type ConfirmAppointmentCommand struct {
	Token string
}

// AppointmentStatusResult reports an appointment's status after a command.
type AppointmentStatusResult struct {
	AppointmentID uuid.UUID
	Status        domain.Status
}

// ConfirmAppointmentHandler handles the ConfirmAppointmentCommand.
type ConfirmAppointmentHandler struct {
	repo domain.Repository
	uow  sharedApplication.UnitOfWork
	handlerConfig
}

// NewConfirmAppointmentHandler creates a new ConfirmAppointmentHandler.
func NewConfirmAppointmentHandler(repo domain.Repository, uow sharedApplication.UnitOfWork, opts ...Option) *ConfirmAppointmentHandler {
	return &ConfirmAppointmentHandler{repo: repo, uow: uow, handlerConfig: newHandlerConfig(opts)}
}

// Handle moves the appointment to confirmed. Only confirmed appointments
// receive reminders.
func (h *ConfirmAppointmentHandler) Handle(ctx context.Context, cmd ConfirmAppointmentCommand) (*AppointmentStatusResult, error) {
	token := strings.TrimSpace(cmd.Token)
	if token == "" {
		return nil, sharedDomain.Validationf("confirmation token is required")
	}

	var result *AppointmentStatusResult
	err := sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		appointment, err := h.repo.FindByConfirmationToken(txCtx, token)
		if err != nil {
			return services.WrapStorage("load appointment", err)
		}
		wasConfirmed := appointment.Status() == domain.StatusConfirmed
		if err := appointment.Confirm(h.now()); err != nil {
			return err
		}
		if !wasConfirmed {
			if err := h.repo.Update(txCtx, appointment); err != nil {
				return services.WrapStorage("confirm appointment", err)
			}
		}
		result = &AppointmentStatusResult{AppointmentID: appointment.ID(), Status: appointment.Status()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.InfoContext(ctx, "appointment confirmed", "appointment_id", result.AppointmentID)
	return result, nil
}
