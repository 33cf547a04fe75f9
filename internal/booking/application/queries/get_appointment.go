package queries

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/booking/application/services"
	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
)

// AppointmentDTO is the read model of an appointment.
type AppointmentDTO struct {
	ID              uuid.UUID  `json:"id"`
	PatientName     string     `json:"patient_name"`
	PatientEmail    string     `json:"patient_email"`
	PatientPhone    string     `json:"patient_phone,omitempty"`
	Date            string     `json:"date"`
	Time            string     `json:"time"`
	StartsAt        time.Time  `json:"starts_at"`
	Status          string     `json:"status"`
	Notes           string     `json:"notes,omitempty"`
	Reminder24hSent bool       `json:"reminder_24h_sent"`
	Reminder2hSent  bool       `json:"reminder_2h_sent"`
	CreatedAt       time.Time  `json:"created_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

// NewAppointmentDTO maps an appointment to its read model. The confirmation
// token stays private to the patient.
func NewAppointmentDTO(a *domain.Appointment) AppointmentDTO {
	s := a.State()
	return AppointmentDTO{
		ID:              s.ID,
		PatientName:     s.Patient.Name,
		PatientEmail:    s.Patient.Email,
		PatientPhone:    s.Patient.Phone,
		Date:            s.Slot.Date,
		Time:            s.Slot.Time,
		StartsAt:        s.Slot.StartsAt,
		Status:          string(s.Status),
		Notes:           s.Notes,
		Reminder24hSent: s.Reminder24hSent,
		Reminder2hSent:  s.Reminder2hSent,
		CreatedAt:       s.CreatedAt,
		ConfirmedAt:     s.ConfirmedAt,
		CancelledAt:     s.CancelledAt,
	}
}

// GetAppointmentQuery loads one appointment.
type GetAppointmentQuery struct {
	AppointmentID uuid.UUID
}

// GetAppointmentHandler handles the GetAppointmentQuery.
type GetAppointmentHandler struct {
	repo domain.Repository
}

// NewGetAppointmentHandler creates a new GetAppointmentHandler.
func NewGetAppointmentHandler(repo domain.Repository) *GetAppointmentHandler {
	return &GetAppointmentHandler{repo: repo}
}

func (h *GetAppointmentHandler) Handle(ctx context.Context, q GetAppointmentQuery) (*AppointmentDTO, error) {
	a, err := h.repo.FindByID(ctx, q.AppointmentID)
	if err != nil {
		return nil, services.WrapStorage("load appointment", err)
	}
	dto := NewAppointmentDTO(a)
	return &dto, nil
}
