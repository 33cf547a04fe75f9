package domain

import (
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

// AppointmentBooked is emitted when a slot is booked. It is the only
// appointment change that owes the patient a notification.
type AppointmentBooked struct {
	sharedDomain.BaseEvent
	AppointmentID     uuid.UUID `json:"appointment_id"`
	PatientName       string    `json:"patient_name"`
	PatientEmail      string    `json:"patient_email"`
	PatientPhone      string    `json:"patient_phone"`
	Date              string    `json:"date"`
	Time              string    `json:"time"`
	ConfirmationToken string    `json:"confirmation_token"`
}

// NewAppointmentBooked creates an AppointmentBooked event.
func NewAppointmentBooked(a *Appointment, at time.Time) *AppointmentBooked {
	return &AppointmentBooked{
		BaseEvent:         sharedDomain.NewBaseEvent(a.ID(), at),
		AppointmentID:     a.ID(),
		PatientName:       a.patient.Name,
		PatientEmail:      a.patient.Email,
		PatientPhone:      a.patient.Phone,
		Date:              a.slot.Date,
		Time:              a.slot.Time,
		ConfirmationToken: a.confirmationToken,
	}
}
