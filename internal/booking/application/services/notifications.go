package services

import (
	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	sharedDomain "github.com/felixgeelhaar/clinicflow/internal/shared/domain"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
)

// NotificationPlanner decides which outbox messages an appointment change
// produces. Every notification goes to the patient once by email and once
// by SMS.
type NotificationPlanner struct {
	clinicName string
}

// NewNotificationPlanner creates a planner that stamps clinicName on payloads.
func NewNotificationPlanner(clinicName string) *NotificationPlanner {
	return &NotificationPlanner{clinicName: clinicName}
}

// ForEvents returns the messages triggered by events. Events without a
// patient-facing notification produce none.
func (p *NotificationPlanner) ForEvents(events []sharedDomain.DomainEvent) ([]*outbox.Message, error) {
	var msgs []*outbox.Message
	for _, event := range events {
		booked, ok := event.(*domain.AppointmentBooked)
		if !ok {
			continue
		}
		notice := outbox.ConfirmationNotice{
			AppointmentDetails: p.details(booked.AppointmentID, booked.PatientName, booked.Date, booked.Time),
			ConfirmationToken:  booked.ConfirmationToken,
		}
		contact := domain.Patient{Name: booked.PatientName, Email: booked.PatientEmail, Phone: booked.PatientPhone}
		planned, err := build(booked.AppointmentID, contact, notice, booked.Metadata().RequestID)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, planned...)
	}
	return msgs, nil
}

// Reminder returns the reminder messages for a confirmed appointment.
func (p *NotificationPlanner) Reminder(a *domain.Appointment, t domain.ReminderType, requestID string) ([]*outbox.Message, error) {
	slot := a.Slot()
	notice := outbox.ReminderNotice{
		AppointmentDetails: p.details(a.ID(), a.Patient().Name, slot.Date, slot.Time),
		ReminderType:       outbox.ReminderType(t),
		HoursUntil:         t.Hours(),
	}
	return build(a.ID(), a.Patient(), notice, requestID)
}

func (p *NotificationPlanner) details(id uuid.UUID, name, date, clock string) outbox.AppointmentDetails {
	return outbox.AppointmentDetails{
		AppointmentID: id.String(),
		PatientName:   name,
		Date:          date,
		Time:          clock,
		ClinicName:    p.clinicName,
	}
}

func build(appointmentID uuid.UUID, contact domain.Patient, n outbox.Notification, requestID string) ([]*outbox.Message, error) {
	email, err := outbox.NewMessage(appointmentID, outbox.TypeEmail, contact.Email, n)
	if err != nil {
		return nil, err
	}
	email.RequestID = requestID

	sms, err := outbox.NewMessage(appointmentID, outbox.TypeSMS, contact.Phone, n)
	if err != nil {
		return nil, err
	}
	sms.RequestID = requestID
	return []*outbox.Message{email, sms}, nil
}
