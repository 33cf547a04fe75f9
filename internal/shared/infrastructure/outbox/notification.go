package outbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

// Kind tags the notification variant stored in a message payload.
type Kind string

const (
	KindConfirmation Kind = "appointment_confirmation"
	KindReminder24h  Kind = "appointment_reminder_24h"
	KindReminder2h   Kind = "appointment_reminder_2h"
)

// ReminderType distinguishes the two reminder passes.
type ReminderType string

const (
	Reminder24h ReminderType = "24h"
	Reminder2h  ReminderType = "2h"
)

// ReminderTypeForHours maps a reminder lead time onto its type.
func ReminderTypeForHours(hours int) (ReminderType, error) {
	switch hours {
	case 24:
		return Reminder24h, nil
	case 2:
		return Reminder2h, nil
	default:
		return "", domain.Validationf("unsupported reminder lead time %dh", hours)
	}
}

// Hours returns the lead time of the reminder type.
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

// Kind returns the notification kind carrying this reminder type.
func (t ReminderType) Kind() Kind {
	if t == Reminder2h {
		return KindReminder2h
	}
	return KindReminder24h
}

// Notification is the payload of an outbox message. Rendering the text for a
// provider is the provider adapter's concern.
type Notification interface {
	Kind() Kind
	Subject() string
	Validate() error
}

// AppointmentDetails identifies the appointment a notification is about.
type AppointmentDetails struct {
	AppointmentID string `json:"appointment_id"`
	PatientName   string `json:"patient_name"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	ClinicName    string `json:"clinic_name,omitempty"`
}

func (d AppointmentDetails) validate() error {
	var missing []string
	if d.AppointmentID == "" {
		missing = append(missing, "appointment_id")
	}
	if d.PatientName == "" {
		missing = append(missing, "patient_name")
	}
	if d.Date == "" {
		missing = append(missing, "date")
	}
	if d.Time == "" {
		missing = append(missing, "time")
	}
	if len(missing) > 0 {
		return domain.Validationf("notification payload missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ConfirmationNotice is sent right after a booking is accepted.
type ConfirmationNotice struct {
	AppointmentDetails
	ConfirmationToken string `json:"confirmation_token,omitempty"`
}

func (n ConfirmationNotice) Kind() Kind { return KindConfirmation }

func (n ConfirmationNotice) Subject() string {
	return fmt.Sprintf("Appointment received for %s at %s", n.Date, n.Time)
}

func (n ConfirmationNotice) Validate() error { return n.AppointmentDetails.validate() }

// ReminderNotice is sent ahead of a confirmed appointment.
type ReminderNotice struct {
	AppointmentDetails
	ReminderType ReminderType `json:"reminder_type"`
	HoursUntil   int          `json:"hours_until"`
}

func (n ReminderNotice) Kind() Kind { return n.ReminderType.Kind() }

func (n ReminderNotice) Subject() string {
	return fmt.Sprintf("Reminder: appointment in %dh (%s %s)", n.HoursUntil, n.Date, n.Time)
}

func (n ReminderNotice) Validate() error {
	if n.ReminderType.Hours() == 0 {
		return domain.Validationf("unknown reminder type %q", n.ReminderType)
	}
	if n.HoursUntil <= 0 {
		return domain.Validationf("hours_until must be positive")
	}
	return n.AppointmentDetails.validate()
}

// envelope is the stored JSON shape: the kind tag next to the variant body.
type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeNotification serializes n with its kind tag.
func EncodeNotification(n Notification) (json.RawMessage, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", n.Kind(), err)
	}
	return json.Marshal(envelope{Kind: n.Kind(), Data: data})
}

// DecodeNotification restores the variant stored by EncodeNotification.
func DecodeNotification(raw json.RawMessage) (Notification, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.Validationf("malformed notification payload: %v", err)
	}

	var n Notification
	switch env.Kind {
	case KindConfirmation:
		var c ConfirmationNotice
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, domain.Validationf("malformed %s payload: %v", env.Kind, err)
		}
		n = c
	case KindReminder24h, KindReminder2h:
		var r ReminderNotice
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, domain.Validationf("malformed %s payload: %v", env.Kind, err)
		}
		if r.Kind() != env.Kind {
			return nil, domain.Validationf("reminder type %q does not match kind %s", r.ReminderType, env.Kind)
		}
		n = r
	default:
		return nil, domain.Validationf("unknown notification kind %q", env.Kind)
	}
	return n, nil
}
