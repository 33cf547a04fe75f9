package outbox

import (
	"encoding/json"
	"errors"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

// ErrMessageNotFound is returned when no message has the requested ID.
var ErrMessageNotFound = errors.New("outbox message not found")

// MessageType selects the delivery channel.
type MessageType string

const (
	TypeEmail MessageType = "email"
	TypeSMS   MessageType = "sms"
)

// IsValid reports whether t is a known channel.
func (t MessageType) IsValid() bool {
	return t == TypeEmail || t == TypeSMS
}

// Status is the delivery state of a message. Sent and failed are terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether no further delivery will be attempted.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Message is a durable record of a notification owed to a patient.
type Message struct {
	ID          uuid.UUID
	AggregateID uuid.UUID
	Type        MessageType
	Recipient   string
	Subject     string
	Kind        Kind
	Payload     json.RawMessage
	Status      Status
	RetryCount  int
	MaxRetries  int
	SendAfter   time.Time
	CreatedAt   time.Time
	SentAt      *time.Time
	FailedAt    *time.Time
	LastError   *string
	LockedUntil *time.Time
	RequestID   string
}

// NewMessage builds a pending message for n addressed to recipient.
// MaxRetries, SendAfter and CreatedAt are filled in by Outbox.Enqueue when
// left zero.
func NewMessage(aggregateID uuid.UUID, msgType MessageType, recipient string, n Notification) (*Message, error) {
	if n == nil {
		return nil, domain.Validationf("notification payload is required")
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	payload, err := EncodeNotification(n)
	if err != nil {
		return nil, domain.Validationf("%v", err)
	}
	return &Message{
		ID:          uuid.New(),
		AggregateID: aggregateID,
		Type:        msgType,
		Recipient:   strings.TrimSpace(recipient),
		Subject:     n.Subject(),
		Kind:        n.Kind(),
		Payload:     payload,
		Status:      StatusPending,
	}, nil
}

// Validate checks the fields every stored message must carry.
func (m *Message) Validate() error {
	if !m.Type.IsValid() {
		return domain.Validationf("unknown message type %q", m.Type)
	}
	if strings.TrimSpace(m.Recipient) == "" {
		return domain.Validationf("%s recipient is required", m.Type)
	}
	switch m.Type {
	case TypeEmail:
		if _, err := mail.ParseAddress(m.Recipient); err != nil {
			return domain.Validationf("invalid email recipient %q", m.Recipient)
		}
	case TypeSMS:
		if !isPhoneNumber(m.Recipient) {
			return domain.Validationf("invalid sms recipient %q", m.Recipient)
		}
	}
	if len(m.Payload) == 0 {
		return domain.Validationf("payload is required")
	}
	if _, err := DecodeNotification(m.Payload); err != nil {
		return err
	}
	if m.MaxRetries < 0 || m.RetryCount < 0 || m.RetryCount > m.MaxRetries {
		return domain.Validationf("retry_count %d out of range for max_retries %d", m.RetryCount, m.MaxRetries)
	}
	return nil
}

// Notification decodes the payload.
func (m *Message) Notification() (Notification, error) {
	return DecodeNotification(m.Payload)
}

// IsEligible reports whether a worker may attempt delivery at now.
func (m *Message) IsEligible(now time.Time) bool {
	if m.Status != StatusPending || m.SendAfter.After(now) {
		return false
	}
	return m.LockedUntil == nil || !m.LockedUntil.After(now)
}

// CanRetry reports whether another failure would still leave it pending.
func (m *Message) CanRetry() bool {
	return m.RetryCount+1 < m.MaxRetries
}

// isPhoneNumber accepts E.164-ish numbers: optional leading +, then 8-15
// digits with common separators.
func isPhoneNumber(s string) bool {
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
