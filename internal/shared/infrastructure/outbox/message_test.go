package outbox_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
)

func newEmail(t *testing.T, recipient string) *outbox.Message {
	t.Helper()
	msg, err := outbox.NewMessage(uuid.New(), outbox.TypeEmail, recipient,
		outbox.ConfirmationNotice{AppointmentDetails: details()})
	require.NoError(t, err)
	return msg
}

func newSMS(t *testing.T, recipient string) *outbox.Message {
	t.Helper()
	msg, err := outbox.NewMessage(uuid.New(), outbox.TypeSMS, recipient,
		outbox.ReminderNotice{AppointmentDetails: details(), ReminderType: outbox.Reminder24h, HoursUntil: 24})
	require.NoError(t, err)
	return msg
}

func TestNewMessage(t *testing.T) {
	msg := newEmail(t, "  ana@example.com ")

	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.Equal(t, "ana@example.com", msg.Recipient)
	assert.Equal(t, outbox.KindConfirmation, msg.Kind)
	assert.Equal(t, outbox.StatusPending, msg.Status)
	assert.Contains(t, msg.Subject, "2026-10-20")

	_, err := outbox.NewMessage(uuid.New(), outbox.TypeEmail, "a@b.c", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*outbox.Message)
		wantErr bool
	}{
		{"valid email", func(m *outbox.Message) {}, false},
		{"unknown type", func(m *outbox.Message) { m.Type = "fax" }, true},
		{"empty recipient", func(m *outbox.Message) { m.Recipient = " " }, true},
		{"bad email", func(m *outbox.Message) { m.Recipient = "not-an-address" }, true},
		{"sms with phone", func(m *outbox.Message) { m.Type = outbox.TypeSMS; m.Recipient = "+55 11 98765-4321" }, false},
		{"sms with short number", func(m *outbox.Message) { m.Type = outbox.TypeSMS; m.Recipient = "12345" }, true},
		{"sms with letters", func(m *outbox.Message) { m.Type = outbox.TypeSMS; m.Recipient = "+55abc98765432" }, true},
		{"empty payload", func(m *outbox.Message) { m.Payload = nil }, true},
		{"retry over max", func(m *outbox.Message) { m.MaxRetries = 3; m.RetryCount = 4 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := newEmail(t, "ana@example.com")
			msg.MaxRetries = 3
			tt.mutate(msg)
			err := msg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMessageIsEligible(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	msg := newEmail(t, "ana@example.com")
	msg.SendAfter = now

	assert.True(t, msg.IsEligible(now))
	assert.False(t, msg.IsEligible(now.Add(-time.Second)), "send_after in the future")

	leased := now.Add(time.Minute)
	msg.LockedUntil = &leased
	assert.False(t, msg.IsEligible(now), "leased")
	assert.True(t, msg.IsEligible(leased), "lease expired")

	msg.LockedUntil = nil
	msg.Status = outbox.StatusSent
	assert.False(t, msg.IsEligible(now))
}

func TestMessageCanRetry(t *testing.T) {
	msg := newSMS(t, "+5511987654321")
	msg.MaxRetries = 3

	msg.RetryCount = 1
	assert.True(t, msg.CanRetry())
	msg.RetryCount = 2
	assert.False(t, msg.CanRetry())
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, outbox.StatusPending.IsTerminal())
	assert.True(t, outbox.StatusSent.IsTerminal())
	assert.True(t, outbox.StatusFailed.IsTerminal())
}
