package delivery

import (
	"context"
	"encoding/json"

	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
)

// Payload is what a provider adapter receives for one notification. Data is
// the tagged notification variant as stored in the outbox.
type Payload struct {
	MessageID string             `json:"message_id"`
	Type      outbox.MessageType `json:"type"`
	Kind      outbox.Kind        `json:"kind"`
	Recipient string             `json:"recipient"`
	Subject   string             `json:"subject"`
	Data      json.RawMessage    `json:"data"`
	RequestID string             `json:"request_id,omitempty"`
}

// PayloadFromMessage builds the provider payload for msg.
func PayloadFromMessage(msg *outbox.Message) Payload {
	return Payload{
		MessageID: msg.ID.String(),
		Type:      msg.Type,
		Kind:      msg.Kind,
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Data:      msg.Payload,
		RequestID: msg.RequestID,
	}
}

// Sender delivers a payload to a destination. Implementations return a
// *StatusError for provider responses so the transport can classify them.
type Sender interface {
	Send(ctx context.Context, destination string, payload Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, destination string, payload Payload) error

func (f SenderFunc) Send(ctx context.Context, destination string, payload Payload) error {
	return f(ctx, destination, payload)
}
