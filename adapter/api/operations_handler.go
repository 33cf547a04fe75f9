package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/delivery"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
)

// OutboxReader is the read side of the outbox used by operators.
type OutboxReader interface {
	Stats(ctx context.Context) (outbox.Stats, error)
	ListFailed(ctx context.Context, limit int) ([]*outbox.Message, error)
}

// BreakerReader exposes circuit breaker state.
type BreakerReader interface {
	Statuses() []delivery.BreakerStatus
}

// OperationsHandler serves the operator endpoints.
type OperationsHandler struct {
	outbox   OutboxReader
	breakers BreakerReader
	logger   *slog.Logger
}

// NewOperationsHandler creates a new operations handler. breakers may be nil
// in processes that do not deliver.
func NewOperationsHandler(outbox OutboxReader, breakers BreakerReader, logger *slog.Logger) *OperationsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperationsHandler{outbox: outbox, breakers: breakers, logger: logger}
}

// OutboxStats handles GET /api/v1/outbox/stats
func (h *OperationsHandler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.outbox.Stats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type failedMessage struct {
	ID          uuid.UUID  `json:"id"`
	AggregateID uuid.UUID  `json:"aggregate_id"`
	Type        string     `json:"type"`
	Kind        string     `json:"kind"`
	Recipient   string     `json:"recipient"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	CreatedAt   time.Time  `json:"created_at"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	RequestID   string     `json:"request_id,omitempty"`
}

// FailedMessages handles GET /api/v1/outbox/failed?limit=N
func (h *OperationsHandler) FailedMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			badRequest(w, r, h.logger, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	msgs, err := h.outbox.ListFailed(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]failedMessage, 0, len(msgs))
	for _, msg := range msgs {
		fm := failedMessage{
			ID:          msg.ID,
			AggregateID: msg.AggregateID,
			Type:        string(msg.Type),
			Kind:        string(msg.Kind),
			Recipient:   msg.Recipient,
			RetryCount:  msg.RetryCount,
			MaxRetries:  msg.MaxRetries,
			CreatedAt:   msg.CreatedAt,
			FailedAt:    msg.FailedAt,
			RequestID:   msg.RequestID,
		}
		if msg.LastError != nil {
			fm.LastError = *msg.LastError
		}
		out = append(out, fm)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// Breakers handles GET /api/v1/breakers
func (h *OperationsHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	statuses := []delivery.BreakerStatus{}
	if h.breakers != nil {
		statuses = append(statuses, h.breakers.Statuses()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": statuses})
}
