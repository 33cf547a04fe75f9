package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository is a Repository for tests and single-process demos.
// It ignores transactions in the context.
type InMemoryRepository struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*Message
}

// NewInMemoryRepository creates a new in-memory outbox repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{messages: make(map[uuid.UUID]*Message)}
}

func (r *InMemoryRepository) Save(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.messages[msg.ID] = &cp
	return nil
}

func (r *InMemoryRepository) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*Message
	for _, msg := range r.messages {
		if msg.IsEligible(now) {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID.String() < due[j].ID.String()
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	until := now.Add(lease)
	claimed := make([]*Message, 0, len(due))
	for _, msg := range due {
		msg.LockedUntil = &until
		cp := *msg
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *InMemoryRepository) MarkSent(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return false, ErrMessageNotFound
	}
	if msg.Status != StatusPending {
		return false, nil
	}
	msg.Status = StatusSent
	msg.SentAt = &at
	msg.LockedUntil = nil
	return true, nil
}

func (r *InMemoryRepository) RecordFailure(_ context.Context, id uuid.UUID, reason string, at, nextAttempt time.Time) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return "", ErrMessageNotFound
	}
	if msg.Status != StatusPending {
		return msg.Status, nil
	}
	msg.RetryCount++
	msg.LastError = &reason
	msg.LockedUntil = nil
	if msg.RetryCount >= msg.MaxRetries {
		msg.Status = StatusFailed
		msg.FailedAt = &at
	} else {
		msg.SendAfter = nextAttempt
	}
	return msg.Status, nil
}

func (r *InMemoryRepository) Reschedule(_ context.Context, id uuid.UUID, until time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.Status == StatusPending {
		msg.SendAfter = until
		msg.LastError = &reason
		msg.LockedUntil = nil
	}
	return nil
}

func (r *InMemoryRepository) Abandon(_ context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return false, ErrMessageNotFound
	}
	if msg.Status != StatusPending {
		return false, nil
	}
	msg.Status = StatusFailed
	msg.FailedAt = &at
	msg.LastError = &reason
	msg.LockedUntil = nil
	return true, nil
}

func (r *InMemoryRepository) Get(_ context.Context, id uuid.UUID) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (r *InMemoryRepository) CountByStatus(_ context.Context) (map[Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Status]int)
	for _, msg := range r.messages {
		counts[msg.Status]++
	}
	return counts, nil
}

func (r *InMemoryRepository) ListFailed(_ context.Context, limit int) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []*Message
	for _, msg := range r.messages {
		if msg.Status == StatusFailed {
			cp := *msg
			failed = append(failed, &cp)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].FailedAt.After(*failed[j].FailedAt)
	})
	if len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

// All returns a snapshot of every stored message, oldest first.
func (r *InMemoryRepository) All() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Message, 0, len(r.messages))
	for _, msg := range r.messages {
		cp := *msg
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all
}
