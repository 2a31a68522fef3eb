package store

import (
	"time"

	"github.com/google/uuid"
)

// Compile-time check that InMemoryStore implements OutboxRepo.
var _ OutboxRepo = (*InMemoryStore)(nil)

// The in-memory outbox is a slice in enqueue order; it is small enough that
// linear scans are fine.

func (s *InMemoryStore) EnqueueOutboxMessage(recipient, body, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:        "outbox_" + uuid.NewString(),
		Recipient: recipient,
		Body:      body,
		Status:    OutboxStatusQueued,
		DedupeKey: dedupeKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.outbox = append(s.outbox, m)
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []OutboxMessage
	for _, m := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findOutbox(id); m != nil {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findOutbox(id)
	if m == nil {
		return nil
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	if nextAttemptAt.IsZero() {
		m.Status = OutboxStatusFailed
		m.NextAttemptAt = nil
		return nil
	}
	m.Status = OutboxStatusQueued
	m.NextAttemptAt = &nextAttemptAt
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PruneOutbox(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.outbox[:0]
	n := 0
	for _, m := range s.outbox {
		done := m.Status == OutboxStatusSent || m.Status == OutboxStatusFailed
		if done && m.UpdatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.outbox = kept
	return n, nil
}

// OutboxMessages returns a copy of every outbox message in enqueue order.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OutboxMessage, len(s.outbox))
	for i, m := range s.outbox {
		out[i] = *m
	}
	return out
}

func (s *InMemoryStore) findOutbox(id string) *OutboxMessage {
	for _, m := range s.outbox {
		if m.ID == id {
			return m
		}
	}
	return nil
}
