package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that PostgresStore implements OutboxRepo.
var _ OutboxRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueOutboxMessage(recipient, body, dedupeKey string) (string, error) {
	id := "outbox_" + uuid.NewString()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(`SELECT id FROM outbox_messages WHERE dedupe_key = $1`, dedupeKey).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO outbox_messages (id, recipient, body, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, 'queued', 0, $4, $5, $6)`,
		id, recipient, body, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage", "id", id, "recipient", recipient)
	return id, nil
}

func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	// RETURNING does not keep the subquery order, so the claimed rows are re-read by seq.
	rows, err := s.db.Query(
		`WITH claimed AS (
		   UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
		   WHERE id IN (
		     SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		     ORDER BY seq ASC LIMIT $2
		     FOR UPDATE SKIP LOCKED
		   )
		   RETURNING seq, `+outboxColumns+`
		 )
		 SELECT `+outboxColumns+` FROM claimed ORDER BY seq ASC`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()
	return scanOutboxMessages(rows)
}

func (s *PostgresStore) MarkOutboxMessageSent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now()
	status, next := OutboxStatusQueued, any(nextAttemptAt)
	if nextAttemptAt.IsZero() {
		status, next = OutboxStatusFailed, nil
	}
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = $1, attempts = attempts + 1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
		string(status), errMsg, next, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) PruneOutbox(before time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM outbox_messages WHERE status IN ('sent', 'failed') AND updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("prune outbox failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
