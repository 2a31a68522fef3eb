package store

import (
	"context"
	"log/slog"
	"time"
)

// MaxOutboxAttempts is how many failed sends a message gets before it is
// marked failed.
const MaxOutboxAttempts = 8

// OutboxSendFunc performs the actual channel send for one message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     20,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll sends one batch of due messages. Once a send to a recipient fails, the
// rest of that recipient's batch is deferred behind it so replies keep their order.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}

	blocked := make(map[string]time.Time)
	for _, msg := range msgs {
		if retryAt, ok := blocked[msg.Recipient]; ok {
			if err := s.repo.FailOutboxMessage(msg.ID, "deferred behind failed message", retryAt); err != nil {
				slog.Error("OutboxSender.Poll: defer message error", "id", msg.ID, "error", err)
			}
			continue
		}

		slog.Debug("OutboxSender.Poll: sending message", "id", msg.ID, "recipient", msg.Recipient)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.Poll: send failed", "id", msg.ID, "attempts", msg.Attempts+1, "error", err)
			var nextAttempt time.Time
			if msg.Attempts+1 < MaxOutboxAttempts {
				// Exponential backoff: 10s, 20s, 40s, ...
				nextAttempt = now.Add(time.Duration(10*(1<<msg.Attempts)) * time.Second)
				blocked[msg.Recipient] = nextAttempt
			}
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), nextAttempt); err != nil {
				slog.Error("OutboxSender.Poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
		}
		slog.Debug("OutboxSender.Poll: message sent", "id", msg.ID, "recipient", msg.Recipient)
	}
}
