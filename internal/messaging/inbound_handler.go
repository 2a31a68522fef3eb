package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/flow"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/store"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/util"
)

// DefaultThreadID is the thread used for channel conversations, which carry
// no thread of their own.
const DefaultThreadID = "whatsapp"

const (
	tooLongReply = "That message is a bit long for me. Could you send it in shorter parts?"
	failureReply = "Sorry, something went wrong on my side. Please send your last message again."
)

// TurnRunner runs one workflow pass for a user message.
type TurnRunner interface {
	HandleUserMessage(ctx context.Context, userID, threadID, text string) (*flow.TurnResult, error)
}

// InboundHandler feeds channel messages into the workflow and sends the
// assistant's replies back through the same channel, either directly or via
// a durable outbox.
type InboundHandler struct {
	svc      Service
	turns    TurnRunner
	dedup    store.DedupRepo
	outbox   store.OutboxRepo
	locks    *util.KeyedMutex
	threadID string
}

// InboundOption configures an InboundHandler.
type InboundOption func(*InboundHandler)

// WithDedup skips messages whose id was already recorded in repo.
func WithDedup(repo store.DedupRepo) InboundOption {
	return func(h *InboundHandler) { h.dedup = repo }
}

// WithOutbox queues replies in repo instead of sending them inline. An
// OutboxSender must drain repo for replies to reach the user.
func WithOutbox(repo store.OutboxRepo) InboundOption {
	return func(h *InboundHandler) { h.outbox = repo }
}

// WithConversationLocks shares per-conversation locks with other entry points
// such as the HTTP API.
func WithConversationLocks(locks *util.KeyedMutex) InboundOption {
	return func(h *InboundHandler) {
		if locks != nil {
			h.locks = locks
		}
	}
}

// WithThreadID overrides DefaultThreadID.
func WithThreadID(threadID string) InboundOption {
	return func(h *InboundHandler) {
		if threadID != "" {
			h.threadID = threadID
		}
	}
}

// NewInboundHandler creates a handler reading from svc.
func NewInboundHandler(svc Service, turns TurnRunner, opts ...InboundOption) *InboundHandler {
	h := &InboundHandler{
		svc:      svc,
		turns:    turns,
		locks:    util.NewKeyedMutex(),
		threadID: DefaultThreadID,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ConversationKey is the lock key for a conversation.
func ConversationKey(userID, threadID string) string {
	return userID + "/" + threadID
}

// Run handles inbound messages in arrival order until the channel closes or
// ctx is cancelled.
func (h *InboundHandler) Run(ctx context.Context) error {
	inbound := h.svc.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				slog.Info("InboundHandler.Run: inbound channel closed")
				return nil
			}
			if err := h.Handle(ctx, msg); err != nil {
				slog.Error("InboundHandler.Run: message failed", "from", msg.From, "message_id", msg.MessageID, "error", err)
			}
		}
	}
}

// Handle processes one inbound message: dedup, run the turn under the
// conversation lock, then deliver the new assistant messages in order.
func (h *InboundHandler) Handle(ctx context.Context, msg models.InboundMessage) error {
	userID, err := h.svc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	if h.dedup != nil && msg.MessageID != "" {
		fresh, err := h.dedup.RecordInbound(msg.MessageID, userID)
		if err != nil {
			slog.Warn("InboundHandler.Handle: dedup check failed, processing anyway", "message_id", msg.MessageID, "error", err)
		} else if !fresh {
			slog.Info("InboundHandler.Handle: duplicate message skipped", "from", userID, "message_id", msg.MessageID)
			return nil
		}
	}

	unlock := h.locks.Lock(ConversationKey(userID, h.threadID))
	result, err := h.turns.HandleUserMessage(ctx, userID, h.threadID, msg.Body)
	unlock()
	if err != nil {
		reply := failureReply
		if errors.Is(err, models.ErrMessageTooLong) {
			reply = tooLongReply
		}
		if sendErr := h.deliver(ctx, userID, reply, replyKey(msg.MessageID, "error")); sendErr != nil {
			slog.Error("InboundHandler.Handle: failed to send error reply", "to", userID, "error", sendErr)
		}
		return fmt.Errorf("handling message from %s: %w", userID, err)
	}

	for i, m := range result.NewMessages {
		if m.Role != models.RoleAssistant {
			continue
		}
		if err := h.deliver(ctx, userID, m.Content, replyKey(msg.MessageID, strconv.Itoa(i))); err != nil {
			return fmt.Errorf("delivering reply to %s: %w", userID, err)
		}
	}
	if h.dedup != nil && msg.MessageID != "" {
		if err := h.dedup.MarkProcessed(msg.MessageID); err != nil {
			slog.Warn("InboundHandler.Handle: failed to mark message processed", "message_id", msg.MessageID, "error", err)
		}
	}
	slog.Debug("InboundHandler.Handle: turn delivered", "from", userID, "route", result.Route.String(), "replies", len(result.NewMessages))
	return nil
}

func (h *InboundHandler) deliver(ctx context.Context, to, body, dedupeKey string) error {
	if h.outbox == nil {
		return h.svc.SendMessage(ctx, to, body)
	}
	_, err := h.outbox.EnqueueOutboxMessage(to, body, dedupeKey)
	return err
}

// replyKey makes redelivered inbound messages map onto the replies already
// queued for them. Messages without an id get no key.
func replyKey(messageID, suffix string) string {
	if messageID == "" {
		return ""
	}
	return messageID + ":" + suffix
}

// OutboxSendFunc adapts svc to store.OutboxSender.
func OutboxSendFunc(svc Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		return svc.SendMessage(ctx, msg.Recipient, msg.Body)
	}
}
