// Package flow provides concrete implementations of state management.
package flow

import (
	"context"
	"log/slog"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/store"
)

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store store.Store
}

// NewStoreBasedStateManager creates a new StateManager backed by a Store.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st}
}

// Load retrieves the conversation, or nil if it does not exist.
func (sm *StoreBasedStateManager) Load(ctx context.Context, userID, threadID string) (*models.ConversationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state, err := sm.store.GetConversation(userID, threadID)
	if err != nil {
		slog.Error("StateManager Load error", "error", err, "user_id", userID, "thread_id", threadID)
		return nil, err
	}
	if state == nil {
		slog.Debug("StateManager Load not found", "user_id", userID, "thread_id", threadID)
		return nil, nil
	}
	slog.Debug("StateManager Load found", "user_id", userID, "thread_id", threadID, "section", state.CurrentSection, "finished", state.Finished)
	return state, nil
}

// Save persists the conversation and its derived section records.
func (sm *StoreBasedStateManager) Save(ctx context.Context, state *models.ConversationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sm.store.SaveConversation(*state); err != nil {
		slog.Error("StateManager Save error", "error", err, "user_id", state.UserID, "thread_id", state.ThreadID)
		return err
	}
	slog.Debug("StateManager Save succeeded", "user_id", state.UserID, "thread_id", state.ThreadID, "section", state.CurrentSection, "directive", state.Directive.String())
	return nil
}

// Reset removes the conversation and its section records.
func (sm *StoreBasedStateManager) Reset(ctx context.Context, userID, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sm.store.DeleteConversation(userID, threadID); err != nil {
		slog.Error("StateManager Reset error", "error", err, "user_id", userID, "thread_id", threadID)
		return err
	}
	slog.Info("StateManager Reset succeeded", "user_id", userID, "thread_id", threadID)
	return nil
}

// SectionRecords returns the derived per-section records.
func (sm *StoreBasedStateManager) SectionRecords(ctx context.Context, userID, threadID string) ([]store.SectionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sm.store.GetSectionRecords(userID, threadID)
}
