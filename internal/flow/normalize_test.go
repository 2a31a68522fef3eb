package flow

import (
	"testing"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		roles    []models.Role
		awaiting bool
		asked    bool
		want     bool
	}{
		{"reply clears flag", []models.Role{models.RoleAssistant, models.RoleUser}, true, false, false},
		{"question sets flag", []models.Role{models.RoleUser, models.RoleAssistant}, false, true, true},
		{"statement leaves flag", []models.Role{models.RoleUser, models.RoleAssistant}, false, false, false},
		{"statement keeps earlier flag", []models.Role{models.RoleAssistant, models.RoleAssistant}, true, false, true},
		{"lone user message keeps flag", []models.Role{models.RoleUser}, true, false, true},
		{"empty history", nil, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &models.ConversationState{AwaitingUserInput: tt.awaiting}
			for _, role := range tt.roles {
				state.AppendMessage(role, "text")
			}
			Normalize(state, tt.asked)
			if state.AwaitingUserInput != tt.want {
				t.Errorf("awaiting = %v, want %v", state.AwaitingUserInput, tt.want)
			}
		})
	}
}
