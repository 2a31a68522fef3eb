package flow

import "github.com/DreamOne11/FounderBuddy-sub001/internal/models"

// Normalize resets awaiting_user_input after the responder or the user has
// added a message. asked reports whether the latest assistant message is a
// question to the user.
func Normalize(state *models.ConversationState, asked bool) {
	n := len(state.Messages)
	if n >= 2 && state.Messages[n-2].Role == models.RoleAssistant && state.Messages[n-1].Role == models.RoleUser {
		state.AwaitingUserInput = false
		return
	}
	if state.LastIsAssistant() && asked {
		state.AwaitingUserInput = true
	}
}
