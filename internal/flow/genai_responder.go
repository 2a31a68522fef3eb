package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/genai"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/openai/openai-go"
)

// maxHistoryMessages bounds the history sent to the model.
const maxHistoryMessages = 30

// responseContract tells the model how to shape its JSON answer.
const responseContract = `Reply with a single JSON object:
{
  "reply": "<your next message to the founder>",
  "directive": "STAY" | "NEXT" | "MODIFY:<section_id>",
  "updates": {"fields": {"<required field>": <value>}, "complete": <bool>, "satisfied": <bool>},
  "asked": <true if the reply asks the founder something>
}
Use "NEXT" only after every required field is captured and, where confirmation is required, the founder confirmed the summary.
Set "complete" once all required fields are captured and "satisfied" once the founder confirmed.`

// structuredReply is the JSON shape the model answers with.
type structuredReply struct {
	Reply     string            `json:"reply"`
	Directive *models.Directive `json:"directive,omitempty"`
	Updates   SectionUpdates    `json:"updates"`
	Asked     *bool             `json:"asked,omitempty"`
}

// GenAIResponder asks the model for the next message of the current section.
type GenAIResponder struct {
	client genai.ClientInterface
}

// NewGenAIResponder creates a responder backed by client.
func NewGenAIResponder(client genai.ClientInterface) *GenAIResponder {
	return &GenAIResponder{client: client}
}

// Respond implements Responder. Replies that are not valid JSON are used as
// plain text with no directive and no updates.
func (r *GenAIResponder) Respond(ctx context.Context, packet models.ContextPacket, history []models.Message) (ResponderOutput, error) {
	messages := r.buildMessages(packet, history)
	raw, err := r.client.GenerateJSON(ctx, messages)
	if err != nil {
		return ResponderOutput{}, err
	}
	return parseReply(raw, packet.SectionID), nil
}

func (r *GenAIResponder) buildMessages(packet models.ContextPacket, history []models.Message) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(packet.SystemPrompt),
		openai.SystemMessage(responseContract),
	}
	if progress := describeSection(packet); progress != "" {
		messages = append(messages, openai.SystemMessage(progress))
	}

	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}
	if len(history) == 0 {
		messages = append(messages, openai.UserMessage("Please start this section."))
	}
	return messages
}

// describeSection lists what has already been captured for the current
// section. The live Captured data wins over the canvas snapshot taken on entry.
func describeSection(packet models.ContextPacket) string {
	captured := packet.Captured
	if captured == nil {
		captured = packet.Canvas[packet.SectionID]
	}
	if len(captured) == 0 {
		return ""
	}
	keys := make([]string, 0, len(captured))
	for k := range captured {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("Already captured for this section (do not ask again):\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, captured[k])
	}
	return b.String()
}

func parseReply(raw string, section models.SectionID) ResponderOutput {
	var reply structuredReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil || strings.TrimSpace(reply.Reply) == "" {
		slog.Warn("GenAIResponder: reply is not structured, using raw text", "section", section, "error", err)
		return ResponderOutput{Message: strings.TrimSpace(raw), Asked: models.EndsWithQuestion(raw)}
	}
	out := ResponderOutput{
		Message:   strings.TrimSpace(reply.Reply),
		Directive: reply.Directive,
		Updates:   reply.Updates,
	}
	if reply.Asked != nil {
		out.Asked = *reply.Asked
	} else {
		out.Asked = models.EndsWithQuestion(reply.Reply)
	}
	slog.Debug("GenAIResponder: parsed reply", "section", section, "directive", directiveString(out.Directive), "fields", len(out.Updates.Fields), "complete", out.Updates.Complete, "satisfied", out.Updates.Satisfied)
	return out
}

func directiveString(d *models.Directive) string {
	if d == nil {
		return "none"
	}
	return d.String()
}
