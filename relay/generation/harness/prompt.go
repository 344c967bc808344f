package harness

import (
	"strings"

	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
)

// PromptBuilder assembles model-ready inputs from system text and chat turns.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build normalizes the system text and messages into a Provider PromptInput.
// Messages left empty after normalization are dropped.
func (b *PromptBuilder) Build(system string, messages []ports.PromptMessage, meta map[string]string) ports.PromptInput {
	// Normalize newlines and trim whitespace to keep prompts stable across transports
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	out := make([]ports.PromptMessage, 0, len(messages))
	for _, m := range messages {
		content := norm(m.Content)
		if content == "" {
			continue
		}
		role := m.Role
		if role != ports.RoleAssistant {
			role = ports.RoleUser
		}
		out = append(out, ports.PromptMessage{Role: role, Content: content})
	}

	return ports.PromptInput{
		System:   norm(system),
		Messages: out,
		Meta:     meta,
	}
}

// TurnsToMessages converts stored turns into prompt messages.
func TurnsToMessages(turns []ports.Turn) []ports.PromptMessage {
	msgs := make([]ports.PromptMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, ports.PromptMessage{Role: t.Role, Content: t.Content})
	}
	return msgs
}
