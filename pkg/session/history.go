package session

import "github.com/teslashibe/go-phoneagent/pkg/inference"

// Turn is one entry of the conversation. Immutable once appended.
type Turn struct {
	Role    inference.Role `json:"role"`
	Content string         `json:"content"`
}

// History is the ordered conversation of a call. It starts with exactly one
// system turn. History is not synchronized; the owning session guards it.
type History struct {
	turns []Turn
}

// NewHistory returns a history holding the system prompt.
func NewHistory(systemPrompt string) History {
	return History{turns: []Turn{{Role: inference.RoleSystem, Content: systemPrompt}}}
}

// Append adds a turn.
func (h *History) Append(role inference.Role, content string) {
	h.turns = append(h.turns, Turn{Role: role, Content: content})
}

// Len returns the number of turns.
func (h *History) Len() int {
	return len(h.turns)
}

// Snapshot returns a copy of the turns.
func (h *History) Snapshot() []Turn {
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Messages converts the turns to a generation request.
func (h *History) Messages() []inference.Message {
	out := make([]inference.Message, len(h.turns))
	for i, t := range h.turns {
		out[i] = inference.Message{Role: t.Role, Content: t.Content}
	}
	return out
}
