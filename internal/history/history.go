// Package history keeps the bounded conversation used to build LLM prompts.
package history

import "sync"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is an ordered message log capped at a maximum length. The oldest
// messages are evicted first.
type History struct {
	mu   sync.Mutex
	max  int
	msgs []Message
}

// New returns a history holding at most max messages. max <= 0 means unbounded.
func New(max int) *History {
	return &History{max: max}
}

// Append adds messages in order and trims the log to its cap.
func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
	if h.max > 0 && len(h.msgs) > h.max {
		trimmed := make([]Message, h.max)
		copy(trimmed, h.msgs[len(h.msgs)-h.max:])
		h.msgs = trimmed
	}
}

// Snapshot returns a copy of the log that the caller may keep.
func (h *History) Snapshot() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func (h *History) Reset() {
	h.mu.Lock()
	h.msgs = nil
	h.mu.Unlock()
}
