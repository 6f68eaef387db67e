// Package transcript assembles the running text of each conversation stream
// into display captions.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stream/internal/protocol"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type line struct {
	role string
	text strings.Builder
}

// Assembler keeps one caption per open stream. A stream is evicted as soon as
// its final caption has been produced.
type Assembler struct {
	mu    sync.Mutex
	lines map[string]*line
	now   func() time.Time
}

func NewAssembler() *Assembler {
	return &Assembler{lines: make(map[string]*line), now: time.Now}
}

// Replace sets the stream text. Recognizers resend the whole utterance with
// every interim result.
func (a *Assembler) Replace(streamID, role, text string, final bool) protocol.Caption {
	return a.update(streamID, role, text, true, final)
}

// Append extends the stream text with a streamed fragment.
func (a *Assembler) Append(streamID, role, text string, final bool) protocol.Caption {
	return a.update(streamID, role, text, false, final)
}

// Interrupt closes every open stream of role, returning their captions
// marked final. It is used when a flush cuts a reply short.
func (a *Assembler) Interrupt(role string) []protocol.Caption {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []protocol.Caption
	for key, l := range a.lines {
		if l.role != role {
			continue
		}
		out = append(out, protocol.Caption{
			StreamID:  strings.TrimPrefix(key, role+"/"),
			Role:      role,
			Text:      strings.TrimSpace(l.text.String()),
			Final:     true,
			Timestamp: a.now().UTC(),
		})
		delete(a.lines, key)
	}
	return out
}

// Len reports how many streams are still open.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lines)
}

func (a *Assembler) update(streamID, role, text string, replace, final bool) protocol.Caption {
	if streamID == "" {
		streamID = role
	}
	key := role + "/" + streamID

	a.mu.Lock()
	defer a.mu.Unlock()
	l := a.lines[key]
	if l == nil {
		l = &line{role: role}
		a.lines[key] = l
	}
	if replace {
		l.text.Reset()
	}
	l.text.WriteString(text)
	caption := protocol.Caption{
		StreamID:  streamID,
		Role:      l.role,
		Text:      strings.TrimSpace(l.text.String()),
		Final:     final,
		Timestamp: a.now().UTC(),
	}
	if final {
		delete(a.lines, key)
	}
	return caption
}
