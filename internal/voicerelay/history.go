package voicerelay

import (
	"sync"

	"github.com/MrWong99/sprechstunde/internal/voicerelay/responder"
)

// History is the append-only conversation record of one relay session.
// Turns are never rewritten; [History.Clear] is the only way to drop them.
type History struct {
	limit int

	mu    sync.Mutex
	turns []responder.Turn
}

// NewHistory creates a History whose [History.Window] returns at most limit
// turns. limit <= 0 means unbounded.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Append records one turn.
func (h *History) Append(role, text string) {
	h.mu.Lock()
	h.turns = append(h.turns, responder.Turn{Role: role, Text: text})
	h.mu.Unlock()
}

// Snapshot returns a copy of every recorded turn.
func (h *History) Snapshot() []responder.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]responder.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Window returns a copy of the most recent turns handed to the responder.
func (h *History) Window() []responder.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := h.turns
	if h.limit > 0 && len(turns) > h.limit {
		turns = turns[len(turns)-h.limit:]
	}
	out := make([]responder.Turn, len(turns))
	copy(out, turns)
	return out
}

// Len reports the number of recorded turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Clear drops every recorded turn.
func (h *History) Clear() {
	h.mu.Lock()
	h.turns = nil
	h.mu.Unlock()
}
