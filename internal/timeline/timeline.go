// Package timeline holds the ordered message log of the open conversation.
package timeline

import (
	"sort"
	"sync"

	"github.com/omochice/toy-messenger/internal/chat"
)

// Timeline is the materialized message log of exactly one conversation. Every
// message it holds belongs to that conversation, ordered by CreatedAt.
type Timeline struct {
	mu   sync.RWMutex
	conv chat.Conversation
	msgs []chat.Message
	ids  map[int64]bool
}

// New creates an empty Timeline bound to no conversation.
func New() *Timeline {
	return &Timeline{ids: make(map[int64]bool)}
}

// Reset empties the timeline and binds it to conv. The zero conversation
// leaves it empty and accepting nothing.
func (t *Timeline) Reset(conv chat.Conversation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conv = conv
	t.msgs = nil
	t.ids = make(map[int64]bool)
}

// Conversation returns the conversation the timeline is bound to.
func (t *Timeline) Conversation() chat.Conversation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conv
}

// Load installs a pulled history page for conv. Messages already present
// (live appends that raced the pull, or the same page loaded twice) are kept
// once. It reports false and changes nothing when conv is not the bound
// conversation.
func (t *Timeline) Load(conv chat.Conversation, page []chat.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conv.IsZero() || conv != t.conv {
		return false
	}

	merged := make([]chat.Message, 0, len(page)+len(t.msgs))
	ids := make(map[int64]bool, len(page)+len(t.msgs))
	for _, m := range page {
		if m.Conversation != conv || ids[m.ID] {
			continue
		}
		ids[m.ID] = true
		merged = append(merged, m)
	}
	var pending []chat.Message
	claimed := make(map[int64]bool)
	for _, m := range t.msgs {
		switch {
		case m.Pending:
			if !claimPending(page, m, claimed) {
				pending = append(pending, m)
			}
		case !ids[m.ID]:
			ids[m.ID] = true
			merged = append(merged, m)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	merged = append(merged, pending...)

	t.msgs = merged
	t.ids = ids
	return true
}

// claimPending reports whether page holds a delivered copy of the echo p that
// no earlier echo has claimed.
func claimPending(page []chat.Message, p chat.Message, claimed map[int64]bool) bool {
	for _, m := range page {
		if !claimed[m.ID] && m.SenderID == p.SenderID && m.SameContent(p) {
			claimed[m.ID] = true
			return true
		}
	}
	return false
}

// Append adds an inbound message. It is accepted only when it belongs to the
// bound conversation and its id is not present yet.
func (t *Timeline) Append(m chat.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conv.IsZero() || m.Conversation != t.conv || t.ids[m.ID] {
		return false
	}
	t.ids[m.ID] = true
	t.insert(m)
	return true
}

// AppendPending adds a provisional local echo.
func (t *Timeline) AppendPending(m chat.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conv.IsZero() || m.Conversation != t.conv {
		return false
	}
	m.Pending = true
	t.msgs = append(t.msgs, m)
	return true
}

// Reconcile replaces the oldest pending echo from the same sender with the same
// content by the relayed message m. It returns the replaced echo's client id.
func (t *Timeline) Reconcile(m chat.Message) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.Conversation != t.conv || t.ids[m.ID] {
		return "", false
	}
	for i, p := range t.msgs {
		if !p.Pending || p.SenderID != m.SenderID || !p.SameContent(m) {
			continue
		}
		t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
		t.ids[m.ID] = true
		t.insert(m)
		return p.ClientID, true
	}
	return "", false
}

// Discard removes the pending echo with clientID, e.g. after its send failed.
func (t *Timeline) Discard(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.msgs {
		if p.Pending && p.ClientID == clientID {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// insert places m by CreatedAt after any message with an equal time. Pending
// echoes always stay at the tail.
func (t *Timeline) insert(m chat.Message) {
	n := len(t.msgs)
	for n > 0 && t.msgs[n-1].Pending {
		n--
	}
	i := sort.Search(n, func(i int) bool {
		return t.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	t.msgs = append(t.msgs, chat.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
}

// Messages returns a copy of the log.
func (t *Timeline) Messages() []chat.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]chat.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}
