package chat

import (
	"fmt"
	"sync"
)

// Kind distinguishes direct chats from group chats.
type Kind int

const (
	KindDirect Kind = iota + 1
	KindGroup
)

// Conversation identifies a direct chat by the counterpart's user id or a group
// chat by the group id. The zero value means "no conversation".
type Conversation struct {
	Kind Kind
	ID   int64
}

// Direct returns the direct conversation with peerID.
func Direct(peerID int64) Conversation {
	return Conversation{Kind: KindDirect, ID: peerID}
}

// GroupChat returns the conversation of group groupID.
func GroupChat(groupID int64) Conversation {
	return Conversation{Kind: KindGroup, ID: groupID}
}

// IsZero reports whether c names no conversation.
func (c Conversation) IsZero() bool {
	return c.Kind == 0
}

// IsGroup reports whether c is a group chat.
func (c Conversation) IsGroup() bool {
	return c.Kind == KindGroup
}

func (c Conversation) String() string {
	switch c.Kind {
	case KindDirect:
		return fmt.Sprintf("user:%d", c.ID)
	case KindGroup:
		return fmt.Sprintf("group:%d", c.ID)
	default:
		return "none"
	}
}

// Target returns the receiver_id/group_id pair for an outbound envelope.
// Exactly one of them is non-nil for a non-zero conversation.
func (c Conversation) Target() (receiverID, groupID *int64) {
	id := c.ID
	switch c.Kind {
	case KindDirect:
		return &id, nil
	case KindGroup:
		return nil, &id
	}
	return nil, nil
}

// Selector tracks the single open conversation.
type Selector struct {
	mu     sync.RWMutex
	active Conversation
}

// NewSelector creates a Selector with nothing selected.
func NewSelector() *Selector {
	return &Selector{}
}

// Select makes c the active conversation and reports whether it changed.
func (s *Selector) Select(c Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.active != c
	s.active = c
	return changed
}

// Clear deselects. It reports whether something was selected.
func (s *Selector) Clear() bool {
	return s.Select(Conversation{})
}

// Active returns the active conversation, if any.
func (s *Selector) Active() (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, !s.active.IsZero()
}

// Is reports whether c is the active conversation.
func (s *Selector) Is(c Conversation) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !c.IsZero() && s.active == c
}
