package chat

import (
	"time"

	"github.com/omochice/toy-messenger/pkg/protocol"
)

// Identity is the authenticated user of this client process.
type Identity struct {
	ID       int64
	Username string
	Email    string
	Avatar   string
}

// Peer is a direct-chat contact.
type Peer struct {
	ID       int64
	Username string
	IsOnline bool
	Avatar   string
}

// Group is a group chat and its membership.
type Group struct {
	ID          int64
	Name        string
	Description string
	Avatar      string
	OwnerID     int64
	MemberIDs   map[int64]bool
}

// MemberCount returns the number of members.
func (g Group) MemberCount() int {
	return len(g.MemberIDs)
}

// AttachmentKind is the kind of file attached to a message.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = protocol.FileImage
	AttachmentVoice AttachmentKind = protocol.FileVoice
	AttachmentFile  AttachmentKind = protocol.FileOther
)

// ParseAttachmentKind maps a file_type value onto a kind; anything unknown is a
// plain file.
func ParseAttachmentKind(s string) AttachmentKind {
	switch s {
	case protocol.FileImage:
		return AttachmentImage
	case protocol.FileVoice:
		return AttachmentVoice
	default:
		return AttachmentFile
	}
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	URL  string
	Kind AttachmentKind
}

// Message is an immutable chat message.
type Message struct {
	ID           int64
	SenderID     int64
	SenderName   string
	Conversation Conversation
	CreatedAt    time.Time
	Text         string
	Attachment   *Attachment

	// ClientID and Pending are set only on provisional local echoes.
	ClientID string
	Pending  bool
}

// Sent reports whether the message was written by selfID.
func (m Message) Sent(selfID int64) bool {
	return m.SenderID == selfID
}

// Direction returns "sent" or "received" relative to selfID.
func (m Message) Direction(selfID int64) string {
	if m.Sent(selfID) {
		return "sent"
	}
	return "received"
}

// SameContent reports whether m and o carry the same text and attachment URL.
func (m Message) SameContent(o Message) bool {
	if m.Text != o.Text {
		return false
	}
	var a, b string
	if m.Attachment != nil {
		a = m.Attachment.URL
	}
	if o.Attachment != nil {
		b = o.Attachment.URL
	}
	return a == b
}

// TypingState is the transient "someone is typing" indicator.
type TypingState struct {
	Active   bool
	Username string
}

// ConversationOf derives the conversation a wire message belongs to, seen from
// selfID: group messages belong to their group, direct messages to the
// counterpart. ok is false when the message names no target.
func ConversationOf(w protocol.Message, selfID int64) (c Conversation, ok bool) {
	switch {
	case w.GroupID != nil:
		return GroupChat(*w.GroupID), true
	case w.ReceiverID != nil:
		if w.SenderID == selfID {
			return Direct(*w.ReceiverID), true
		}
		return Direct(w.SenderID), true
	default:
		return Conversation{}, false
	}
}

// MessageFromWire converts a wire message into a Message seen from selfID.
func MessageFromWire(w protocol.Message, selfID int64) (Message, bool) {
	conv, ok := ConversationOf(w, selfID)
	if !ok {
		return Message{}, false
	}
	m := Message{
		ID:           w.ID,
		SenderID:     w.SenderID,
		Conversation: conv,
		CreatedAt:    w.CreatedAt.Time,
		Text:         w.Content,
	}
	if w.Sender != nil {
		m.SenderName = w.Sender.Username
	}
	if w.FileURL != "" {
		m.Attachment = &Attachment{URL: w.FileURL, Kind: ParseAttachmentKind(w.FileType)}
	}
	return m, true
}

// PeerFromWire converts a user record into a Peer.
func PeerFromWire(u protocol.User) Peer {
	return Peer{ID: u.ID, Username: u.Username, IsOnline: u.IsOnline, Avatar: u.Avatar}
}

// IdentityFromWire converts a user record into an Identity.
func IdentityFromWire(u protocol.User) Identity {
	return Identity{ID: u.ID, Username: u.Username, Email: u.Email, Avatar: u.Avatar}
}

// GroupFromWire converts a group record into a Group.
func GroupFromWire(g protocol.Group) Group {
	members := make(map[int64]bool, len(g.Members))
	for _, m := range g.Members {
		members[m.ID] = true
	}
	return Group{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Avatar:      g.Avatar,
		OwnerID:     g.OwnerID,
		MemberIDs:   members,
	}
}
