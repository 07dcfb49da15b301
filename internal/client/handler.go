package client

import (
	"context"
	"errors"

	"github.com/omochice/toy-messenger/internal/chat"
	"github.com/omochice/toy-messenger/pkg/protocol"
)

// connHandler forwards channel events of one session onto the event loop.
type connHandler struct {
	c   *Client
	gen uint64
}

func (h *connHandler) HandleMessage(msg protocol.Message) {
	h.c.post(func() {
		if h.gen == h.c.gen {
			h.c.onMessage(msg)
		}
	})
}

func (h *connHandler) HandleStatus(userID int64, online bool) {
	h.c.post(func() {
		if h.gen == h.c.gen {
			h.c.onStatus(userID, online)
		}
	})
}

func (h *connHandler) HandleTyping(ev protocol.Inbound) {
	h.c.post(func() {
		if h.gen == h.c.gen {
			h.c.onTyping(ev)
		}
	})
}

func (h *connHandler) HandleState(state chat.ConnState, err error) {
	h.c.post(func() {
		if h.gen != h.c.gen {
			return
		}
		h.c.mu.Lock()
		h.c.connState = state
		h.c.mu.Unlock()
		h.c.hub.Publish(chat.Event{Kind: chat.EventConnState, State: state, Err: err})
		if errors.Is(err, chat.ErrUnauthorized) {
			h.c.endSession(h.gen, err)
		}
	})
}

func (c *Client) onMessage(w protocol.Message) {
	self, ok := c.session.Identity()
	if !ok {
		return
	}
	m, ok := chat.MessageFromWire(w, self.ID)
	if !ok {
		return
	}
	if m.SenderID != self.ID {
		c.resolvePeer(m.SenderID)
	}
	if c.opts.LocalEcho && m.Sent(self.ID) {
		if clientID, ok := c.timeline.Reconcile(m); ok {
			m.ClientID = clientID
			c.hub.Publish(chat.Event{Kind: chat.EventMessageReconciled, Conversation: m.Conversation, Message: m})
			return
		}
	}
	if c.timeline.Append(m) {
		c.hub.Publish(chat.Event{Kind: chat.EventMessage, Conversation: m.Conversation, Message: m})
	}
}

// resolvePeer fetches a peer the directory does not know yet, typically one
// that registered after the last pull. Runs on the event loop.
func (c *Client) resolvePeer(id int64) {
	if _, ok := c.dir.Peer(id); ok || c.resolving[id] {
		return
	}
	c.resolving[id] = true
	gen := c.gen
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.HTTPTimeout)
		defer cancel()
		u, err := c.api.User(ctx, id)
		c.apply(gen, func() {
			delete(c.resolving, id)
			if err != nil {
				c.logger.Printf("Failed to look up user %d: %v", id, err)
				return
			}
			if c.dir.AddPeer(chat.PeerFromWire(u)) {
				c.hub.Publish(chat.Event{Kind: chat.EventPeers})
			}
		})
	}()
}

func (c *Client) onStatus(userID int64, online bool) {
	if c.dir.ApplyStatus(userID, online) {
		c.hub.Publish(chat.Event{Kind: chat.EventPeerStatus, PeerID: userID, Online: online})
	}
}

func (c *Client) onTyping(ev protocol.Inbound) {
	if self, ok := c.session.Identity(); ok && ev.UserID == self.ID {
		return
	}
	conv, ok := c.selector.Active()
	if !ok || !c.typingApplies(conv, ev) {
		return
	}
	c.typing.Show(ev.Username)
}

// typingApplies reports whether a typing event belongs to conv. Events without
// group_id are matched to a group through its cached membership.
func (c *Client) typingApplies(conv chat.Conversation, ev protocol.Inbound) bool {
	if conv.IsGroup() {
		if ev.GroupID != nil {
			return *ev.GroupID == conv.ID
		}
		return c.dir.IsMember(conv.ID, ev.UserID)
	}
	return ev.GroupID == nil && ev.UserID == conv.ID
}
