package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/toy-messenger/internal/chat"
	ws "github.com/omochice/toy-messenger/internal/client/ws"
	"github.com/omochice/toy-messenger/pkg/protocol"
)

// generation returns the current session generation, or ErrNoSession.
func (c *Client) generation() (uint64, error) {
	var gen uint64
	err := c.do(func() error {
		if !c.session.Active() {
			return ErrNoSession
		}
		gen = c.gen
		return nil
	})
	return gen, err
}

// apply runs f on the event loop if the session of gen is still current.
func (c *Client) apply(gen uint64, f func()) error {
	return c.do(func() error {
		if gen != c.gen {
			return ErrNoSession
		}
		f()
		return nil
	})
}

// failed ends the session of gen on an auth error and wraps err.
func (c *Client) failed(gen uint64, what string, err error) error {
	if errors.Is(err, chat.ErrUnauthorized) {
		c.post(func() { c.endSession(gen, err) })
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}

// RefreshPeers replaces the cached peers with a fresh pull.
func (c *Client) RefreshPeers(ctx context.Context) error {
	gen, err := c.generation()
	if err != nil {
		return err
	}
	users, err := c.api.Users(ctx)
	if err != nil {
		return c.failed(gen, "load users", err)
	}
	peers := make([]chat.Peer, len(users))
	for i, u := range users {
		peers[i] = chat.PeerFromWire(u)
	}
	return c.apply(gen, func() {
		c.dir.ReplacePeers(peers)
		c.hub.Publish(chat.Event{Kind: chat.EventPeers})
	})
}

// RefreshGroups replaces the cached groups with a fresh pull.
func (c *Client) RefreshGroups(ctx context.Context) error {
	gen, err := c.generation()
	if err != nil {
		return err
	}
	list, err := c.api.Groups(ctx)
	if err != nil {
		return c.failed(gen, "load groups", err)
	}
	groups := make([]chat.Group, len(list))
	for i, g := range list {
		groups[i] = chat.GroupFromWire(g)
	}
	return c.apply(gen, func() {
		c.dir.ReplaceGroups(groups)
		c.hub.Publish(chat.Event{Kind: chat.EventGroups})
	})
}

// CreateGroup creates a group owned by the caller and caches it.
func (c *Client) CreateGroup(ctx context.Context, name, description string) (chat.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chat.Group{}, errors.New("group name is required")
	}
	gen, err := c.generation()
	if err != nil {
		return chat.Group{}, err
	}
	created, err := c.api.CreateGroup(ctx, name, strings.TrimSpace(description))
	if err != nil {
		return chat.Group{}, c.failed(gen, "create group", err)
	}
	g := chat.GroupFromWire(created)
	err = c.apply(gen, func() {
		c.dir.AddGroup(g)
		c.hub.Publish(chat.Event{Kind: chat.EventGroups})
	})
	return g, err
}

// JoinGroup joins a group and refreshes the group list.
func (c *Client) JoinGroup(ctx context.Context, groupID int64) error {
	gen, err := c.generation()
	if err != nil {
		return err
	}
	if err := c.api.JoinGroup(ctx, groupID); err != nil {
		return c.failed(gen, "join group", err)
	}
	return c.RefreshGroups(ctx)
}

// Select opens conv and pulls its history. Selecting the open conversation
// again only pulls. The zero conversation clears the selection.
func (c *Client) Select(conv chat.Conversation) error {
	return c.do(func() error {
		if !c.session.Active() {
			return ErrNoSession
		}
		if conv.IsZero() {
			c.clearSelection()
			return nil
		}
		if c.selector.Select(conv) {
			c.timeline.Reset(conv)
			c.typing.Clear()
			c.hub.Publish(chat.Event{Kind: chat.EventSelection, Conversation: conv})
			c.hub.Publish(chat.Event{Kind: chat.EventTimelineReset, Conversation: conv})
		}
		go c.pull(c.gen, conv)
		return nil
	})
}

// ClearSelection closes the open conversation.
func (c *Client) ClearSelection() error {
	return c.do(func() error {
		c.clearSelection()
		return nil
	})
}

func (c *Client) clearSelection() {
	if !c.selector.Clear() {
		return
	}
	c.timeline.Reset(chat.Conversation{})
	c.typing.Clear()
	c.hub.Publish(chat.Event{Kind: chat.EventSelection})
	c.hub.Publish(chat.Event{Kind: chat.EventTimelineReset})
}

// pull fetches the history of conv and installs it if conv is still open.
func (c *Client) pull(gen uint64, conv chat.Conversation) {
	var (
		page []protocol.Message
		err  error
	)
	if conv.IsGroup() {
		page, err = c.api.GroupHistory(c.ctx, conv.ID)
	} else {
		page, err = c.api.DirectHistory(c.ctx, conv.ID)
	}
	if err != nil {
		err = c.failed(gen, "load history", err)
		c.logger.Printf("History pull for %s: %v", conv, err)
		c.post(func() {
			if gen == c.gen && c.selector.Is(conv) {
				c.hub.Publish(chat.Event{Kind: chat.EventError, Conversation: conv, Err: err})
			}
		})
		return
	}

	c.post(func() {
		if gen != c.gen || !c.selector.Is(conv) {
			// the user moved on while the pull was in flight
			return
		}
		self, _ := c.session.Identity()
		msgs := make([]chat.Message, 0, len(page))
		for _, w := range page {
			if m, ok := chat.MessageFromWire(w, self.ID); ok {
				msgs = append(msgs, m)
			}
		}
		if c.timeline.Load(conv, msgs) {
			c.hub.Publish(chat.Event{Kind: chat.EventTimelineReset, Conversation: conv})
		}
	})
}

// outgoing is what a send captured from the loop.
type outgoing struct {
	gen     uint64
	conv    chat.Conversation
	self    chat.Identity
	manager *ws.Manager
}

func (c *Client) prepare() (outgoing, error) {
	var o outgoing
	err := c.do(func() error {
		if !c.session.Active() {
			return ErrNoSession
		}
		conv, ok := c.selector.Active()
		if !ok {
			return ErrNoConversation
		}
		o.gen = c.gen
		o.conv = conv
		o.self, _ = c.session.Identity()
		o.manager = c.currentManager()
		return nil
	})
	return o, err
}

// SendText sends trimmed text to the open conversation.
func (c *Client) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	o, err := c.prepare()
	if err != nil {
		return err
	}
	return c.deliver(ctx, o, protocol.Outbound{Type: protocol.TypeMessage, Content: text}, nil)
}

// SendFile uploads r as name and sends it to the open conversation.
func (c *Client) SendFile(ctx context.Context, name string, r io.Reader) error {
	return c.sendUpload(ctx, name, r, "")
}

// SendVoice uploads a recording and sends it as a voice message whatever its
// extension. An empty name uploads it as voice.webm.
func (c *Client) SendVoice(ctx context.Context, name string, r io.Reader) error {
	if name == "" {
		name = "voice.webm"
	}
	return c.sendUpload(ctx, name, r, protocol.FileVoice)
}

func (c *Client) sendUpload(ctx context.Context, name string, r io.Reader, kind string) error {
	if r == nil || name == "" {
		return ErrEmptyMessage
	}
	o, err := c.prepare()
	if err != nil {
		return err
	}
	up, err := c.api.Upload(ctx, name, r)
	if err != nil {
		return c.failed(o.gen, "upload file", err)
	}
	if kind == "" {
		kind = up.Type
	}
	env := protocol.Outbound{Type: protocol.TypeMessage, FileURL: up.URL, FileType: kind}
	att := &chat.Attachment{URL: up.URL, Kind: chat.ParseAttachmentKind(kind)}
	return c.deliver(ctx, o, env, att)
}

// deliver writes env to the conversation captured in o. With local echo on, a
// pending copy is shown first and withdrawn if the write fails.
func (c *Client) deliver(ctx context.Context, o outgoing, env protocol.Outbound, att *chat.Attachment) error {
	env.ReceiverID, env.GroupID = o.conv.Target()
	if o.manager == nil {
		return fmt.Errorf("failed to send message: %w", ws.ErrNotConnected)
	}

	var clientID string
	if c.opts.LocalEcho {
		echo := chat.Message{
			SenderID:     o.self.ID,
			SenderName:   o.self.Username,
			Conversation: o.conv,
			CreatedAt:    time.Now(),
			Text:         env.Content,
			Attachment:   att,
			ClientID:     uuid.NewString(),
		}
		c.apply(o.gen, func() {
			if c.timeline.AppendPending(echo) {
				clientID = echo.ClientID
				echo.Pending = true
				c.hub.Publish(chat.Event{Kind: chat.EventMessage, Conversation: o.conv, Message: echo})
			}
		})
	}

	if err := o.manager.Send(ctx, env); err != nil {
		c.logger.Printf("Dropped message to %s: %v", o.conv, err)
		if clientID != "" {
			c.post(func() {
				if c.timeline.Discard(clientID) {
					c.hub.Publish(chat.Event{Kind: chat.EventTimelineReset, Conversation: o.conv})
				}
			})
		}
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Keystroke signals local typing in the open conversation. Failures are only
// logged.
func (c *Client) Keystroke() {
	var (
		conv chat.Conversation
		m    *ws.Manager
	)
	err := c.do(func() error {
		active, ok := c.selector.Active()
		if !ok || !c.session.Active() || !c.typing.Keystroke(active) {
			return ErrNoConversation
		}
		conv = active
		m = c.currentManager()
		return nil
	})
	if err != nil || m == nil {
		return
	}
	env := protocol.Outbound{Type: protocol.TypeTyping}
	env.ReceiverID, env.GroupID = conv.Target()
	if err := m.Send(c.ctx, env); err != nil {
		c.logger.Printf("Dropped typing signal: %v", err)
	}
}

// UpdateProfile changes username and/or email; empty values are kept.
func (c *Client) UpdateProfile(ctx context.Context, username, email string) error {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" && email == "" {
		return errors.New("nothing to update")
	}
	gen, err := c.generation()
	if err != nil {
		return err
	}
	u, err := c.api.UpdateProfile(ctx, username, email)
	if err != nil {
		return c.failed(gen, "update profile", err)
	}
	return c.apply(gen, func() {
		id, _ := c.session.Identity()
		updated := chat.IdentityFromWire(u)
		if updated.Avatar == "" {
			updated.Avatar = id.Avatar
		}
		c.session.SetIdentity(updated)
		c.hub.Publish(chat.Event{Kind: chat.EventIdentity})
	})
}

// ChangePassword replaces the caller's password.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	if oldPassword == "" || newPassword == "" {
		return errors.New("old and new password are required")
	}
	gen, err := c.generation()
	if err != nil {
		return err
	}
	if err := c.api.ChangePassword(ctx, oldPassword, newPassword); err != nil {
		return c.failed(gen, "change password", err)
	}
	return nil
}

// UploadAvatar replaces the caller's avatar image.
func (c *Client) UploadAvatar(ctx context.Context, name string, r io.Reader) error {
	if r == nil || name == "" {
		return ErrEmptyMessage
	}
	gen, err := c.generation()
	if err != nil {
		return err
	}
	avatar, err := c.api.UploadAvatar(ctx, name, r)
	if err != nil {
		return c.failed(gen, "upload avatar", err)
	}
	return c.apply(gen, func() {
		id, _ := c.session.Identity()
		id.Avatar = avatar
		c.session.SetIdentity(id)
		c.hub.Publish(chat.Event{Kind: chat.EventIdentity})
	})
}
