package server

import (
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/toy-messenger/pkg/protocol"
)

// Client is one open channel of an authenticated user.
type Client struct {
	conn     Connection
	userID   int64
	outgoing chan []byte
}

// handleWebSocket authenticates the token in the path and upgrades the
// request. An invalid token is refused before the handshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	username, err := s.auth.verify(r.PathValue("token"))
	if err != nil {
		s.logger.Printf("Rejected channel from %s: %v", r.RemoteAddr, err)
		writeError(w, http.StatusForbidden, "Could not validate credentials")
		return
	}
	u, ok := s.db.userByName(username)
	if !ok {
		writeError(w, http.StatusForbidden, "Could not validate credentials")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		conn:     NewWebSocketConnection(conn, s.idleTimeout),
		userID:   u.id,
		outgoing: make(chan []byte, 32),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		client.conn.Close()
		return
	}
	first := len(s.clients[u.id]) == 0
	if s.clients[u.id] == nil {
		s.clients[u.id] = make(map[*Client]bool)
	}
	s.clients[u.id][client] = true
	s.wg.Add(2)
	s.mu.Unlock()

	s.logger.Printf("User %s connected", u.username)
	if first {
		s.broadcastStatus(u.id, true)
	}

	go s.writeLoop(client)
	go s.handleClient(client)
}

// writeLoop drains the outgoing queue of one channel.
func (s *Server) writeLoop(client *Client) {
	defer s.wg.Done()
	for data := range client.outgoing {
		if err := client.conn.Write(data); err != nil {
			s.logger.Printf("Failed to send message to client: %v", err)
			client.conn.Close()
			return
		}
	}
}

// handleClient serves one channel until it closes.
func (s *Server) handleClient(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients[client.userID], client)
		last := len(s.clients[client.userID]) == 0
		if last {
			delete(s.clients, client.userID)
		}
		close(client.outgoing)
		s.mu.Unlock()
		client.conn.Close()

		if last {
			s.db.touch(client.userID)
			s.broadcastStatus(client.userID, false)
		}
	}()

	for {
		data, err := client.conn.Read()
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.As(err, &closed) {
				s.logger.Printf("Channel of user %d closed: %v", client.userID, err)
			}
			return
		}

		var env protocol.Outbound
		if err := env.Decode(data); err != nil {
			s.logger.Printf("Failed to decode message: %v", err)
			continue
		}

		switch env.Type {
		case protocol.TypeMessage:
			s.relayMessage(client.userID, env)
		case protocol.TypeTyping:
			s.relayTyping(client.userID, env)
		default:
			s.logger.Printf("Ignoring %q envelope from user %d", env.Type, client.userID)
		}
	}
}

// relayMessage stores a message and pushes it to the receiver and the sender,
// or to every member of the group.
func (s *Server) relayMessage(senderID int64, env protocol.Outbound) {
	if err := env.Validate(); err != nil {
		s.logger.Printf("Dropped message from user %d: %v", senderID, err)
		return
	}
	if env.Content == "" && env.FileURL == "" {
		return
	}

	var recipients []int64
	if env.ReceiverID != nil {
		if _, ok := s.db.user(*env.ReceiverID); !ok {
			s.logger.Printf("Dropped message from user %d to unknown user %d", senderID, *env.ReceiverID)
			return
		}
		recipients = []int64{*env.ReceiverID, senderID}
	} else {
		g, ok := s.db.group(*env.GroupID)
		if !ok || !isMember(g, senderID) {
			s.logger.Printf("Dropped message from user %d to group %d", senderID, *env.GroupID)
			return
		}
		recipients = g.members
	}

	m := s.db.addMessage(protocol.Message{
		Content:    env.Content,
		FileURL:    env.FileURL,
		FileType:   env.FileType,
		SenderID:   senderID,
		ReceiverID: env.ReceiverID,
		GroupID:    env.GroupID,
	})
	s.withSender(&m)

	frame := protocol.Inbound{Type: protocol.TypeMessage, Message: m}
	data, err := frame.Encode()
	if err != nil {
		s.logger.Printf("Failed to encode message: %v", err)
		return
	}
	s.sendTo(data, recipients...)
}

// relayTyping forwards a typing signal to the receiver, or to the other
// members of the group.
func (s *Server) relayTyping(senderID int64, env protocol.Outbound) {
	if env.Validate() != nil {
		return
	}
	u, ok := s.db.user(senderID)
	if !ok {
		return
	}
	frame := protocol.Inbound{Type: protocol.TypeTyping, UserID: senderID, Username: u.username}

	var recipients []int64
	if env.ReceiverID != nil {
		recipients = []int64{*env.ReceiverID}
	} else {
		g, ok := s.db.group(*env.GroupID)
		if !ok {
			return
		}
		frame.GroupID = env.GroupID
		for _, id := range g.members {
			if id != senderID {
				recipients = append(recipients, id)
			}
		}
	}

	data, err := frame.Encode()
	if err != nil {
		s.logger.Printf("Failed to encode typing event: %v", err)
		return
	}
	s.sendTo(data, recipients...)
}

func (s *Server) broadcastStatus(userID int64, online bool) {
	frame := protocol.Inbound{Type: protocol.TypeStatus, UserID: userID, IsOnline: online}
	data, err := frame.Encode()
	if err != nil {
		s.logger.Printf("Failed to encode status: %v", err)
		return
	}
	s.broadcast(data)
}

// sendTo queues data on every channel of the given users. A user listed twice
// receives it once.
func (s *Server) sendTo(data []byte, userIDs ...int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		for client := range s.clients[id] {
			s.enqueue(client, data)
		}
	}
}

// broadcast sends a message to every connected client
func (s *Server) broadcast(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, clients := range s.clients {
		for client := range clients {
			s.enqueue(client, data)
		}
	}
}

func (s *Server) enqueue(client *Client, data []byte) {
	select {
	case client.outgoing <- data:
	default:
		// Channel is full, skip this client
		s.logger.Printf("Client channel full, skipping")
	}
}

// isOnline reports whether userID has an open channel.
func (s *Server) isOnline(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[userID]) > 0
}

// Disconnect closes every channel of userID. Clients see a dropped connection.
func (s *Server) Disconnect(userID int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients[userID] {
		client.conn.Close()
	}
}

func isMember(g group, userID int64) bool {
	for _, id := range g.members {
		if id == userID {
			return true
		}
	}
	return false
}
