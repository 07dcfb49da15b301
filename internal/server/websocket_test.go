package server_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/toy-messenger/internal/api"
	"github.com/omochice/toy-messenger/pkg/protocol"
)

func dial(t *testing.T, ts *httptest.Server, c *api.Client) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + c.Token()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ protocol.EventType) protocol.Inbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var ev protocol.Inbound
		if err := ev.Decode(data); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if ev.Type == typ {
			return ev
		}
	}
}

// silent asserts that no frame of type typ arrives within d.
func silent(t *testing.T, conn *websocket.Conn, typ protocol.EventType, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev protocol.Inbound
		if ev.Decode(data) == nil && ev.Type == typ {
			t.Errorf("unexpected %s event: %s", typ, data)
			return
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, env protocol.Outbound) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
}

func TestWebSocket_RejectsInvalidToken(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/not-a-token"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() with an invalid token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %v, want 403", resp)
	}
}

func TestWebSocket_ClientCount(t *testing.T) {
	srv, ts := newTestServer(t)
	alice, _ := register(t, ts, "alice")

	dial(t, ts, alice)
	dial(t, ts, alice)

	time.Sleep(100 * time.Millisecond)
	if count := srv.ClientCount(); count != 2 {
		t.Errorf("Expected 2 clients, got %d", count)
	}
}

func TestWebSocket_RefusedAfterStop(t *testing.T) {
	srv, ts := newTestServer(t)
	alice, _ := register(t, ts, "alice")
	before := dial(t, ts, alice)

	srv.Stop()

	// closed reports whether the server hung up before the deadline.
	closed := func(conn *websocket.Conn) bool {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var ne net.Error
				return !errors.As(err, &ne) || !ne.Timeout()
			}
		}
	}

	if !closed(before) {
		t.Error("channel opened before Stop is still open")
	}
	if !closed(dial(t, ts, alice)) {
		t.Error("channel opened after Stop was served")
	}
	if count := srv.ClientCount(); count != 0 {
		t.Errorf("ClientCount() after Stop = %d, want 0", count)
	}
}

func TestWebSocket_DirectRelay(t *testing.T) {
	_, ts := newTestServer(t)
	alice, aliceID := register(t, ts, "alice")
	bob, bobID := register(t, ts, "bob")
	aliceConn := dial(t, ts, alice)
	bobConn := dial(t, ts, bob)

	send(t, aliceConn, protocol.Outbound{Type: protocol.TypeMessage, Content: "hi", ReceiverID: protocol.ID(bobID)})

	for name, conn := range map[string]*websocket.Conn{"receiver": bobConn, "sender": aliceConn} {
		ev := next(t, conn, protocol.TypeMessage)
		if ev.ID == 0 || ev.Content != "hi" || ev.SenderID != aliceID || ev.ReceiverID == nil || *ev.ReceiverID != bobID {
			t.Errorf("%s got %+v", name, ev)
		}
		if ev.Sender == nil || ev.Sender.Username != "alice" || ev.CreatedAt.IsZero() {
			t.Errorf("%s got no sender summary or timestamp: %+v", name, ev)
		}
	}

	history, err := bob.DirectHistory(context.Background(), aliceID)
	if err != nil {
		t.Fatalf("DirectHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].Content != "hi" || history[0].GroupID != nil {
		t.Errorf("DirectHistory() = %+v", history)
	}
}

func TestWebSocket_GroupFanOut(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()
	alice, aliceID := register(t, ts, "alice")
	bob, _ := register(t, ts, "bob")
	carol, _ := register(t, ts, "carol")

	g, err := alice.CreateGroup(ctx, "team", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := bob.JoinGroup(ctx, g.ID); err != nil {
		t.Fatal(err)
	}

	aliceConn := dial(t, ts, alice)
	bobConn := dial(t, ts, bob)
	carolConn := dial(t, ts, carol)

	send(t, aliceConn, protocol.Outbound{Type: protocol.TypeMessage, FileURL: "/uploads/a.png", FileType: "image", GroupID: protocol.ID(g.ID)})

	for name, conn := range map[string]*websocket.Conn{"sender": aliceConn, "member": bobConn} {
		ev := next(t, conn, protocol.TypeMessage)
		if ev.GroupID == nil || *ev.GroupID != g.ID || ev.SenderID != aliceID || ev.FileType != "image" {
			t.Errorf("%s got %+v", name, ev)
		}
	}
	silent(t, carolConn, protocol.TypeMessage, 200*time.Millisecond)

	history, err := bob.GroupHistory(ctx, g.ID)
	if err != nil || len(history) != 1 || history[0].FileURL != "/uploads/a.png" || history[0].ReceiverID != nil {
		t.Errorf("GroupHistory() = %+v, %v", history, err)
	}
}

func TestWebSocket_DropsInvalidEnvelopes(t *testing.T) {
	_, ts := newTestServer(t)
	alice, _ := register(t, ts, "alice")
	bob, bobID := register(t, ts, "bob")
	aliceConn := dial(t, ts, alice)
	bobConn := dial(t, ts, bob)

	aliceConn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	aliceConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","content":"both","receiver_id":2,"group_id":1}`))
	aliceConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","receiver_id":2}`))
	aliceConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","content":"nobody","receiver_id":999}`))
	send(t, aliceConn, protocol.Outbound{Type: protocol.TypeMessage, Content: "valid", ReceiverID: protocol.ID(bobID)})

	ev := next(t, bobConn, protocol.TypeMessage)
	if ev.Content != "valid" {
		t.Errorf("first relayed message = %q, want the valid one", ev.Content)
	}
}

func TestWebSocket_Typing(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()
	alice, aliceID := register(t, ts, "alice")
	bob, bobID := register(t, ts, "bob")

	g, _ := alice.CreateGroup(ctx, "team", "")
	bob.JoinGroup(ctx, g.ID)

	aliceConn := dial(t, ts, alice)
	bobConn := dial(t, ts, bob)

	send(t, aliceConn, protocol.Outbound{Type: protocol.TypeTyping, ReceiverID: protocol.ID(bobID)})
	ev := next(t, bobConn, protocol.TypeTyping)
	if ev.UserID != aliceID || ev.Username != "alice" || ev.GroupID != nil {
		t.Errorf("direct typing = %+v", ev)
	}

	send(t, aliceConn, protocol.Outbound{Type: protocol.TypeTyping, GroupID: protocol.ID(g.ID)})
	ev = next(t, bobConn, protocol.TypeTyping)
	if ev.UserID != aliceID || ev.GroupID == nil || *ev.GroupID != g.ID {
		t.Errorf("group typing = %+v", ev)
	}
	silent(t, aliceConn, protocol.TypeTyping, 200*time.Millisecond)
}

func TestWebSocket_StatusBroadcast(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()
	alice, aliceID := register(t, ts, "alice")
	bob, _ := register(t, ts, "bob")

	bobConn := dial(t, ts, bob)
	aliceConn := dial(t, ts, alice)

	ev := next(t, bobConn, protocol.TypeStatus)
	for ev.UserID != aliceID {
		ev = next(t, bobConn, protocol.TypeStatus)
	}
	if !ev.IsOnline {
		t.Errorf("status on connect = %+v, want online", ev)
	}

	users, _ := bob.Users(ctx)
	if len(users) != 1 || !users[0].IsOnline {
		t.Errorf("Users() while connected = %+v", users)
	}

	aliceConn.Close()
	ev = next(t, bobConn, protocol.TypeStatus)
	if ev.UserID != aliceID || ev.IsOnline {
		t.Errorf("status on disconnect = %+v, want offline", ev)
	}
}

func TestWebSocket_Disconnect(t *testing.T) {
	srv, ts := newTestServer(t)
	alice, aliceID := register(t, ts, "alice")
	conn := dial(t, ts, alice)

	time.Sleep(50 * time.Millisecond)
	srv.Disconnect(aliceID)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	if count := srv.ClientCount(); count != 0 {
		t.Errorf("Expected 0 clients after Disconnect, got %d", count)
	}
}

func TestWebSocket_AnswersPing(t *testing.T) {
	_, ts := newTestServer(t)
	alice, _ := register(t, ts, "alice")
	conn := dial(t, ts, alice)

	pong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		pong <- struct{}{}
		return nil
	})
	if err := conn.WriteControl(websocket.PingMessage, []byte("x"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl() error = %v", err)
	}

	// the pong handler runs inside ReadMessage
	go func() {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Error("no pong received")
	}
}
