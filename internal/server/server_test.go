package server_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/omochice/toy-messenger/internal/api"
	"github.com/omochice/toy-messenger/internal/server"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	srv, err := server.New(server.Options{
		UploadDir:  t.TempDir(),
		Secret:     []byte("test-secret"),
		BcryptCost: bcrypt.MinCost,
		Logger:     log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return srv, ts
}

// register creates a user and returns an API client logged in as it.
func register(t *testing.T, ts *httptest.Server, username string) (*api.Client, int64) {
	t.Helper()
	c, err := api.New(ts.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("api.New() error = %v", err)
	}
	token, err := c.Register(context.Background(), username, username+"@example.com", "secret")
	if err != nil {
		t.Fatalf("Register(%s) error = %v", username, err)
	}
	c.SetToken(token)
	me, err := c.Me(context.Background())
	if err != nil {
		t.Fatalf("Me() error = %v", err)
	}
	return c, me.ID
}

func TestServer_Start(t *testing.T) {
	srv, err := server.New(server.Options{
		Address:   "127.0.0.1:0",
		UploadDir: t.TempDir(),
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	// Wait a bit for server to start
	time.Sleep(100 * time.Millisecond)

	addr := srv.Addr()
	if addr == "" {
		t.Fatal("Server address is empty")
	}
	resp, err := http.Get("http://" + addr + "/api/me")
	if err != nil {
		t.Fatalf("Failed to reach server: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("GET /api/me without token = %d, want 401", resp.StatusCode)
	}

	srv.Stop()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Server.Start() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Server did not stop in time")
	}
}

func TestServer_StopWhileStarting(t *testing.T) {
	for i := 0; i < 20; i++ {
		srv, err := server.New(server.Options{
			Address:   "127.0.0.1:0",
			UploadDir: t.TempDir(),
			Logger:    log.New(io.Discard, "", 0),
		})
		if err != nil {
			t.Fatalf("server.New() error = %v", err)
		}

		errChan := make(chan error, 1)
		go func() {
			errChan <- srv.Start()
		}()
		polled := make(chan struct{})
		go func() {
			defer close(polled)
			for j := 0; j < 50; j++ {
				_ = srv.Addr()
			}
		}()

		if i%2 == 1 {
			time.Sleep(time.Millisecond)
		}
		srv.Stop()
		srv.Stop()
		<-polled

		select {
		case err := <-errChan:
			if err != nil {
				t.Fatalf("Server.Start() error = %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Start did not return after Stop")
		}
	}
}

func TestServer_StartAfterStop(t *testing.T) {
	srv, err := server.New(server.Options{
		Address:   "127.0.0.1:0",
		UploadDir: t.TempDir(),
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	srv.Stop()
	if err := srv.Start(); err != nil {
		t.Errorf("Start() after Stop() error = %v", err)
	}
	if addr := srv.Addr(); addr != "" {
		t.Errorf("Addr() after Stop() = %q, want empty", addr)
	}
}

func TestAPI_RegisterAndLogin(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()
	alice, aliceID := register(t, ts, "alice")

	me, err := alice.Me(ctx)
	if err != nil {
		t.Fatalf("Me() error = %v", err)
	}
	if me.ID != aliceID || me.Username != "alice" || me.Email != "alice@example.com" {
		t.Errorf("Me() = %+v", me)
	}

	anon, _ := api.New(ts.URL, time.Second)
	tests := []struct {
		name   string
		call   func() error
		status int
		detail string
	}{
		{
			name:   "username taken",
			call:   func() error { _, err := anon.Register(ctx, "alice", "other@example.com", "x"); return err },
			status: http.StatusBadRequest,
			detail: "Имя пользователя занято",
		},
		{
			name:   "email taken",
			call:   func() error { _, err := anon.Register(ctx, "alice2", "alice@example.com", "x"); return err },
			status: http.StatusBadRequest,
			detail: "Email уже используется",
		},
		{
			name:   "wrong password",
			call:   func() error { _, err := anon.Login(ctx, "alice", "wrong"); return err },
			status: http.StatusUnauthorized,
			detail: "Неверные учетные данные",
		},
		{
			name:   "unknown user",
			call:   func() error { _, err := anon.Login(ctx, "nobody", "secret"); return err },
			status: http.StatusUnauthorized,
			detail: "Неверные учетные данные",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var apiErr *api.Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *api.Error", err)
			}
			if apiErr.Status != tt.status || apiErr.Detail != tt.detail {
				t.Errorf("error = %d %q, want %d %q", apiErr.Status, apiErr.Detail, tt.status, tt.detail)
			}
		})
	}

	token, err := anon.Login(ctx, "alice", "secret")
	if err != nil || token == "" {
		t.Fatalf("Login() = %q, %v", token, err)
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	_, ts := newTestServer(t)

	c, _ := api.New(ts.URL, time.Second)
	for _, token := range []string{"", "garbage"} {
		c.SetToken(token)
		if _, err := c.Users(context.Background()); !errors.Is(err, api.ErrUnauthorized) {
			t.Errorf("Users() with token %q error = %v, want ErrUnauthorized", token, err)
		}
	}

	other, err := server.New(server.Options{UploadDir: t.TempDir(), Secret: []byte("other"), BcryptCost: bcrypt.MinCost, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	ots := httptest.NewServer(other.Handler())
	defer ots.Close()
	foreign, _ := register(t, ots, "mallory")
	c.SetToken(foreign.Token())
	if _, err := c.Me(context.Background()); !errors.Is(err, api.ErrUnauthorized) {
		t.Errorf("token signed with another secret: error = %v, want ErrUnauthorized", err)
	}
}

func TestAPI_Users(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()
	alice, _ := register(t, ts, "alice")
	_, bobID := register(t, ts, "bob")

	users, err := alice.Users(ctx)
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 1 || users[0].ID != bobID || users[0].Email != "" {
		t.Errorf("Users() = %+v, want only bob without email", users)
	}

	anon, _ := api.New(ts.URL, time.Second)
	bob, err := anon.User(ctx, bobID)
	if err != nil || bob.Username != "bob" {
		t.Errorf("User(%d) = %+v, %v", bobID, bob, err)
	}
	if _, err := anon.User(ctx, 999); !api.IsStatus(err, http.StatusNotFound) {
		t.Errorf("User(999) error = %v, want 404", err)
	}
}

func TestAPI_Groups(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()
	alice, aliceID := register(t, ts, "alice")
	bob, bobID := register(t, ts, "bob")

	g, err := alice.CreateGroup(ctx, "team", "the team")
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if g.OwnerID != aliceID || len(g.Members) != 1 || g.Members[0].ID != aliceID {
		t.Errorf("CreateGroup() = %+v", g)
	}

	groups, err := bob.Groups(ctx)
	if err != nil || len(groups) != 0 {
		t.Fatalf("Groups() before join = %+v, %v", groups, err)
	}

	if err := bob.JoinGroup(ctx, g.ID); err != nil {
		t.Fatalf("JoinGroup() error = %v", err)
	}
	// joining twice is a no-op
	if err := bob.JoinGroup(ctx, g.ID); err != nil {
		t.Fatalf("second JoinGroup() error = %v", err)
	}
	groups, err = bob.Groups(ctx)
	if err != nil || len(groups) != 1 || len(groups[0].Members) != 2 || groups[0].Members[1].ID != bobID {
		t.Errorf("Groups() after join = %+v, %v", groups, err)
	}

	if err := bob.JoinGroup(ctx, 999); !api.IsStatus(err, http.StatusNotFound) {
		t.Errorf("JoinGroup(999) error = %v, want 404", err)
	}
}

func TestAPI_Upload(t *testing.T) {
	_, ts := newTestServer(t)
	alice, _ := register(t, ts, "alice")

	tests := []struct {
		filename string
		wantType string
	}{
		{"photo.PNG", "image"},
		{"cat.webp", "image"},
		{"note.ogg", "voice"},
		{"voice.webm", "voice"},
		{"report.pdf", "file"},
		{"README", "file"},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			resp, err := alice.Upload(context.Background(), tt.filename, strings.NewReader("payload"))
			if err != nil {
				t.Fatalf("Upload() error = %v", err)
			}
			if resp.Type != tt.wantType || resp.Name != tt.filename || !strings.HasPrefix(resp.URL, "/uploads/") {
				t.Fatalf("Upload() = %+v, want type %s", resp, tt.wantType)
			}

			got, err := http.Get(alice.Resolve(resp.URL))
			if err != nil {
				t.Fatalf("GET %s error = %v", resp.URL, err)
			}
			defer got.Body.Close()
			body, _ := io.ReadAll(got.Body)
			if got.StatusCode != http.StatusOK || string(body) != "payload" {
				t.Errorf("GET %s = %d %q", resp.URL, got.StatusCode, body)
			}
		})
	}
}

func TestAPI_Profile(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()
	alice, _ := register(t, ts, "alice")
	register(t, ts, "bob")

	if _, err := alice.UpdateProfile(ctx, "", "bob@example.com"); !api.IsStatus(err, http.StatusBadRequest) {
		t.Errorf("UpdateProfile() with a taken email error = %v, want 400", err)
	}
	u, err := alice.UpdateProfile(ctx, "", "new@example.com")
	if err != nil || u.Email != "new@example.com" || u.Username != "alice" {
		t.Errorf("UpdateProfile() = %+v, %v", u, err)
	}

	if err := alice.ChangePassword(ctx, "wrong", "next"); !api.IsStatus(err, http.StatusBadRequest) {
		t.Errorf("ChangePassword() with a wrong password error = %v, want 400", err)
	}
	if err := alice.ChangePassword(ctx, "secret", "next"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	anon, _ := api.New(ts.URL, time.Second)
	if _, err := anon.Login(ctx, "alice", "next"); err != nil {
		t.Errorf("Login() with the new password error = %v", err)
	}

	if _, err := alice.UploadAvatar(ctx, "notes.txt", strings.NewReader("x")); !api.IsStatus(err, http.StatusBadRequest) {
		t.Errorf("UploadAvatar() of a text file error = %v, want 400", err)
	}
	avatar, err := alice.UploadAvatar(ctx, "me.png", strings.NewReader("png"))
	if err != nil || !strings.HasPrefix(avatar, "/uploads/avatar_") {
		t.Fatalf("UploadAvatar() = %q, %v", avatar, err)
	}
	me, _ := alice.Me(ctx)
	if me.Avatar != avatar {
		t.Errorf("Me().Avatar = %q, want %q", me.Avatar, avatar)
	}
}
