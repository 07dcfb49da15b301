// Package api is the REST client for the messenger backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/omochice/toy-messenger/internal/chat"
	"github.com/omochice/toy-messenger/pkg/protocol"
)

// ErrUnauthorized is wrapped by every error for a 401 response.
var ErrUnauthorized = chat.ErrUnauthorized

// Error is a non-2xx response. Detail is the server's message, shown verbatim.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return e.Detail
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *Error) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Client calls the REST API of one server. The token is sent as a bearer
// credential on every request once set.
type Client struct {
	base *url.URL
	http *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a Client for the server origin.
func New(server string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(server, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", server)
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}}, nil
}

// SetToken sets the bearer token. An empty token clears it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Resolve turns a server-relative reference such as "/uploads/x.png" into an
// absolute URL. Absolute references are returned unchanged.
func (c *Client) Resolve(ref string) string {
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.base.ResolveReference(r).String()
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp protocol.TokenResponse
	req := protocol.LoginRequest{Username: username, Password: password}
	if err := c.doJSON(ctx, http.MethodPost, "/api/login", req, &resp); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// Register creates an account and returns its token.
func (c *Client) Register(ctx context.Context, username, email, password string) (string, error) {
	var resp protocol.TokenResponse
	req := protocol.RegisterRequest{Username: username, Email: email, Password: password}
	if err := c.doJSON(ctx, http.MethodPost, "/api/register", req, &resp); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (protocol.User, error) {
	var u protocol.User
	err := c.doJSON(ctx, http.MethodGet, "/api/me", nil, &u)
	return u, err
}

// Users returns every user except the caller.
func (c *Client) Users(ctx context.Context) ([]protocol.User, error) {
	var users []protocol.User
	err := c.doJSON(ctx, http.MethodGet, "/api/users", nil, &users)
	return users, err
}

// User returns one user.
func (c *Client) User(ctx context.Context, id int64) (protocol.User, error) {
	var u protocol.User
	err := c.doJSON(ctx, http.MethodGet, "/api/users/"+strconv.FormatInt(id, 10), nil, &u)
	return u, err
}

// Groups returns the groups the caller belongs to.
func (c *Client) Groups(ctx context.Context) ([]protocol.Group, error) {
	var groups []protocol.Group
	err := c.doJSON(ctx, http.MethodGet, "/api/groups", nil, &groups)
	return groups, err
}

// CreateGroup creates a group owned by the caller.
func (c *Client) CreateGroup(ctx context.Context, name, description string) (protocol.Group, error) {
	var g protocol.Group
	req := protocol.CreateGroupRequest{Name: name, Description: description}
	err := c.doJSON(ctx, http.MethodPost, "/api/groups", req, &g)
	return g, err
}

// JoinGroup adds the caller to a group.
func (c *Client) JoinGroup(ctx context.Context, groupID int64) error {
	var resp protocol.StatusResponse
	return c.doJSON(ctx, http.MethodPost, "/api/groups/"+strconv.FormatInt(groupID, 10)+"/join", nil, &resp)
}

// DirectHistory returns the direct conversation with peerID, oldest first.
func (c *Client) DirectHistory(ctx context.Context, peerID int64) ([]protocol.Message, error) {
	var msgs []protocol.Message
	err := c.doJSON(ctx, http.MethodGet, "/api/messages/"+strconv.FormatInt(peerID, 10), nil, &msgs)
	return msgs, err
}

// GroupHistory returns a group's messages, oldest first.
func (c *Client) GroupHistory(ctx context.Context, groupID int64) ([]protocol.Message, error) {
	var msgs []protocol.Message
	err := c.doJSON(ctx, http.MethodGet, "/api/groups/"+strconv.FormatInt(groupID, 10)+"/messages", nil, &msgs)
	return msgs, err
}

// Upload stores a file and returns its reference and classified kind.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (protocol.UploadResponse, error) {
	var resp protocol.UploadResponse
	err := c.doMultipart(ctx, http.MethodPost, "/api/upload", filename, r, &resp)
	return resp, err
}

// UploadAvatar replaces the caller's avatar.
func (c *Client) UploadAvatar(ctx context.Context, filename string, r io.Reader) (string, error) {
	var resp protocol.AvatarResponse
	if err := c.doMultipart(ctx, http.MethodPost, "/api/profile/avatar", filename, r, &resp); err != nil {
		return "", err
	}
	return resp.Avatar, nil
}

// UpdateProfile changes username and/or email. Empty values are left as is.
func (c *Client) UpdateProfile(ctx context.Context, username, email string) (protocol.User, error) {
	form := url.Values{}
	if username != "" {
		form.Set("username", username)
	}
	if email != "" {
		form.Set("email", email)
	}
	var resp protocol.ProfileResponse
	err := c.doForm(ctx, http.MethodPut, "/api/profile", form, &resp)
	return resp.User, err
}

// ChangePassword replaces the caller's password.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	form := url.Values{}
	form.Set("old_password", oldPassword)
	form.Set("new_password", newPassword)
	var resp protocol.StatusResponse
	return c.doForm(ctx, http.MethodPut, "/api/profile/password", form, &resp)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) doForm(ctx context.Context, method, path string, form url.Values, out any) error {
	req, err := c.newRequest(ctx, method, path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) doMultipart(ctx context.Context, method, path, filename string, r io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := c.newRequest(ctx, method, path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// decodeError reads {"detail": ...}. A detail that is not a string (such as a
// validation error list) is kept as raw JSON.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &Error{Status: resp.StatusCode}

	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil && len(body.Detail) > 0 {
		var s string
		if err := json.Unmarshal(body.Detail, &s); err == nil {
			e.Detail = s
		} else {
			e.Detail = string(body.Detail)
		}
		return e
	}
	e.Detail = strings.TrimSpace(string(data))
	return e
}

// IsStatus reports whether err is an *Error with the given status.
func IsStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == status
}
