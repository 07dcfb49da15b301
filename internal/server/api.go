package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/omochice/toy-messenger/pkg/protocol"
)

const maxUploadSize = 32 << 20

var (
	imageExts = map[string]bool{"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true}
	voiceExts = map[string]bool{"webm": true, "ogg": true, "mp3": true, "wav": true, "m4a": true}
)

// authenticated resolves the bearer token to a user before calling next.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, user)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		username, err := s.auth.verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		u, ok := s.db.userByName(username)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next(w, r, u)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "username, email and password are required")
		return
	}
	hash, err := s.auth.hash(req.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	u, err := s.db.createUser(req.Username, req.Email, hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Printf("Registered user %s", u.username)
	s.writeToken(w, u.username)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	u, ok := s.db.userByName(req.Username)
	if !ok || !s.auth.check(u.hash, req.Password) {
		writeError(w, http.StatusUnauthorized, "Неверные учетные данные")
		return
	}
	s.writeToken(w, u.username)
}

func (s *Server) writeToken(w http.ResponseWriter, username string) {
	token, err := s.auth.issue(username)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.TokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, u user) {
	writeJSON(w, http.StatusOK, s.userRecord(u, true))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, u user) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid form")
		return
	}
	username := r.PostForm.Get("username")
	if username == u.username {
		username = ""
	}
	email := r.PostForm.Get("email")
	if email == u.email {
		email = ""
	}
	updated, err := s.db.updateProfile(u.id, username, email)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ProfileResponse{Status: "ok", User: s.userRecord(updated, true)})
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request, u user) {
	name, ext, err := s.saveUpload(w, r, fmt.Sprintf("avatar_%d_", u.id), "jpg", imageExts)
	if err != nil {
		s.fail(w, err)
		return
	}
	avatar := "/uploads/" + name
	s.db.setAvatar(u.id, avatar)
	s.logger.Printf("User %s changed avatar (%s)", u.username, ext)
	writeJSON(w, http.StatusOK, protocol.AvatarResponse{Status: "ok", Avatar: avatar})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, u user) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid form")
		return
	}
	oldPassword, newPassword := r.PostForm.Get("old_password"), r.PostForm.Get("new_password")
	if oldPassword == "" || newPassword == "" {
		writeError(w, http.StatusUnprocessableEntity, "old_password and new_password are required")
		return
	}
	if !s.auth.check(u.hash, oldPassword) {
		writeError(w, http.StatusBadRequest, "Неверный текущий пароль")
		return
	}
	hash, err := s.auth.hash(newPassword)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.db.setPassword(u.id, hash)
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, u user) {
	users := s.db.usersExcept(u.id)
	out := make([]protocol.User, len(users))
	for i, other := range users {
		out[i] = s.userRecord(other, false)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	u, found := s.db.user(id)
	if !found {
		s.fail(w, errNoSuchUser)
		return
	}
	writeJSON(w, http.StatusOK, s.userRecord(u, false))
}

func (s *Server) handleDirectHistory(w http.ResponseWriter, r *http.Request, u user) {
	peer, ok := pathID(w, r, "peer")
	if !ok {
		return
	}
	s.writeHistory(w, s.db.directHistory(u.id, peer))
}

func (s *Server) handleGroupHistory(w http.ResponseWriter, r *http.Request, u user) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s.writeHistory(w, s.db.groupHistory(id))
}

func (s *Server) writeHistory(w http.ResponseWriter, msgs []protocol.Message) {
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	for i := range msgs {
		s.withSender(&msgs[i])
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, u user) {
	var req protocol.CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	g := s.db.createGroup(u.id, req.Name, req.Description)
	s.logger.Printf("User %s created group %s", u.username, g.name)
	writeJSON(w, http.StatusOK, s.groupRecord(g))
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request, u user) {
	groups := s.db.groupsOf(u.id)
	out := make([]protocol.Group, len(groups))
	for i, g := range groups {
		out[i] = s.groupRecord(g)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request, u user) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.db.joinGroup(id, u.id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, u user) {
	name, ext, err := s.saveUpload(w, r, "", "", nil)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.UploadResponse{
		URL:  "/uploads/" + name,
		Type: classify(ext),
		Name: r.MultipartForm.File["file"][0].Filename,
	})
}

// saveUpload stores the "file" part under a fresh name built from prefix, a
// uuid and the original extension. allowed, if set, restricts extensions.
func (s *Server) saveUpload(w http.ResponseWriter, r *http.Request, prefix, defaultExt string, allowed map[string]bool) (string, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return "", "", &httpError{http.StatusUnprocessableEntity, "file is required"}
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", &httpError{http.StatusUnprocessableEntity, "file is required"}
	}
	defer file.Close()

	ext := defaultExt
	if i := strings.LastIndex(header.Filename, "."); i >= 0 {
		ext = header.Filename[i+1:]
	}
	if allowed != nil && !allowed[strings.ToLower(ext)] {
		return "", "", &httpError{http.StatusBadRequest, "Только изображения"}
	}

	name := prefix + uuid.NewString()
	if ext != "" {
		name += "." + ext
	}
	dst, err := os.Create(filepath.Join(s.uploadDir, name))
	if err != nil {
		return "", "", fmt.Errorf("failed to store upload: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		return "", "", fmt.Errorf("failed to store upload: %w", err)
	}
	return name, ext, nil
}

// classify maps a file extension onto the kind reported to clients.
func classify(ext string) string {
	ext = strings.ToLower(ext)
	switch {
	case imageExts[ext]:
		return protocol.FileImage
	case voiceExts[ext]:
		return protocol.FileVoice
	default:
		return protocol.FileOther
	}
}

func (s *Server) userRecord(u user, withEmail bool) protocol.User {
	rec := protocol.User{
		ID:       u.id,
		Username: u.username,
		Avatar:   u.avatar,
		IsOnline: s.isOnline(u.id),
		LastSeen: protocol.NewTimestamp(u.lastSeen),
	}
	if withEmail {
		rec.Email = u.email
	}
	return rec
}

func (s *Server) groupRecord(g group) protocol.Group {
	rec := protocol.Group{
		ID:          g.id,
		Name:        g.name,
		Description: g.description,
		Avatar:      g.avatar,
		OwnerID:     g.ownerID,
		CreatedAt:   protocol.NewTimestamp(g.createdAt),
		Members:     make([]protocol.User, 0, len(g.members)),
	}
	for _, id := range g.members {
		if u, ok := s.db.user(id); ok {
			rec.Members = append(rec.Members, s.userRecord(u, false))
		}
	}
	return rec
}

// withSender fills in the sender summary of m.
func (s *Server) withSender(m *protocol.Message) {
	if u, ok := s.db.user(m.SenderID); ok {
		m.Sender = &protocol.UserRef{ID: u.id, Username: u.username, Avatar: u.avatar}
	}
}

// fail writes err as a detail response; unexpected errors become 500s.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var he *httpError
	if errors.As(err, &he) {
		writeError(w, he.status, he.detail)
		return
	}
	s.logger.Printf("Request failed: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid "+name)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, protocol.ErrorResponse{Detail: detail})
}
