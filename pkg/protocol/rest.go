package protocol

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /api/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned by login and register.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// User is a user record as returned by /api/me and /api/users.
type User struct {
	ID       int64     `json:"id"`
	UserID   string    `json:"user_id,omitempty"`
	Username string    `json:"username"`
	Email    string    `json:"email,omitempty"`
	Avatar   string    `json:"avatar"`
	IsOnline bool      `json:"is_online"`
	LastSeen Timestamp `json:"last_seen"`
}

// Group is a group record as returned by /api/groups.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Avatar      string    `json:"avatar"`
	OwnerID     int64     `json:"owner_id"`
	CreatedAt   Timestamp `json:"created_at"`
	Members     []User    `json:"members"`
}

// CreateGroupRequest is the body of POST /api/groups.
type CreateGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// UploadResponse is returned by POST /api/upload.
type UploadResponse struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// AvatarResponse is returned by POST /api/profile/avatar.
type AvatarResponse struct {
	Status string `json:"status"`
	Avatar string `json:"avatar"`
}

// ProfileResponse is returned by PUT /api/profile.
type ProfileResponse struct {
	Status string `json:"status"`
	User   User   `json:"user"`
}

// StatusResponse is the generic {"status": "ok"} body.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx REST response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
