// Package protocol defines the JSON envelopes exchanged with the messenger backend
// over the persistent channel and the REST API.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the "type" tag of a channel envelope.
type EventType string

const (
	TypeMessage EventType = "message"
	TypeStatus  EventType = "status"
	TypeTyping  EventType = "typing"
)

// Known reports whether the client understands events of this type.
func (t EventType) Known() bool {
	switch t {
	case TypeMessage, TypeStatus, TypeTyping:
		return true
	default:
		return false
	}
}

// File kinds reported by the upload endpoint and carried in file_type.
const (
	FileImage = "image"
	FileVoice = "voice"
	FileOther = "file"
)

var (
	// ErrMissingType is returned when a frame has no "type" field.
	ErrMissingType = errors.New("envelope has no type")
	// ErrMissingField is returned when a known envelope lacks a required field.
	ErrMissingField = errors.New("envelope is missing a required field")
	// ErrTarget is returned when an outbound envelope does not name exactly one of
	// receiver_id and group_id.
	ErrTarget = errors.New("envelope must target exactly one of receiver_id or group_id")
)

// UserRef is the sender summary embedded in message events.
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Message is a stored chat message as returned by history pulls and pushed in
// message events.
type Message struct {
	ID         int64     `json:"id,omitempty"`
	Content    string    `json:"content,omitempty"`
	FileURL    string    `json:"file_url,omitempty"`
	FileType   string    `json:"file_type,omitempty"`
	SenderID   int64     `json:"sender_id,omitempty"`
	ReceiverID *int64    `json:"receiver_id,omitempty"`
	GroupID    *int64    `json:"group_id,omitempty"`
	IsRead     bool      `json:"is_read,omitempty"`
	CreatedAt  Timestamp `json:"created_at"`
	Sender     *UserRef  `json:"sender,omitempty"`
}

// Inbound is a server push event. Fields that do not belong to Type are zero.
type Inbound struct {
	Type EventType `json:"type"`
	Message

	// status and typing
	UserID   int64  `json:"user_id,omitempty"`
	IsOnline bool   `json:"is_online,omitempty"`
	Username string `json:"username,omitempty"`
}

// Decode parses a channel frame into the envelope.
func (e *Inbound) Decode(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.Type == "" {
		return ErrMissingType
	}
	return nil
}

// Encode serializes the envelope.
func (e *Inbound) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Validate checks that a known envelope carries the fields its handler needs.
// Unknown types are not validated.
func (e *Inbound) Validate() error {
	switch e.Type {
	case TypeMessage:
		if e.ID == 0 || e.SenderID == 0 || (e.ReceiverID == nil && e.GroupID == nil) {
			return fmt.Errorf("%w: message needs id, sender_id and a target", ErrMissingField)
		}
	case TypeStatus:
		if e.UserID == 0 {
			return fmt.Errorf("%w: status needs user_id", ErrMissingField)
		}
	case TypeTyping:
		if e.UserID == 0 {
			return fmt.Errorf("%w: typing needs user_id", ErrMissingField)
		}
	}
	return nil
}

// Outbound is a client envelope written to the channel.
type Outbound struct {
	Type       EventType `json:"type"`
	Content    string    `json:"content,omitempty"`
	ReceiverID *int64    `json:"receiver_id,omitempty"`
	GroupID    *int64    `json:"group_id,omitempty"`
	FileURL    string    `json:"file_url,omitempty"`
	FileType   string    `json:"file_type,omitempty"`
}

// Validate checks the exactly-one-target rule.
func (o *Outbound) Validate() error {
	if (o.ReceiverID == nil) == (o.GroupID == nil) {
		return ErrTarget
	}
	return nil
}

// Encode validates and serializes the envelope.
func (o *Outbound) Encode() ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a client frame. Used by the reference backend.
func (o *Outbound) Decode(data []byte) error {
	if err := json.Unmarshal(data, o); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	if o.Type == "" {
		return ErrMissingType
	}
	return nil
}

// ID returns a pointer to id, for the optional target fields.
func ID(id int64) *int64 {
	return &id
}
