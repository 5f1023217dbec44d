package models

import (
	"time"
)

// User is the local record for an identity verified by the external provider.
type User struct {
	ID            int64     `db:"id" json:"id"`
	Subject       string    `db:"subject" json:"-"`
	Email         string    `db:"email" json:"email"`
	DisplayName   string    `db:"display_name" json:"display_name"`
	EmailVerified bool      `db:"email_verified" json:"email_verified"`

	// NameSetLocally is true once the user renamed themselves; the provider's name
	// no longer overwrites DisplayName after that.
	NameSetLocally bool      `db:"name_set_locally" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Identity is what the identity provider vouches for on each request.
type Identity struct {
	Subject       string
	Email         string
	DisplayName   string
	EmailVerified bool
}

// UserStats counts what an account owns.
type UserStats struct {
	Reports  int `json:"total_reports"`
	Sessions int `json:"total_chat_sessions"`
}

// ChatSession groups the messages of one conversation.
type ChatSession struct {
	ID           int64     `db:"id" json:"id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	Title        *string   `db:"title" json:"title"`
	MessageCount int       `db:"-" json:"message_count"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is immutable once written.
type ChatMessage struct {
	ID        int64     `db:"id" json:"id"`
	SessionID int64     `db:"session_id" json:"session_id"`
	Role      Role      `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ReportSummary is the slice of a report the chat context needs.
type ReportSummary struct {
	ReportID  int64
	Summary   string
	CreatedAt time.Time
}
