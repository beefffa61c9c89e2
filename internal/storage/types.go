package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage. An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Chat kinds as stored.
const (
	KindPrivate = "private"
	KindGroup   = "group"
)

// Chat is a conversation the bot has taken part in.
type Chat struct {
	ID       int64     `json:"id"`
	Kind     string    `json:"kind"`
	Title    string    `json:"title,omitempty"`
	Username string    `json:"username,omitempty"`
	SeenAt   time.Time `json:"seen_at"`
}

// User is a sender the bot has seen in any chat.
type User struct {
	ID       int64     `json:"id"`
	Username string    `json:"username,omitempty"`
	Name     string    `json:"name,omitempty"`
	SeenAt   time.Time `json:"seen_at"`
}

// Subscriber is a user already pushed to the mailing list.
type Subscriber struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// Store is the persistence API used by the directory, registrar and admin commands.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	UpsertChat(ctx context.Context, c Chat) error
	// ListChats returns chats of kind ordered by id; "" lists all.
	ListChats(ctx context.Context, kind string) ([]Chat, error)

	UpsertUser(ctx context.Context, u User) error
	// FindUserByUsername matches case-insensitively, without the leading '@'.
	FindUserByUsername(ctx context.Context, username string) (User, bool, error)

	HasSubscriber(ctx context.Context, userID int64) (bool, error)
	// AddSubscriber reports false when the user was already subscribed.
	AddSubscriber(ctx context.Context, s Subscriber) (bool, error)

	Close() error
}

func normUsername(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}
