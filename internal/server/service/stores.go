package service

import (
	"context"
	"time"

	"chillchat/internal/server/database"
	"chillchat/internal/server/realtime"
)

// UserStore persists user accounts and friendships.
type UserStore interface {
	CreateUser(ctx context.Context, u *database.User) error
	UserByID(ctx context.Context, id string) (*database.User, error)
	UserByCode(ctx context.Context, code string) (*database.User, error)
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
	AddFriendRequest(ctx context.Context, toID, fromID string, at time.Time) error
	RespondFriendRequest(ctx context.Context, toID, fromID string, accept bool, at time.Time) error
	Friends(ctx context.Context, userID string) ([]*database.User, error)
}

// ChatStore persists chats and their messages.
type ChatStore interface {
	CreateChat(ctx context.Context, c *database.Chat) error
	ChatByID(ctx context.Context, id string) (*database.Chat, error)
	ChatsForUser(ctx context.Context, userID string) ([]*database.Chat, error)
	FindDirectChat(ctx context.Context, a, b string) (*database.Chat, error)
	TouchChat(ctx context.Context, chatID, messageID, senderID string, at time.Time) error
	InsertMessage(ctx context.Context, m *database.Message) error
	MessagesBefore(ctx context.Context, chatID string, before time.Time, limit int) ([]*database.Message, error)
	MarkRead(ctx context.Context, chatID, userID string, at time.Time) (int64, error)
}

// ShareStore persists file shares.
type ShareStore interface {
	CreateShare(ctx context.Context, s *database.FileShare) error
	ShareByCode(ctx context.Context, code string) (*database.FileShare, error)
	ClaimDownload(ctx context.Context, code string, rec database.DownloadRecord) (*database.FileShare, error)
	DeactivateShare(ctx context.Context, id string) error
	ShareStats(ctx context.Context, now time.Time) (*database.Stats, error)
}

// Store is everything the services persist. Both database.Repository and
// database.Memory satisfy it.
type Store interface {
	UserStore
	ChatStore
	ShareStore
	HealthCheck(ctx context.Context) error
}

var (
	_ Store = (*database.Repository)(nil)
	_ Store = (*database.Memory)(nil)
)

// Transport delivers events to live connections.
type Transport interface {
	Join(connID, room string) error
	Emit(connID string, evt realtime.Event) error
	BroadcastRoom(ctx context.Context, room string, evt realtime.Event, except string) error
	BroadcastAll(ctx context.Context, evt realtime.Event, except string) error
}

var _ Transport = (*realtime.Hub)(nil)
