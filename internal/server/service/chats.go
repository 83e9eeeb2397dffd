package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chillchat/internal/server/database"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	maxGroupSize        = 256
)

// ChatService creates chats and serves their history.
type ChatService struct {
	chats ChatStore
	users UserStore
	now   func() time.Time
	log   zerolog.Logger
}

func NewChatService(chats ChatStore, users UserStore, log zerolog.Logger) *ChatService {
	return &ChatService{
		chats: chats,
		users: users,
		now:   time.Now,
		log:   log.With().Str("component", "chats").Logger(),
	}
}

// CreateDirect returns the direct chat between userID and otherID, creating
// it on first use.
func (s *ChatService) CreateDirect(ctx context.Context, userID, otherID string) (*database.Chat, error) {
	if otherID == "" || otherID == userID {
		return nil, invalid("a direct chat needs another participant")
	}
	if err := s.requireUser(ctx, otherID); err != nil {
		return nil, err
	}

	existing, err := s.chats.FindDirectChat(ctx, userID, otherID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, storageErr("find direct chat", err)
	}

	return s.create(ctx, &database.Chat{
		Type:         database.ChatDirect,
		Participants: []string{userID, otherID},
	})
}

// CreateGroup creates a named group chat administered by adminID.
func (s *ChatService) CreateGroup(ctx context.Context, adminID, name string, members []string) (*database.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("a group needs a name")
	}

	participants := []string{adminID}
	seen := map[string]bool{adminID: true}
	for _, m := range members {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		participants = append(participants, m)
	}
	if len(participants) < 2 {
		return nil, invalid("a group needs at least one other member")
	}
	if len(participants) > maxGroupSize {
		return nil, invalid("a group has at most %d members", maxGroupSize)
	}
	for _, p := range participants[1:] {
		if err := s.requireUser(ctx, p); err != nil {
			return nil, err
		}
	}

	return s.create(ctx, &database.Chat{
		Type:         database.ChatGroup,
		Name:         name,
		AdminID:      adminID,
		Participants: participants,
	})
}

func (s *ChatService) create(ctx context.Context, chat *database.Chat) (*database.Chat, error) {
	now := s.now().UTC()
	chat.ID = uuid.NewString()
	chat.LastActivity = now
	chat.CreatedAt = now
	chat.UnreadCounts = make(map[string]int, len(chat.Participants))
	for _, p := range chat.Participants {
		chat.UnreadCounts[p] = 0
	}

	if err := s.chats.CreateChat(ctx, chat); err != nil {
		return nil, storageErr("create chat", err)
	}
	s.log.Info().
		Str("chat_id", chat.ID).
		Str("type", string(chat.Type)).
		Int("participants", len(chat.Participants)).
		Msg("Chat created")
	return chat, nil
}

// Chats lists userID's chats, most recently active first.
func (s *ChatService) Chats(ctx context.Context, userID string) ([]*database.Chat, error) {
	chats, err := s.chats.ChatsForUser(ctx, userID)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	if chats == nil {
		chats = []*database.Chat{}
	}
	return chats, nil
}

// History pages backwards through a chat's messages, newest first. A zero
// before starts from the latest message.
func (s *ChatService) History(ctx context.Context, userID, chatID string, before time.Time, limit int) ([]*database.Message, error) {
	if _, err := memberChat(ctx, s.chats, chatID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if before.IsZero() {
		before = s.now().UTC().Add(time.Second)
	}

	msgs, err := s.chats.MessagesBefore(ctx, chatID, before, limit)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	if msgs == nil {
		msgs = []*database.Message{}
	}
	return msgs, nil
}

// MarkRead clears userID's unread counter and records read receipts on the
// messages other participants sent. It returns the number of new receipts.
func (s *ChatService) MarkRead(ctx context.Context, userID, chatID string) (int64, error) {
	if _, err := memberChat(ctx, s.chats, chatID, userID); err != nil {
		return 0, err
	}
	n, err := s.chats.MarkRead(ctx, chatID, userID, s.now().UTC())
	if err != nil {
		return 0, storageErr("mark read", err)
	}
	return n, nil
}

func (s *ChatService) requireUser(ctx context.Context, id string) error {
	if _, err := s.users.UserByID(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return storageErr("load user", err)
	}
	return nil
}
