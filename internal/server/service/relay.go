package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"chillchat/internal/server/database"
	"chillchat/internal/server/presence"
	"chillchat/internal/server/realtime"
)

const maxContentLength = 10000

// MessageInput is the payload of a send_message event.
type MessageInput struct {
	ChatID   string               `json:"chatId"`
	Type     database.MessageType `json:"type"`
	Content  string               `json:"content"`
	FileURL  string               `json:"fileUrl"`
	FileName string               `json:"fileName"`
	FileSize int64                `json:"fileSize"`
	Duration int                  `json:"duration"`
	ReplyTo  string               `json:"replyTo"`
}

func (in *MessageInput) validate() error {
	if in.ChatID == "" {
		return invalid("chatId is required")
	}
	if in.Type == "" {
		in.Type = database.MessageText
	}
	if !in.Type.Valid() {
		return invalid("unknown message type %q", in.Type)
	}
	if in.Type == database.MessageText {
		if strings.TrimSpace(in.Content) == "" {
			return invalid("text messages need content")
		}
	} else if in.FileURL == "" {
		return invalid("%s messages need a fileUrl", in.Type)
	}
	if utf8.RuneCountInString(in.Content) > maxContentLength {
		return invalid("content exceeds %d characters", maxContentLength)
	}
	if in.FileSize < 0 || in.Duration < 0 {
		return invalid("fileSize and duration must not be negative")
	}
	return nil
}

// MessagePayload carries a persisted message to clients.
type MessagePayload struct {
	Message *database.Message `json:"message"`
}

// Relay tracks which connections belong to which users and relays chat
// messages to the rooms of the chats they belong to. It is the handler of
// the WebSocket endpoint.
type Relay struct {
	registry  presence.Registry
	transport Transport
	chats     ChatStore
	users     UserStore
	now       func() time.Time
	newID     func() string
	log       zerolog.Logger
}

func NewRelay(registry presence.Registry, transport Transport, chats ChatStore, users UserStore, log zerolog.Logger) *Relay {
	return &Relay{
		registry:  registry,
		transport: transport,
		chats:     chats,
		users:     users,
		now:       time.Now,
		newID:     func() string { return ksuid.New().String() },
		log:       log.With().Str("component", "relay").Logger(),
	}
}

// RegisterConnection maps connID to userID. The user's first connection
// announces them online to every other connection. A connection id already
// owned by another user is released first, so that user may go offline.
func (r *Relay) RegisterConnection(ctx context.Context, connID, userID string) error {
	prev, err := r.registry.Lookup(ctx, connID)
	switch {
	case err == nil && prev != userID:
		if err := r.UnregisterConnection(ctx, connID); err != nil {
			return err
		}
	case err != nil && !errors.Is(err, presence.ErrUnknownConnection):
		return storageErr("lookup connection", err)
	}

	first, err := r.registry.Add(ctx, connID, userID)
	if err != nil {
		return storageErr("register connection", err)
	}
	r.log.Debug().Str("conn_id", connID).Str("user_id", userID).Bool("first", first).Msg("Connection registered")

	if first {
		r.announce(ctx, connID, userID, true)
	}
	return nil
}

// UnregisterConnection drops connID. When it was the user's last
// connection every other connection is told the user went offline.
func (r *Relay) UnregisterConnection(ctx context.Context, connID string) error {
	userID, last, err := r.registry.Remove(ctx, connID)
	if err != nil {
		return storageErr("unregister connection", err)
	}
	if userID == "" {
		return nil
	}
	r.log.Debug().Str("conn_id", connID).Str("user_id", userID).Bool("last", last).Msg("Connection unregistered")

	if last {
		r.announce(ctx, connID, userID, false)
	}
	return nil
}

// announce stores the presence snapshot and broadcasts the transition.
// Both are best effort.
func (r *Relay) announce(ctx context.Context, connID, userID string, online bool) {
	if err := r.users.SetPresence(ctx, userID, online, r.now().UTC()); err != nil && !errors.Is(err, database.ErrNotFound) {
		r.log.Warn().Err(err).Str("user_id", userID).Bool("online", online).Msg("Failed to store presence")
	}

	evt := realtime.Event{
		Event:   realtime.EventPresence,
		Payload: realtime.PresencePayload{UserID: userID, Online: online},
	}
	if err := r.transport.BroadcastAll(ctx, evt, connID); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to broadcast presence")
	}
}

// JoinRoom subscribes connID to the room of chatID. The connection's user
// must participate in the chat.
func (r *Relay) JoinRoom(ctx context.Context, connID, chatID string) error {
	userID, err := r.sender(ctx, connID)
	if err != nil {
		return err
	}
	if _, err := memberChat(ctx, r.chats, chatID, userID); err != nil {
		return err
	}
	if err := r.transport.Join(connID, chatID); err != nil {
		return ErrNotRegistered
	}
	return nil
}

// RelayMessage persists a message from the user behind connID, moves the
// chat's last-activity pointer to it and only then fans it out to the
// chat's room, excluding connID. Any failure stops the sequence and nothing
// is broadcast.
func (r *Relay) RelayMessage(ctx context.Context, connID string, in MessageInput) (*database.Message, error) {
	userID, err := r.sender(ctx, connID)
	if err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := memberChat(ctx, r.chats, in.ChatID, userID); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	msg := &database.Message{
		ID:        r.newID(),
		ChatID:    in.ChatID,
		SenderID:  userID,
		Type:      in.Type,
		Content:   in.Content,
		FileURL:   in.FileURL,
		FileName:  in.FileName,
		FileSize:  in.FileSize,
		Duration:  in.Duration,
		Status:    database.StatusSent,
		ReadBy:    []database.ReadReceipt{},
		ReplyTo:   in.ReplyTo,
		CreatedAt: now,
	}

	if err := r.chats.InsertMessage(ctx, msg); err != nil {
		return nil, storageErr("insert message", err)
	}
	if err := r.chats.TouchChat(ctx, msg.ChatID, msg.ID, userID, now); err != nil {
		return nil, storageErr("touch chat", err)
	}

	evt := realtime.Event{Event: realtime.EventReceiveMessage, Payload: MessagePayload{Message: msg}}
	if err := r.transport.BroadcastRoom(ctx, msg.ChatID, evt, connID); err != nil {
		r.log.Error().Err(err).Str("chat_id", msg.ChatID).Str("message_id", msg.ID).Msg("Failed to broadcast message")
	}
	return msg, nil
}

func (r *Relay) sender(ctx context.Context, connID string) (string, error) {
	userID, err := r.registry.Lookup(ctx, connID)
	if err != nil {
		if errors.Is(err, presence.ErrUnknownConnection) {
			return "", ErrNotRegistered
		}
		return "", storageErr("lookup connection", err)
	}
	return userID, nil
}

// memberChat loads chatID and checks that userID participates in it.
func memberChat(ctx context.Context, chats ChatStore, chatID, userID string) (*database.Chat, error) {
	chat, err := chats.ChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("load chat", err)
	}
	if !chat.HasParticipant(userID) {
		return nil, ErrNotMember
	}
	return chat, nil
}

// --- realtime.Handler ---

var _ realtime.Handler = (*Relay)(nil)

func (r *Relay) OnConnect(ctx context.Context, connID, userID string) error {
	return r.RegisterConnection(ctx, connID, userID)
}

func (r *Relay) OnDisconnect(ctx context.Context, connID string) {
	if err := r.UnregisterConnection(ctx, connID); err != nil {
		r.log.Error().Err(err).Str("conn_id", connID).Msg("Failed to unregister connection")
	}
}

func (r *Relay) OnEvent(ctx context.Context, connID string, in realtime.Inbound) {
	switch in.Event {
	case realtime.EventJoinRoom:
		var p realtime.RoomPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil || p.ChatID == "" {
			r.reject(connID, in.Ref, invalid("join_room needs a chatId"))
			return
		}
		if err := r.JoinRoom(ctx, connID, p.ChatID); err != nil {
			r.reject(connID, in.Ref, err)
			return
		}
		r.emit(connID, realtime.Event{Event: realtime.EventRoomJoined, Ref: in.Ref, Payload: p})

	case realtime.EventSendMessage:
		var input MessageInput
		if err := json.Unmarshal(in.Payload, &input); err != nil {
			r.reject(connID, in.Ref, invalid("malformed send_message payload"))
			return
		}
		msg, err := r.RelayMessage(ctx, connID, input)
		if err != nil {
			r.reject(connID, in.Ref, err)
			return
		}
		r.emit(connID, realtime.Event{Event: realtime.EventMessageAck, Ref: in.Ref, Payload: MessagePayload{Message: msg}})

	default:
		r.reject(connID, in.Ref, invalid("unknown event %q", in.Event))
	}
}

func (r *Relay) emit(connID string, evt realtime.Event) {
	if err := r.transport.Emit(connID, evt); err != nil {
		r.log.Debug().Err(err).Str("conn_id", connID).Str("event", evt.Event).Msg("Failed to emit event")
	}
}

// reject sends the single error event answering ref.
func (r *Relay) reject(connID, ref string, err error) {
	code := socketErrorCode(err)
	message := err.Error()
	if code == realtime.CodeStorage {
		r.log.Error().Err(err).Str("conn_id", connID).Msg("Relay failed")
		message = "the request could not be stored, try again"
	}
	r.emit(connID, realtime.ErrorEvent(ref, code, message))
}

func socketErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return realtime.CodeValidation
	case errors.Is(err, ErrNotFound):
		return realtime.CodeNotFound
	case errors.Is(err, ErrNotMember), errors.Is(err, ErrForbidden):
		return realtime.CodeForbidden
	case errors.Is(err, ErrNotRegistered):
		return realtime.CodeNotRegistered
	default:
		return realtime.CodeStorage
	}
}
