package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chillchat/internal/server/database"
	"chillchat/internal/server/presence"
	"chillchat/internal/server/realtime"
)

type broadcast struct {
	room   string
	all    bool
	except string
	evt    realtime.Event
}

// fakeTransport records what the relay sends instead of writing to sockets.
type fakeTransport struct {
	mu         sync.Mutex
	rooms      map[string][]string
	emitted    map[string][]realtime.Event
	broadcasts []broadcast
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		rooms:   make(map[string][]string),
		emitted: make(map[string][]realtime.Event),
	}
}

func (f *fakeTransport) Join(connID, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[connID] = append(f.rooms[connID], room)
	return nil
}

func (f *fakeTransport) Emit(connID string, evt realtime.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted[connID] = append(f.emitted[connID], evt)
	return nil
}

func (f *fakeTransport) BroadcastRoom(_ context.Context, room string, evt realtime.Event, except string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcast{room: room, except: except, evt: evt})
	return nil
}

func (f *fakeTransport) BroadcastAll(_ context.Context, evt realtime.Event, except string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcast{all: true, except: except, evt: evt})
	return nil
}

func (f *fakeTransport) presence() []realtime.PresencePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []realtime.PresencePayload
	for _, b := range f.broadcasts {
		if b.evt.Event == realtime.EventPresence {
			out = append(out, b.evt.Payload.(realtime.PresencePayload))
		}
	}
	return out
}

func (f *fakeTransport) roomBroadcasts() []broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcast
	for _, b := range f.broadcasts {
		if !b.all {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeTransport) events(connID string) []realtime.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.Event(nil), f.emitted[connID]...)
}

// flakyChats fails the chosen write.
type flakyChats struct {
	*database.Memory
	failInsert bool
	failTouch  bool
}

func (f *flakyChats) InsertMessage(ctx context.Context, m *database.Message) error {
	if f.failInsert {
		return errors.New("connection reset")
	}
	return f.Memory.InsertMessage(ctx, m)
}

func (f *flakyChats) TouchChat(ctx context.Context, chatID, messageID, senderID string, at time.Time) error {
	if f.failTouch {
		return errors.New("connection reset")
	}
	return f.Memory.TouchChat(ctx, chatID, messageID, senderID, at)
}

type relayFixture struct {
	relay     *Relay
	transport *fakeTransport
	repo      *database.Memory
	chats     *flakyChats
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	ctx := context.Background()
	repo := database.NewMemory()
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, repo.CreateUser(ctx, &database.User{ID: id, UserCode: "CHL-" + id, Name: id}))
	}
	require.NoError(t, repo.CreateChat(ctx, &database.Chat{
		ID:           "chat-ab",
		Type:         database.ChatDirect,
		Participants: []string{"alice", "bob"},
	}))

	transport := newFakeTransport()
	chats := &flakyChats{Memory: repo}
	relay := NewRelay(presence.NewMemory(), transport, chats, repo, zerolog.Nop())
	seq := 0
	relay.newID = func() string { seq++; return fmt.Sprintf("msg-%d", seq) }
	relay.now = func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) }

	return &relayFixture{relay: relay, transport: transport, repo: repo, chats: chats}
}

func TestRelay_PresenceFollowsLastConnection(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	require.NoError(t, f.relay.RegisterConnection(ctx, "a1", "alice"))
	require.NoError(t, f.relay.RegisterConnection(ctx, "a2", "alice"))
	assert.Equal(t, []realtime.PresencePayload{{UserID: "alice", Online: true}}, f.transport.presence())

	alice, err := f.repo.UserByID(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, alice.Online)

	require.NoError(t, f.relay.UnregisterConnection(ctx, "a1"))
	assert.Len(t, f.transport.presence(), 1, "alice still has a2")

	require.NoError(t, f.relay.UnregisterConnection(ctx, "a2"))
	assert.Equal(t, []realtime.PresencePayload{
		{UserID: "alice", Online: true},
		{UserID: "alice", Online: false},
	}, f.transport.presence())

	alice, err = f.repo.UserByID(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, alice.Online)

	require.NoError(t, f.relay.UnregisterConnection(ctx, "a2"), "double unregister is harmless")
	assert.Len(t, f.transport.presence(), 2)
}

func TestRelay_PresenceBroadcastExcludesConnection(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	require.NoError(t, f.relay.RegisterConnection(ctx, "a1", "alice"))
	require.Len(t, f.transport.broadcasts, 1)
	assert.True(t, f.transport.broadcasts[0].all)
	assert.Equal(t, "a1", f.transport.broadcasts[0].except)
}

func TestRelay_ReRegisterMovesConnection(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	require.NoError(t, f.relay.RegisterConnection(ctx, "c1", "alice"))
	require.NoError(t, f.relay.RegisterConnection(ctx, "c1", "bob"))

	assert.Equal(t, []realtime.PresencePayload{
		{UserID: "alice", Online: true},
		{UserID: "alice", Online: false},
		{UserID: "bob", Online: true},
	}, f.transport.presence())
}

func TestRelay_JoinRoom(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	require.NoError(t, f.relay.RegisterConnection(ctx, "a1", "alice"))
	require.NoError(t, f.relay.RegisterConnection(ctx, "c1", "carol"))

	require.NoError(t, f.relay.JoinRoom(ctx, "a1", "chat-ab"))
	assert.Equal(t, []string{"chat-ab"}, f.transport.rooms["a1"])

	assert.ErrorIs(t, f.relay.JoinRoom(ctx, "c1", "chat-ab"), ErrNotMember)
	assert.ErrorIs(t, f.relay.JoinRoom(ctx, "a1", "missing"), ErrNotFound)
	assert.ErrorIs(t, f.relay.JoinRoom(ctx, "ghost", "chat-ab"), ErrNotRegistered)
}

func TestRelay_RelayMessage(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	require.NoError(t, f.relay.RegisterConnection(ctx, "a1", "alice"))

	msg, err := f.relay.RelayMessage(ctx, "a1", MessageInput{ChatID: "chat-ab", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, database.MessageText, msg.Type)
	assert.Equal(t, database.StatusSent, msg.Status)
	assert.Equal(t, "alice", msg.SenderID)

	stored, err := f.repo.MessagesBefore(ctx, "chat-ab", msg.CreatedAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	chat, err := f.repo.ChatByID(ctx, "chat-ab")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", chat.LastMessageID)
	assert.Equal(t, 1, chat.UnreadCounts["bob"])
	assert.Equal(t, 0, chat.UnreadCounts["alice"])

	rooms := f.transport.roomBroadcasts()
	require.Len(t, rooms, 1)
	assert.Equal(t, "chat-ab", rooms[0].room)
	assert.Equal(t, "a1", rooms[0].except, "sender is excluded from the fan-out")
	assert.Equal(t, realtime.EventReceiveMessage, rooms[0].evt.Event)
}

func TestRelay_RelayMessageRejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		connID  string
		input   MessageInput
		wantErr error
	}{
		{"unregistered connection", "ghost", MessageInput{ChatID: "chat-ab", Content: "hi"}, ErrNotRegistered},
		{"missing chat id", "a1", MessageInput{Content: "hi"}, ErrValidation},
		{"empty text", "a1", MessageInput{ChatID: "chat-ab", Content: "  "}, ErrValidation},
		{"file without url", "a1", MessageInput{ChatID: "chat-ab", Type: database.MessageImage}, ErrValidation},
		{"unknown type", "a1", MessageInput{ChatID: "chat-ab", Type: "sticker", Content: "x"}, ErrValidation},
		{"unknown chat", "a1", MessageInput{ChatID: "nope", Content: "hi"}, ErrNotFound},
		{"not a member", "c1", MessageInput{ChatID: "chat-ab", Content: "hi"}, ErrNotMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRelayFixture(t)
			require.NoError(t, f.relay.RegisterConnection(ctx, "a1", "alice"))
			require.NoError(t, f.relay.RegisterConnection(ctx, "c1", "carol"))

			_, err := f.relay.RelayMessage(ctx, tt.connID, tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.transport.roomBroadcasts())
		})
	}
}

func sendEvent(t *testing.T, ref string, input MessageInput) realtime.Inbound {
	t.Helper()
	payload, err := json.Marshal(input)
	require.NoError(t, err)
	return realtime.Inbound{Event: realtime.EventSendMessage, Ref: ref, Payload: payload}
}

// A failed write yields exactly one error event for the sender and no
// broadcast.
func TestRelay_PersistenceFailureNeverBroadcasts(t *testing.T) {
	ctx := context.Background()

	for _, step := range []string{"insert", "touch"} {
		t.Run(step, func(t *testing.T) {
			f := newRelayFixture(t)
			f.chats.failInsert = step == "insert"
			f.chats.failTouch = step == "touch"
			require.NoError(t, f.relay.RegisterConnection(ctx, "a1", "alice"))
			require.NoError(t, f.relay.RegisterConnection(ctx, "b1", "bob"))
			require.NoError(t, f.relay.JoinRoom(ctx, "b1", "chat-ab"))

			f.relay.OnEvent(ctx, "a1", sendEvent(t, "r1", MessageInput{ChatID: "chat-ab", Content: "hello"}))

			got := f.transport.events("a1")
			require.Len(t, got, 1)
			assert.Equal(t, realtime.EventError, got[0].Event)
			assert.Equal(t, "r1", got[0].Ref)
			assert.Equal(t, realtime.CodeStorage, got[0].Payload.(realtime.ErrorPayload).Code)

			assert.Empty(t, f.transport.roomBroadcasts())
			assert.Empty(t, f.transport.events("b1"))
		})
	}
}

func TestRelay_OnEvent(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	require.NoError(t, f.relay.OnConnect(ctx, "a1", "alice"))

	f.relay.OnEvent(ctx, "a1", realtime.Inbound{Event: realtime.EventJoinRoom, Ref: "j", Payload: json.RawMessage(`{"chatId":"chat-ab"}`)})
	f.relay.OnEvent(ctx, "a1", sendEvent(t, "s", MessageInput{ChatID: "chat-ab", Content: "hi"}))
	f.relay.OnEvent(ctx, "a1", realtime.Inbound{Event: "dance", Ref: "d"})
	f.relay.OnEvent(ctx, "a1", realtime.Inbound{Event: realtime.EventJoinRoom, Ref: "bad", Payload: json.RawMessage(`{}`)})

	got := f.transport.events("a1")
	require.Len(t, got, 4)
	assert.Equal(t, realtime.EventRoomJoined, got[0].Event)
	assert.Equal(t, realtime.EventMessageAck, got[1].Event)
	assert.Equal(t, "msg-1", got[1].Payload.(MessagePayload).Message.ID)
	assert.Equal(t, realtime.EventError, got[2].Event)
	assert.Equal(t, realtime.CodeValidation, got[2].Payload.(realtime.ErrorPayload).Code)
	assert.Equal(t, realtime.EventError, got[3].Event)

	f.relay.OnDisconnect(ctx, "a1")
	assert.Equal(t, []realtime.PresencePayload{
		{UserID: "alice", Online: true},
		{UserID: "alice", Online: false},
	}, f.transport.presence())
}
