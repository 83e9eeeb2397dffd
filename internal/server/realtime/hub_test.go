package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attach(t *testing.T, h *Hub, id, userID string) *Client {
	t.Helper()
	c := newClient(id, userID, h, nil, zerolog.Nop())
	h.register(c)
	return c
}

func pending(c *Client) []Event {
	var out []Event
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var evt Event
			if err := json.Unmarshal(data, &evt); err == nil {
				out = append(out, evt)
			}
		default:
			return out
		}
	}
}

func TestHub_BroadcastRoom(t *testing.T) {
	ctx := context.Background()
	h := NewHub(zerolog.Nop())
	a := attach(t, h, "a", "alice")
	b := attach(t, h, "b", "bob")
	c := attach(t, h, "c", "carol")

	require.NoError(t, h.Join("a", "chat-1"))
	require.NoError(t, h.Join("b", "chat-1"))
	require.NoError(t, h.Join("c", "chat-2"))

	require.NoError(t, h.BroadcastRoom(ctx, "chat-1", Event{Event: EventReceiveMessage}, "a"))

	assert.Empty(t, pending(a), "sender is excluded")
	got := pending(b)
	require.Len(t, got, 1)
	assert.Equal(t, EventReceiveMessage, got[0].Event)
	assert.Empty(t, pending(c), "other rooms are untouched")
}

func TestHub_BroadcastAll(t *testing.T) {
	ctx := context.Background()
	h := NewHub(zerolog.Nop())
	a := attach(t, h, "a", "alice")
	b := attach(t, h, "b", "bob")

	require.NoError(t, h.BroadcastAll(ctx, Event{Event: EventPresence, Payload: PresencePayload{UserID: "alice", Online: true}}, "a"))

	assert.Empty(t, pending(a))
	got := pending(b)
	require.Len(t, got, 1)
	assert.Equal(t, EventPresence, got[0].Event)
}

func TestHub_JoinUnknownConnection(t *testing.T) {
	h := NewHub(zerolog.Nop())
	assert.ErrorIs(t, h.Join("missing", "chat-1"), ErrNoConnection)
	assert.ErrorIs(t, h.Emit("missing", Event{Event: EventHeartbeat}), ErrNoConnection)
}

func TestHub_UnregisterLeavesRooms(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a := attach(t, h, "a", "alice")
	require.NoError(t, h.Join("a", "chat-1"))
	require.NoError(t, h.Join("a", "chat-2"))
	assert.Equal(t, []string{"chat-1", "chat-2"}, h.Rooms("a"))

	assert.True(t, h.unregister(a))
	assert.False(t, h.unregister(a), "second unregister is a no-op")
	assert.Equal(t, 0, h.Connections())
	assert.Empty(t, h.rooms)
}

func TestHub_DropsSlowConsumer(t *testing.T) {
	ctx := context.Background()
	h := NewHub(zerolog.Nop())
	attach(t, h, "slow", "alice")
	require.NoError(t, h.Join("slow", "chat-1"))

	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, h.BroadcastRoom(ctx, "chat-1", Event{Event: EventReceiveMessage}, ""))
	}
	assert.Equal(t, 1, h.Connections())

	require.NoError(t, h.BroadcastRoom(ctx, "chat-1", Event{Event: EventReceiveMessage}, ""))
	assert.Equal(t, 0, h.Connections())
}

type recordingBus struct {
	mu   sync.Mutex
	sent []Delivery
	err  error
}

func (b *recordingBus) Publish(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, d)
	return b.err
}

func TestHub_PublishesToBus(t *testing.T) {
	ctx := context.Background()
	h := NewHub(zerolog.Nop())
	bus := &recordingBus{err: errors.New("redis down")}
	h.AttachBus(bus)
	b := attach(t, h, "b", "bob")
	require.NoError(t, h.Join("b", "chat-1"))

	require.NoError(t, h.BroadcastRoom(ctx, "chat-1", Event{Event: EventReceiveMessage}, "a"),
		"bus failures do not fail local delivery")

	assert.Len(t, pending(b), 1)
	require.Len(t, bus.sent, 1)
	assert.Equal(t, h.Origin(), bus.sent[0].Origin)
	assert.Equal(t, "chat-1", bus.sent[0].Room)
	assert.Equal(t, "a", bus.sent[0].Except)
}

func TestRedisBus_HandleSkipsOwnOrigin(t *testing.T) {
	h := NewHub(zerolog.Nop())
	b := attach(t, h, "b", "bob")
	require.NoError(t, h.Join("b", "chat-1"))
	bus := NewRedisBus(nil, "chillchat", h, zerolog.Nop())

	evt, err := json.Marshal(Event{Event: EventReceiveMessage})
	require.NoError(t, err)

	own, err := json.Marshal(Delivery{Origin: h.Origin(), Room: "chat-1", Data: evt})
	require.NoError(t, err)
	bus.handle(string(own))
	assert.Empty(t, pending(b))

	remote, err := json.Marshal(Delivery{Origin: "other", Room: "chat-1", Data: evt})
	require.NoError(t, err)
	bus.handle(string(remote))
	assert.Len(t, pending(b), 1)

	bus.handle("not json")
	assert.Empty(t, pending(b))
}

// --- endpoint ---

type recordingHandler struct {
	mu           sync.Mutex
	connected    []string
	events       []Inbound
	disconnected chan string
	connectErr   error
}

func (r *recordingHandler) OnConnect(_ context.Context, connID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, userID)
	return r.connectErr
}

func (r *recordingHandler) OnEvent(_ context.Context, _ string, in Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, in)
}

func (r *recordingHandler) OnDisconnect(_ context.Context, connID string) {
	r.disconnected <- connID
}

func (r *recordingHandler) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestServer(t *testing.T, handler Handler) (*Hub, string) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	auth := func(r *http.Request) (string, error) {
		if tok := r.URL.Query().Get("token"); tok != "" {
			return tok, nil
		}
		return "", errors.New("missing token")
	}
	e := echo.New()
	e.GET("/ws", NewEndpoint(hub, handler, auth, nil, zerolog.Nop()).ServeWs)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestEndpoint_RejectsMissingToken(t *testing.T) {
	_, url := newTestServer(t, &recordingHandler{disconnected: make(chan string, 1)})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEndpoint_Lifecycle(t *testing.T) {
	handler := &recordingHandler{disconnected: make(chan string, 1)}
	hub, url := newTestServer(t, handler)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=alice", nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Inbound{Event: EventHeartbeat, Ref: "1"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply Event
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, EventHeartbeat, reply.Event)
	assert.Equal(t, "1", reply.Ref)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, EventError, reply.Event)

	require.NoError(t, conn.WriteJSON(Inbound{Event: EventJoinRoom, Ref: "2", Payload: json.RawMessage(`{"chatId":"c1"}`)}))
	assert.Eventually(t, func() bool { return handler.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hub.Connections())

	conn.Close()
	select {
	case <-handler.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect was not called")
	}
	assert.Equal(t, 0, hub.Connections())

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{"alice"}, handler.connected)
	assert.Equal(t, EventJoinRoom, handler.events[0].Event)
}

func TestEndpoint_ConnectFailureClosesConnection(t *testing.T) {
	handler := &recordingHandler{disconnected: make(chan string, 1), connectErr: errors.New("registry down")}
	hub, url := newTestServer(t, handler)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=alice", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply Event
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, EventError, reply.Event)

	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server closes after the error frame")
	assert.Equal(t, 0, hub.Connections())
}
