package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// Client is one WebSocket connection attached to a Hub.
type Client struct {
	id     string
	userID string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	log    zerolog.Logger

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}
}

func newClient(id, userID string, hub *Hub, conn *websocket.Conn, log zerolog.Logger) *Client {
	return &Client{
		id:     id,
		userID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		log:    log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
		rooms:  make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// readPump decodes inbound frames and hands them to handler until the peer
// goes away. It detaches the client from the hub on exit.
func (c *Client) readPump(ctx context.Context, handler Handler) {
	defer func() {
		c.hub.unregister(c)
		handler.OnDisconnect(ctx, c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("Connection closed unexpectedly")
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
			c.hub.Emit(c.id, ErrorEvent("", CodeValidation, "malformed frame"))
			continue
		}

		if in.Event == EventHeartbeat {
			c.hub.Emit(c.id, Event{Event: EventHeartbeat, Ref: in.Ref})
			continue
		}
		handler.OnEvent(ctx, c.id, in)
	}
}

// writePump drains the send channel to the socket and keeps the peer alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
