package realtime

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Authenticator resolves the user behind an upgrade request.
type Authenticator func(r *http.Request) (userID string, err error)

// Endpoint upgrades HTTP requests to WebSocket connections attached to a Hub.
type Endpoint struct {
	hub          *Hub
	handler      Handler
	authenticate Authenticator
	upgrader     websocket.Upgrader
	log          zerolog.Logger
}

// NewEndpoint creates an Endpoint. An empty origins list, or one containing
// "*", accepts every origin.
func NewEndpoint(hub *Hub, handler Handler, authenticate Authenticator, origins []string, log zerolog.Logger) *Endpoint {
	return &Endpoint{
		hub:          hub,
		handler:      handler,
		authenticate: authenticate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return len(allowed) == 0 || origin == "" || allowed[origin]
	}
}

// ServeWs handles GET /ws.
func (e *Endpoint) ServeWs(c echo.Context) error {
	userID, err := e.authenticate(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
	}

	conn, err := e.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		e.log.Debug().Err(err).Msg("Upgrade failed")
		return nil
	}

	// The request context ends with this handler; the connection outlives it.
	ctx := context.WithoutCancel(c.Request().Context())

	client := newClient(uuid.NewString(), userID, e.hub, conn, e.log)
	e.hub.register(client)
	go client.writePump()

	if err := e.handler.OnConnect(ctx, client.id, userID); err != nil {
		client.log.Warn().Err(err).Msg("Connection rejected")
		e.hub.Emit(client.id, ErrorEvent("", CodeStorage, "connection could not be registered"))
		e.hub.unregister(client)
		return nil
	}

	client.log.Debug().Msg("Connection attached")
	go client.readPump(ctx, e.handler)
	return nil
}
