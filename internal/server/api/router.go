package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"chillchat/internal/server/config"
	"chillchat/internal/server/realtime"
)

// SetupRouter creates the echo router with all routes and middleware.
func SetupRouter(h *Handler, ws *realtime.Endpoint, cfg *config.Config, log zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(log)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(RequestID())
	e.Use(RequestLogger(log))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	requireAuth := h.Tokens.Middleware()
	uploadLimiter := RateLimiter(cfg.RateLimit, log)

	// Health & stats
	e.GET("/health", h.HandleHealth)
	e.GET("/api/stats", h.HandleStats)

	// File shares
	files := e.Group("/files")
	files.POST("/upload", h.HandleUpload, uploadLimiter, requireAuth)
	files.GET("/download/:code", h.HandleDownload)
	files.GET("/info/:code", h.HandleInfo)
	files.DELETE("/:code", h.HandleRevoke, requireAuth)

	// Real-time; the endpoint authenticates before upgrading.
	e.GET("/ws", ws.ServeWs)

	api := e.Group("/api", requireAuth)
	api.GET("/me", h.HandleMe)
	api.GET("/users/code/:code", h.HandleUserByCode)

	api.GET("/friends", h.HandleFriends)
	api.POST("/friends/requests", h.HandleSendFriendRequest)
	api.POST("/friends/requests/:from/accept", h.HandleRespondFriendRequest(true))
	api.POST("/friends/requests/:from/reject", h.HandleRespondFriendRequest(false))

	api.GET("/chats", h.HandleChats)
	api.POST("/chats", h.HandleCreateChat)
	api.GET("/chats/:id/messages", h.HandleMessages)
	api.POST("/chats/:id/read", h.HandleMarkRead)

	return e
}
