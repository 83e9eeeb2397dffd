package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"chillchat/internal/server/auth"
	"chillchat/internal/server/database"
	"chillchat/internal/server/service"
)

// HealthChecker reports whether the backing database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Services bundles what the handlers call into.
type Services struct {
	Shares *service.ShareService
	Users  *service.UserService
	Chats  *service.ChatService
	Health HealthChecker
	Tokens *auth.Tokens
}

// Handler contains the HTTP handlers for the chillchat API.
type Handler struct {
	Services
	log zerolog.Logger
}

func NewHandler(svc Services, log zerolog.Logger) *Handler {
	return &Handler{Services: svc, log: log.With().Str("component", "api").Logger()}
}

// --- files ---

// HandleUpload handles POST /files/upload.
// Accepts a multipart form with a "file" field and optional "password" and
// "maxDownloads" fields.
func (h *Handler) HandleUpload(c echo.Context) error {
	claims := mustClaims(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	maxDownloads := 0
	if raw := c.FormValue("maxDownloads"); raw != "" {
		maxDownloads, err = strconv.Atoi(raw)
		if err != nil || maxDownloads < 1 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "maxDownloads must be a positive integer"})
		}
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	issued, err := h.Shares.IssueShare(c.Request().Context(), service.UploadRequest{
		UploaderID:   claims.UserID,
		FileName:     fileHeader.Filename,
		Data:         src,
		Size:         fileHeader.Size,
		Password:     c.FormValue("password"),
		MaxDownloads: maxDownloads,
	})
	if err != nil {
		return h.mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, issued)
}

// HandleDownload handles GET /files/download/:code.
// Redirects to the stored object or serves it as an attachment. Accepts an
// optional "password" query param.
func (h *Handler) HandleDownload(c echo.Context) error {
	dl, err := h.Shares.Download(
		c.Request().Context(),
		c.Param("code"),
		c.QueryParam("password"),
		h.viewerID(c),
		c.RealIP(),
	)
	if err != nil {
		return h.mapServiceError(c, err)
	}

	if dl.Location.URL != "" {
		return c.Redirect(http.StatusFound, dl.Location.URL)
	}
	return c.Attachment(dl.Location.Path, dl.FileName)
}

// HandleInfo handles GET /files/info/:code.
func (h *Handler) HandleInfo(c echo.Context) error {
	info, err := h.Shares.Info(c.Request().Context(), c.Param("code"))
	if err != nil {
		return h.mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleRevoke handles DELETE /files/:code. Only the uploader may revoke.
func (h *Handler) HandleRevoke(c echo.Context) error {
	claims := mustClaims(c)
	if err := h.Shares.Revoke(c.Request().Context(), c.Param("code"), claims.UserID); err != nil {
		return h.mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "share revoked"})
}

// --- health & stats ---

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.Health.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.Shares.Stats(c.Request().Context())
	if err != nil {
		return h.mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"totalShares":      stats.TotalShares,
		"activeShares":     stats.ActiveShares,
		"totalDownloads":   stats.TotalDownloads,
		"storageUsed":      stats.StorageUsed,
		"storageUsedHuman": humanizeBytes(stats.StorageUsed),
	})
}

// --- users & friends ---

func (h *Handler) HandleMe(c echo.Context) error {
	claims := mustClaims(c)
	u, err := h.Users.EnsureProfile(c.Request().Context(), claims.UserID, claims.Name)
	if err != nil {
		return h.mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) HandleUserByCode(c echo.Context) error {
	u, err := h.Users.Lookup(c.Request().Context(), c.Param("code"))
	if err != nil {
		return h.mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) HandleFriends(c echo.Context) error {
	friends, err := h.Users.Friends(c.Request().Context(), mustClaims(c).UserID)
	if err != nil {
		return h.mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, friends)
}

type friendRequestBody struct {
	UserCode string `json:"userCode"`
}

func (h *Handler) HandleSendFriendRequest(c echo.Context) error {
	var body friendRequestBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}
	target, err := h.Users.SendFriendRequest(c.Request().Context(), mustClaims(c).UserID, body.UserCode)
	if err != nil {
		return h.mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, target)
}

// HandleRespondFriendRequest answers the request from :from. It is mounted
// twice, once per answer.
func (h *Handler) HandleRespondFriendRequest(accept bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := h.Users.RespondFriendRequest(c.Request().Context(), mustClaims(c).UserID, c.Param("from"), accept)
		if err != nil {
			return h.mapServiceError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// --- chats ---

func (h *Handler) HandleChats(c echo.Context) error {
	chats, err := h.Chats.Chats(c.Request().Context(), mustClaims(c).UserID)
	if err != nil {
		return h.mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, chats)
}

type createChatBody struct {
	Type    database.ChatType `json:"type"`
	UserID  string            `json:"userId"`
	Name    string            `json:"name"`
	Members []string          `json:"members"`
}

// HandleCreateChat handles POST /api/chats for both direct and group chats.
func (h *Handler) HandleCreateChat(c echo.Context) error {
	var body createChatBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}

	ctx := c.Request().Context()
	userID := mustClaims(c).UserID

	var (
		chat *database.Chat
		err  error
	)
	switch body.Type {
	case database.ChatDirect, "":
		chat, err = h.Chats.CreateDirect(ctx, userID, body.UserID)
	case database.ChatGroup:
		chat, err = h.Chats.CreateGroup(ctx, userID, body.Name, body.Members)
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "type must be direct or group"})
	}
	if err != nil {
		return h.mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, chat)
}

// HandleMessages handles GET /api/chats/:id/messages?before=RFC3339&limit=N.
func (h *Handler) HandleMessages(c echo.Context) error {
	var before time.Time
	if raw := c.QueryParam("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "before must be an RFC 3339 timestamp"})
		}
		before = t
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "limit must be an integer"})
		}
		limit = n
	}

	msgs, err := h.Chats.History(c.Request().Context(), mustClaims(c).UserID, c.Param("id"), before, limit)
	if err != nil {
		return h.mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (h *Handler) HandleMarkRead(c echo.Context) error {
	n, err := h.Chats.MarkRead(c.Request().Context(), mustClaims(c).UserID, c.Param("id"))
	if err != nil {
		return h.mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"marked": n})
}

// mustClaims returns the claims set by the auth middleware. Routes using it
// are always mounted behind that middleware.
func mustClaims(c echo.Context) *auth.Claims {
	claims, ok := auth.FromContext(c)
	if !ok {
		panic("api: handler mounted without auth middleware")
	}
	return claims
}

// viewerID identifies the downloader when a token is presented. Downloads
// work anonymously too.
func (h *Handler) viewerID(c echo.Context) string {
	if claims, ok := auth.FromContext(c); ok {
		return claims.UserID
	}
	if claims, err := h.Tokens.FromRequest(c.Request()); err == nil {
		return claims.UserID
	}
	return ""
}

// mapServiceError translates service-layer errors into HTTP responses.
func (h *Handler) mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "share has expired"})
	case errors.Is(err, service.ErrLimitReached):
		return c.JSON(http.StatusGone, echo.Map{"error": "share download limit reached"})
	case errors.Is(err, service.ErrRevoked):
		return c.JSON(http.StatusGone, echo.Map{"error": "share is no longer available"})
	case errors.Is(err, service.ErrPasswordRequired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "password_required"})
	case errors.Is(err, service.ErrInvalidPassword):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid password"})
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrNotMember):
		return c.JSON(http.StatusForbidden, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	default:
		h.log.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("Request failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
