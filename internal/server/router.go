package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/auth"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/forum"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	identityContextKey = "relay_identity"
	defaultSocketPath  = "/socket"
	anyOrigin          = "*"
)

var (
	errMissingSessions      = errors.New("session manager dependency required")
	errMissingNotifications = errors.New("notification store dependency required")
	errInvalidAuthorization = errors.New("credential missing or invalid")
)

// NotificationStore backs the notification inbox, push token and watch endpoints.
type NotificationStore interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]forum.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	RegisterPushToken(ctx context.Context, userID, token string) (forum.PushToken, error)
	RevokePushToken(ctx context.Context, userID, token string) error
	AddWatcher(ctx context.Context, questionID, userID string) error
	RemoveWatcher(ctx context.Context, questionID, userID string) error
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Verifier       IdentityVerifier
	Sessions       http.Handler
	Notifications  NotificationStore
	CookieName     string
	SocketPath     string
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving health, the socket endpoint
// and the authenticated notification routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	socketPath := strings.TrimSpace(deps.SocketPath)
	if socketPath == "" {
		socketPath = defaultSocketPath
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		verifier:      deps.Verifier,
		notifications: deps.Notifications,
		cookieName:    deps.CookieName,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/health", handler.handleHealth)
	router.GET(socketPath, gin.WrapH(deps.Sessions))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications/:id/read", handler.handleMarkRead)
	protected.POST("/push-tokens", handler.handleRegisterPushToken)
	protected.DELETE("/push-tokens", handler.handleRevokePushToken)
	protected.PUT("/questions/:id/watch", handler.handleWatchQuestion)
	protected.DELETE("/questions/:id/watch", handler.handleUnwatchQuestion)

	return router, nil
}

// corsMiddleware reflects allowed origins with credentials enabled. An empty
// list or a lone "*" allows every origin.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := newOriginSet(allowedOrigins)
	return cors.New(cors.Config{
		AllowOriginFunc:  origins.allows,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", auth.HandshakeAuthHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type originSet struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginSet(origins []string) originSet {
	set := originSet{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" {
			continue
		}
		if origin == anyOrigin {
			set.any = true
			continue
		}
		set.allowed[origin] = struct{}{}
	}
	if len(set.allowed) == 0 {
		set.any = true
	}
	return set
}

func (s originSet) allows(origin string) bool {
	if s.any {
		return true
	}
	_, ok := s.allowed[strings.TrimRight(origin, "/")]
	return ok
}

type httpHandler struct {
	verifier      IdentityVerifier
	notifications NotificationStore
	cookieName    string
	clock         func() time.Time
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": h.clock().UTC().Format(time.RFC3339Nano),
	})
}

type notificationPayload struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Link       string  `json:"link"`
	QuestionID string  `json:"questionId"`
	Meta       any     `json:"meta,omitempty"`
	ReadAt     *string `json:"readAt"`
	CreatedAt  string  `json:"createdAt"`
}

type notificationsResponse struct {
	Notifications []notificationPayload `json:"notifications"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	identity := currentIdentity(c)
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	items, err := h.notifications.ListNotifications(c.Request.Context(), identity.UserID, limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.String("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := notificationsResponse{Notifications: make([]notificationPayload, 0, len(items))}
	for _, item := range items {
		payload := notificationPayload{
			ID:         item.ID,
			Type:       string(item.Type),
			Title:      item.Title,
			Content:    item.Content,
			Link:       item.Link,
			QuestionID: item.QuestionID,
			CreatedAt:  item.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if len(item.Meta) > 0 {
			payload.Meta = item.Meta
		}
		if item.ReadAt != nil {
			readAt := item.ReadAt.UTC().Format(time.RFC3339Nano)
			payload.ReadAt = &readAt
		}
		response.Notifications = append(response.Notifications, payload)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	identity := currentIdentity(c)
	err := h.notifications.MarkNotificationRead(c.Request.Context(), identity.UserID, c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, forum.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("failed to mark notification read", zap.String("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
	}
}

type pushTokenRequest struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleRegisterPushToken(c *gin.Context) {
	identity := currentIdentity(c)
	var request pushTokenRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	token, err := h.notifications.RegisterPushToken(c.Request.Context(), identity.UserID, request.Token)
	if err != nil {
		h.logger.Error("failed to register push token", zap.String("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "register_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": token.ID, "token": token.Token})
}

func (h *httpHandler) handleRevokePushToken(c *gin.Context) {
	identity := currentIdentity(c)
	var request pushTokenRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.notifications.RevokePushToken(c.Request.Context(), identity.UserID, request.Token)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, forum.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("failed to revoke push token", zap.String("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke_failed"})
	}
}

// handleWatchQuestion subscribes the caller to notifications for a question
// they neither own nor act on.
func (h *httpHandler) handleWatchQuestion(c *gin.Context) {
	identity := currentIdentity(c)
	questionID := strings.TrimSpace(c.Param("id"))
	if err := h.notifications.AddWatcher(c.Request.Context(), questionID, identity.UserID); err != nil {
		h.logger.Error("failed to watch question", zap.String("user_id", identity.UserID), zap.String("question_id", questionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "watch_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnwatchQuestion(c *gin.Context) {
	identity := currentIdentity(c)
	questionID := strings.TrimSpace(c.Param("id"))
	if err := h.notifications.RemoveWatcher(c.Request.Context(), questionID, identity.UserID); err != nil {
		h.logger.Error("failed to unwatch question", zap.String("user_id", identity.UserID), zap.String("question_id", questionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unwatch_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// authorizeRequest resolves the caller from the same credential sources the
// socket handshake accepts.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, _ := auth.ExtractCredential(c.Request, h.cookieName)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !identity.Complete() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func currentIdentity(c *gin.Context) auth.Identity {
	value, _ := c.Get(identityContextKey)
	identity, _ := value.(auth.Identity)
	return identity
}
