package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hgarg1/gemini-nexus-sub001/internal/auth"
	"github.com/hgarg1/gemini-nexus-sub001/internal/chats"
	"github.com/hgarg1/gemini-nexus-sub001/internal/pipeline"
	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "nexus_user_id"
	chatContextKey   = "nexus_chat"

	defaultHeartbeatInterval = 30 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingVersioning       = errors.New("versioning service dependency required")
	errMissingChatStore        = errors.New("chat store dependency required")
)

// SessionValidator authenticates a request from its bearer token or session cookie.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps session claims onto the canonical user id that owns chats.
type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// JobQueue accepts suggestion jobs for completed turns.
type JobQueue interface {
	Enqueue(ctx context.Context, job pipeline.TurnJob) error
}

type Dependencies struct {
	Sessions          SessionValidator
	Identities        IdentityResolver
	Versioning        *versioning.Service
	Chats             *chats.Store
	Jobs              JobQueue
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Versioning == nil {
		return nil, errMissingVersioning
	}
	if deps.Chats == nil {
		return nil, errMissingChatStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:   deps.Sessions,
		identities: deps.Identities,
		versioning: deps.Versioning,
		chats:      deps.Chats,
		jobs:       deps.Jobs,
		realtime:   realtime,
		logger:     logger,
		heartbeat:  heartbeat,
		origins:    deps.AllowedOrigins,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/chats", handler.handleCreateChat)

	chat := protected.Group("/chats/:chatId")
	chat.Use(handler.authorizeChat)
	chat.GET("/messages", handler.handleListMessages)
	chat.POST("/messages", handler.handleAppendMessage)
	chat.POST("/turns", handler.handleEnqueueTurn)
	chat.GET("/versioning", handler.handleOverview)
	chat.POST("/branches", handler.handleCreateBranch)
	chat.PATCH("/branches/:branchId", handler.handleRenameBranch)
	chat.DELETE("/branches/:branchId", handler.handleDeleteBranch)
	chat.GET("/branches/:branchId/history", handler.handleBranchHistory)
	chat.POST("/checkpoints", handler.handleCreateCheckpoint)
	chat.PATCH("/checkpoints/:checkpointId", handler.handleUpdateCheckpoint)
	chat.POST("/checkpoints/:checkpointId/comments", handler.handleCheckpointComment)
	chat.GET("/checkpoints/:checkpointId/state", handler.handleCheckpointState)
	chat.GET("/diff", handler.handleDiff)
	chat.POST("/merge-requests", handler.handleCreateMergeRequest)
	chat.GET("/merge-requests/:mergeRequestId/preview", handler.handlePreviewMerge)
	chat.POST("/merge-requests/:mergeRequestId/merge", handler.handleExecuteMerge)
	chat.POST("/merge-requests/:mergeRequestId/close", handler.handleCloseMergeRequest)
	chat.POST("/merge-requests/:mergeRequestId/comments", handler.handleMergeRequestComment)
	chat.POST("/restore", handler.handleRestore)
	chat.POST("/compile", handler.handleCompile)
	chat.GET("/events", handler.handleEventsSocket)
	chat.GET("/stream", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	sessions   SessionValidator
	identities IdentityResolver
	versioning *versioning.Service
	chats      *chats.Store
	jobs       JobQueue
	realtime   *RealtimeDispatcher
	logger     *zap.Logger
	heartbeat  time.Duration
	origins    []string
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return allowAll || slices.Contains(allowedOrigins, origin)
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID := claims.UserID
	if h.identities != nil {
		resolved, err := h.identities.ResolveCanonicalUserID(c.Request.Context(), claims)
		if err != nil {
			h.logger.Warn("identity resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		userID = resolved
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// authorizeChat rejects chats that are missing or owned by someone else with the same 403.
func (h *httpHandler) authorizeChat(c *gin.Context) {
	chatID, err := versioning.NewChatID(c.Param("chatId"))
	if err != nil {
		h.respondError(c, err)
		c.Abort()
		return
	}
	chat, err := h.chats.Authorize(c.Request.Context(), chatID, h.callerID(c))
	if err != nil {
		h.respondError(c, err)
		c.Abort()
		return
	}
	c.Set(chatContextKey, chat)
	c.Next()
}

func (h *httpHandler) callerID(c *gin.Context) versioning.UserID {
	return versioning.UserID(c.GetString(userIDContextKey))
}

func (h *httpHandler) currentChat(c *gin.Context) chats.Chat {
	value, _ := c.Get(chatContextKey)
	chat, _ := value.(chats.Chat)
	return chat
}

func (h *httpHandler) chatID(c *gin.Context) versioning.ChatID {
	return versioning.ChatID(h.currentChat(c).ChatID)
}

// respondError maps service failures onto HTTP statuses with {"error", "code"} bodies.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	if errors.Is(err, chats.ErrForbidden) || errors.Is(err, chats.ErrChatNotFound) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	kind := versioning.KindOf(err)
	if errors.Is(err, chats.ErrInvalidTitle) || errors.Is(err, chats.ErrInvalidMessage) || errors.Is(err, pipeline.ErrInvalidJob) {
		kind = versioning.KindValidation
	}

	status := http.StatusInternalServerError
	switch kind {
	case versioning.KindValidation:
		status = http.StatusBadRequest
	case versioning.KindForbidden:
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	case versioning.KindNotFound:
		status = http.StatusNotFound
	case versioning.KindConflict:
		status = http.StatusConflict
	case versioning.KindTransient:
		status = http.StatusServiceUnavailable
	}

	code := ""
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": string(kind), "code": code})
}

func badRequest(c *gin.Context, reason string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(versioning.KindValidation), "code": reason})
}
