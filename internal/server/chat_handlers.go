package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hgarg1/gemini-nexus-sub001/internal/chats"
	"github.com/hgarg1/gemini-nexus-sub001/internal/pipeline"
	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
	"go.uber.org/zap"
)

type createChatRequestPayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleCreateChat(c *gin.Context) {
	var request createChatRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	ctx := c.Request.Context()
	chat, err := h.chats.CreateChat(ctx, h.callerID(c), request.Title, h.versioning.DefaultBranchName())
	if err != nil {
		h.respondError(c, err)
		return
	}
	branch, err := h.versioning.ResolveBranch(ctx, versioning.ChatID(chat.ChatID), nil)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"chat":   newChatPayload(chat),
		"branch": newBranchPayload(branch),
	})
}

type appendMessageRequestPayload struct {
	MessageID string   `json:"message_id"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Assets    []string `json:"assets"`
	Status    string   `json:"status"`
}

func (h *httpHandler) handleAppendMessage(c *gin.Context) {
	var request appendMessageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	status := chats.StatusComplete
	switch chats.MessageStatus(strings.TrimSpace(request.Status)) {
	case "", chats.StatusComplete:
	case chats.StatusPending:
		status = chats.StatusPending
	case chats.StatusError:
		status = chats.StatusError
	default:
		badRequest(c, "invalid_status")
		return
	}
	message, err := h.chats.AppendMessage(c.Request.Context(), h.chatID(c), chats.MessageInput{
		MessageID: request.MessageID,
		Role:      request.Role,
		Content:   request.Content,
		Assets:    request.Assets,
		Status:    status,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": newMessagePayload(message)})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	messages, err := h.chats.ListMessages(c.Request.Context(), h.chatID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, newMessagePayload(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

type enqueueTurnRequestPayload struct {
	TurnID    string `json:"turn_id"`
	MessageID string `json:"message_id"`
	BranchID  string `json:"branch_id"`
}

// handleEnqueueTurn hands a completed turn to the suggestion pipeline and returns immediately.
func (h *httpHandler) handleEnqueueTurn(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": string(versioning.KindTransient), "code": "pipeline_disabled"})
		return
	}
	var request enqueueTurnRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	job := pipeline.TurnJob{
		ChatID:    h.chatID(c).String(),
		BranchID:  strings.TrimSpace(request.BranchID),
		TurnID:    strings.TrimSpace(request.TurnID),
		MessageID: strings.TrimSpace(request.MessageID),
		ActorID:   h.callerID(c).String(),
	}
	if err := h.jobs.Enqueue(c.Request.Context(), job); err != nil {
		if versioning.KindOf(err) == versioning.KindInternal {
			h.logger.Error("failed to enqueue turn job",
				zap.String("chat_id", job.ChatID),
				zap.String("turn_id", job.TurnID),
				zap.Error(err),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": string(versioning.KindTransient), "code": "enqueue_failed"})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "turn_id": job.TurnID})
}
