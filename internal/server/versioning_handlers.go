package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
)

func (h *httpHandler) handleOverview(c *gin.Context) {
	overview, err := h.versioning.Overview(c.Request.Context(), h.chatID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOverviewPayload(overview))
}

type createBranchRequestPayload struct {
	Name             string  `json:"name"`
	BaseCheckpointID *string `json:"base_checkpoint_id"`
}

func (h *httpHandler) handleCreateBranch(c *gin.Context) {
	var request createBranchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	name, err := versioning.NewBranchName(request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	base, err := optionalCheckpointID(request.BaseCheckpointID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	branch, err := h.versioning.CreateBranch(c.Request.Context(), versioning.CreateBranchRequest{
		ChatID:           h.chatID(c),
		Name:             name,
		BaseCheckpointID: base,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"branch": newBranchPayload(branch)})
}

type renameBranchRequestPayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleRenameBranch(c *gin.Context) {
	branchID, err := versioning.NewBranchID(c.Param("branchId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request renameBranchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	name, err := versioning.NewBranchName(request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	branch, err := h.versioning.RenameBranch(c.Request.Context(), h.chatID(c), branchID, name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": newBranchPayload(branch)})
}

func (h *httpHandler) handleDeleteBranch(c *gin.Context) {
	branchID, err := versioning.NewBranchID(c.Param("branchId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.versioning.DeleteBranch(c.Request.Context(), h.chatID(c), branchID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleBranchHistory(c *gin.Context) {
	branchID, err := versioning.NewBranchID(c.Param("branchId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	entries, err := h.versioning.History(c.Request.Context(), h.chatID(c), branchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]checkpointPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newCheckpointPayload(entry, nil))
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": payload})
}

type createCheckpointRequestPayload struct {
	BranchID *string `json:"branch_id"`
	Label    string  `json:"label"`
	Comment  *string `json:"comment"`
}

// handleCreateCheckpoint records the chat's complete live messages as a manual checkpoint.
func (h *httpHandler) handleCreateCheckpoint(c *gin.Context) {
	var request createCheckpointRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	branchID, err := optionalBranchID(request.BranchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	chatID := h.chatID(c)
	messages, err := h.chats.TurnSnapshots(ctx, chatID, "")
	if err != nil {
		h.respondError(c, err)
		return
	}
	outcome, err := h.versioning.CreateCheckpoint(ctx, versioning.CreateCheckpointRequest{
		ChatID:   chatID,
		BranchID: branchID,
		Label:    request.Label,
		Comment:  request.Comment,
		ActorID:  h.callerID(c),
		Messages: messages,
		Origin:   versioning.OriginManual,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"checkpoint": newCheckpointPayload(*outcome.Checkpoint, nil),
		"branch":     newBranchPayload(outcome.Branch),
	})
}

type updateCheckpointRequestPayload struct {
	Label   *string `json:"label"`
	Comment *string `json:"comment"`
}

func (h *httpHandler) handleUpdateCheckpoint(c *gin.Context) {
	checkpointID, err := versioning.NewCheckpointID(c.Param("checkpointId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request updateCheckpointRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	checkpoint, err := h.versioning.UpdateCheckpoint(c.Request.Context(), h.chatID(c), checkpointID, versioning.CheckpointEdit{
		Label:   request.Label,
		Comment: request.Comment,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint": newCheckpointPayload(checkpoint, nil)})
}

type commentRequestPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleCheckpointComment(c *gin.Context) {
	h.addComment(c, versioning.CommentOnCheckpoint, c.Param("checkpointId"))
}

func (h *httpHandler) handleMergeRequestComment(c *gin.Context) {
	h.addComment(c, versioning.CommentOnMergeRequest, c.Param("mergeRequestId"))
}

func (h *httpHandler) addComment(c *gin.Context, kind versioning.CommentParentKind, parentID string) {
	var request commentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	comment, err := h.versioning.AddComment(c.Request.Context(), versioning.AddCommentRequest{
		ChatID:     h.chatID(c),
		ParentKind: kind,
		ParentID:   parentID,
		AuthorID:   h.callerID(c),
		Content:    request.Content,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"comment": newCommentPayload(comment)})
}

func (h *httpHandler) handleCheckpointState(c *gin.Context) {
	checkpointID, err := versioning.NewCheckpointID(c.Param("checkpointId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	state, err := h.versioning.MaterializeState(c.Request.Context(), h.chatID(c), checkpointID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"checkpoint_id": checkpointID.String(),
		"messages":      newStatePayload(state),
	})
}

func (h *httpHandler) handleDiff(c *gin.Context) {
	to, err := versioning.NewCheckpointID(c.Query("to"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var from *versioning.CheckpointID
	if raw := strings.TrimSpace(c.Query("from")); raw != "" {
		from, err = optionalCheckpointID(&raw)
		if err != nil {
			h.respondError(c, err)
			return
		}
	}
	delta, err := h.versioning.Diff(c.Request.Context(), h.chatID(c), from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delta": delta})
}

type createMergeRequestPayload struct {
	SourceBranchID string  `json:"source_branch_id"`
	TargetBranchID string  `json:"target_branch_id"`
	Title          string  `json:"title"`
	Description    *string `json:"description"`
}

func (h *httpHandler) handleCreateMergeRequest(c *gin.Context) {
	var request createMergeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	source, err := versioning.NewBranchID(request.SourceBranchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	target, err := versioning.NewBranchID(request.TargetBranchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	mergeRequest, err := h.versioning.CreateMergeRequest(c.Request.Context(), versioning.CreateMergeRequestInput{
		ChatID:         h.chatID(c),
		SourceBranchID: source,
		TargetBranchID: target,
		Title:          request.Title,
		Description:    request.Description,
		ActorID:        h.callerID(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"merge_request": newMergeRequestPayload(mergeRequest, nil)})
}

func (h *httpHandler) handlePreviewMerge(c *gin.Context) {
	mergeRequestID, err := versioning.NewMergeRequestID(c.Param("mergeRequestId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	preview, err := h.versioning.PreviewMerge(c.Request.Context(), h.chatID(c), mergeRequestID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"merge_request":    newMergeRequestPayload(preview.MergeRequest, nil),
		"target_head_id":   preview.Ancestry.TargetHead,
		"source_head_id":   preview.Ancestry.SourceHead,
		"common_ancestor":  preview.Ancestry.CommonAncestor,
		"diverged":         preview.Ancestry.Diverged(),
		"legal_strategies": strategyNames(preview.Legal),
	})
}

type executeMergeRequestPayload struct {
	Strategy string `json:"strategy"`
}

func (h *httpHandler) handleExecuteMerge(c *gin.Context) {
	mergeRequestID, err := versioning.NewMergeRequestID(c.Param("mergeRequestId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request executeMergeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	strategy, err := versioning.ParseStrategy(request.Strategy)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.versioning.ExecuteMerge(c.Request.Context(), h.chatID(c), mergeRequestID, strategy, h.callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"merge_request":          newMergeRequestPayload(result.MergeRequest, nil),
		"branch":                 newBranchPayload(result.Target),
		"created_checkpoint_ids": nonNilIDs(result.CreatedCheckpointIDs),
	})
}

func (h *httpHandler) handleCloseMergeRequest(c *gin.Context) {
	mergeRequestID, err := versioning.NewMergeRequestID(c.Param("mergeRequestId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	mergeRequest, err := h.versioning.CloseMergeRequest(c.Request.Context(), h.chatID(c), mergeRequestID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merge_request": newMergeRequestPayload(mergeRequest, nil)})
}

type restoreRequestPayload struct {
	BranchID     string `json:"branch_id"`
	CheckpointID string `json:"checkpoint_id"`
	Strategy     string `json:"strategy"`
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	var request restoreRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	branchID, err := versioning.NewBranchID(request.BranchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	checkpointID, err := versioning.NewCheckpointID(request.CheckpointID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	strategy, err := versioning.ParseStrategy(request.Strategy)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.versioning.Restore(c.Request.Context(), versioning.RestoreRequest{
		ChatID:       h.chatID(c),
		BranchID:     branchID,
		CheckpointID: checkpointID,
		Strategy:     strategy,
		ActorID:      h.callerID(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"branch":                 newBranchPayload(result.Branch),
		"created_checkpoint_ids": nonNilIDs(result.CreatedCheckpointIDs),
		"rewound":                result.Rewound,
	})
}

type compileRequestPayload struct {
	BranchID string `json:"branch_id"`
}

func (h *httpHandler) handleCompile(c *gin.Context) {
	var request compileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	branchID, err := versioning.NewBranchID(request.BranchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.versioning.Compile(c.Request.Context(), h.chatID(c), branchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"branch_id":     result.BranchID,
		"head_id":       result.HeadID,
		"message_count": result.MessageCount,
		"inserted":      result.Sync.Inserted,
		"updated":       result.Sync.Updated,
		"deleted":       result.Sync.Deleted,
	})
}

func optionalBranchID(raw *string) (*versioning.BranchID, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	branchID, err := versioning.NewBranchID(*raw)
	if err != nil {
		return nil, err
	}
	return &branchID, nil
}

func optionalCheckpointID(raw *string) (*versioning.CheckpointID, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	checkpointID, err := versioning.NewCheckpointID(*raw)
	if err != nil {
		return nil, err
	}
	return &checkpointID, nil
}

func nonNilIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
