package server

import (
	"encoding/json"

	"github.com/hgarg1/gemini-nexus-sub001/internal/chats"
	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
)

type chatPayload struct {
	ChatID           string `json:"chat_id"`
	OwnerID          string `json:"owner_id"`
	Title            string `json:"title"`
	DefaultBranch    string `json:"default_branch"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

type messagePayload struct {
	MessageID        string   `json:"message_id"`
	Position         int      `json:"position"`
	Role             string   `json:"role"`
	Content          string   `json:"content"`
	Assets           []string `json:"assets"`
	Status           string   `json:"status"`
	CreatedAtSeconds int64    `json:"created_at_s"`
}

type branchPayload struct {
	BranchID         string  `json:"branch_id"`
	ChatID           string  `json:"chat_id"`
	Name             string  `json:"name"`
	HeadID           *string `json:"head_id"`
	BaseCheckpointID *string `json:"base_checkpoint_id"`
	CreatedAtSeconds int64   `json:"created_at_s"`
	UpdatedAtSeconds int64   `json:"updated_at_s"`
}

type commentPayload struct {
	CommentID        string `json:"comment_id"`
	ParentKind       string `json:"parent_kind"`
	ParentID         string `json:"parent_id"`
	AuthorID         string `json:"author_id"`
	Content          string `json:"content"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

type checkpointPayload struct {
	CheckpointID     string           `json:"checkpoint_id"`
	ChatID           string           `json:"chat_id"`
	BranchID         string           `json:"branch_id"`
	ParentID         *string          `json:"parent_id"`
	Label            string           `json:"label"`
	Comment          *string          `json:"comment"`
	Origin           string           `json:"origin"`
	SourceTurnID     *string          `json:"source_turn_id,omitempty"`
	CreatedByID      string           `json:"created_by_id"`
	CreatedAtSeconds int64            `json:"created_at_s"`
	Delta            json.RawMessage  `json:"delta"`
	Comments         []commentPayload `json:"comments"`
}

type mergeRequestPayload struct {
	MergeRequestID    string           `json:"merge_request_id"`
	ChatID            string           `json:"chat_id"`
	SourceBranchID    string           `json:"source_branch_id"`
	TargetBranchID    string           `json:"target_branch_id"`
	Title             string           `json:"title"`
	Description       *string          `json:"description"`
	Status            string           `json:"status"`
	Strategy          *string          `json:"strategy"`
	CreatedByID       string           `json:"created_by_id"`
	CreatedAtSeconds  int64            `json:"created_at_s"`
	ResolvedAtSeconds *int64           `json:"resolved_at_s"`
	Comments          []commentPayload `json:"comments"`
}

type overviewPayload struct {
	Branches      []branchPayload       `json:"branches"`
	Checkpoints   []checkpointPayload   `json:"checkpoints"`
	MergeRequests []mergeRequestPayload `json:"merge_requests"`
}

func newChatPayload(chat chats.Chat) chatPayload {
	return chatPayload{
		ChatID:           chat.ChatID,
		OwnerID:          chat.OwnerID,
		Title:            chat.Title,
		DefaultBranch:    chat.DefaultBranch,
		CreatedAtSeconds: chat.CreatedAtSeconds,
	}
}

func newMessagePayload(message chats.ChatMessage) messagePayload {
	assets := []string{}
	if message.AssetsJSON != "" {
		_ = json.Unmarshal([]byte(message.AssetsJSON), &assets)
	}
	return messagePayload{
		MessageID:        message.MessageID,
		Position:         message.Position,
		Role:             message.Role,
		Content:          message.Content,
		Assets:           assets,
		Status:           string(message.Status),
		CreatedAtSeconds: message.CreatedAtSeconds,
	}
}

func newBranchPayload(branch versioning.Branch) branchPayload {
	return branchPayload{
		BranchID:         branch.BranchID,
		ChatID:           branch.ChatID,
		Name:             branch.Name,
		HeadID:           branch.HeadID,
		BaseCheckpointID: branch.BaseCheckpointID,
		CreatedAtSeconds: branch.CreatedAtSeconds,
		UpdatedAtSeconds: branch.UpdatedAtSeconds,
	}
}

func newCommentPayload(comment versioning.Comment) commentPayload {
	return commentPayload{
		CommentID:        comment.CommentID,
		ParentKind:       string(comment.ParentKind),
		ParentID:         comment.ParentID,
		AuthorID:         comment.AuthorID,
		Content:          comment.Content,
		CreatedAtSeconds: comment.CreatedAtSeconds,
	}
}

func newCheckpointPayload(checkpoint versioning.Checkpoint, comments []commentPayload) checkpointPayload {
	if comments == nil {
		comments = []commentPayload{}
	}
	return checkpointPayload{
		CheckpointID:     checkpoint.CheckpointID,
		ChatID:           checkpoint.ChatID,
		BranchID:         checkpoint.BranchID,
		ParentID:         checkpoint.ParentID,
		Label:            checkpoint.Label,
		Comment:          checkpoint.Comment,
		Origin:           string(checkpoint.Origin),
		SourceTurnID:     checkpoint.SourceTurnID,
		CreatedByID:      checkpoint.CreatedByID,
		CreatedAtSeconds: checkpoint.CreatedAtSeconds,
		Delta:            json.RawMessage(checkpoint.DeltaJSON),
		Comments:         comments,
	}
}

func newMergeRequestPayload(request versioning.MergeRequest, comments []commentPayload) mergeRequestPayload {
	if comments == nil {
		comments = []commentPayload{}
	}
	return mergeRequestPayload{
		MergeRequestID:    request.MergeRequestID,
		ChatID:            request.ChatID,
		SourceBranchID:    request.SourceBranchID,
		TargetBranchID:    request.TargetBranchID,
		Title:             request.Title,
		Description:       request.Description,
		Status:            string(request.Status),
		Strategy:          request.Strategy,
		CreatedByID:       request.CreatedByID,
		CreatedAtSeconds:  request.CreatedAtSeconds,
		ResolvedAtSeconds: request.ResolvedAtSeconds,
		Comments:          comments,
	}
}

func newOverviewPayload(overview versioning.Overview) overviewPayload {
	threads := make(map[string][]commentPayload)
	for _, comment := range overview.Comments {
		key := string(comment.ParentKind) + ":" + comment.ParentID
		threads[key] = append(threads[key], newCommentPayload(comment))
	}

	payload := overviewPayload{
		Branches:      make([]branchPayload, 0, len(overview.Branches)),
		Checkpoints:   make([]checkpointPayload, 0, len(overview.Checkpoints)),
		MergeRequests: make([]mergeRequestPayload, 0, len(overview.MergeRequests)),
	}
	for _, branch := range overview.Branches {
		payload.Branches = append(payload.Branches, newBranchPayload(branch))
	}
	for _, checkpoint := range overview.Checkpoints {
		key := string(versioning.CommentOnCheckpoint) + ":" + checkpoint.CheckpointID
		payload.Checkpoints = append(payload.Checkpoints, newCheckpointPayload(checkpoint, threads[key]))
	}
	for _, request := range overview.MergeRequests {
		key := string(versioning.CommentOnMergeRequest) + ":" + request.MergeRequestID
		payload.MergeRequests = append(payload.MergeRequests, newMergeRequestPayload(request, threads[key]))
	}
	return payload
}

func newStatePayload(state versioning.StateMap) []versioning.MessageSnapshot {
	messages := state.List()
	if messages == nil {
		return []versioning.MessageSnapshot{}
	}
	return messages
}

func strategyNames(strategies []versioning.Strategy) []string {
	names := make([]string, 0, len(strategies))
	for _, strategy := range strategies {
		names = append(names, string(strategy))
	}
	return names
}
