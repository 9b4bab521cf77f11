package versioning

// CheckpointOrigin records which path created a checkpoint.
type CheckpointOrigin string

const (
	OriginPipeline CheckpointOrigin = "pipeline"
	OriginManual   CheckpointOrigin = "manual"
	OriginMerge    CheckpointOrigin = "merge"
	OriginRestore  CheckpointOrigin = "restore"
)

// MergeRequestStatus enumerates the merge request lifecycle.
type MergeRequestStatus string

const (
	MergeRequestOpen   MergeRequestStatus = "open"
	MergeRequestMerged MergeRequestStatus = "merged"
	MergeRequestClosed MergeRequestStatus = "closed"
)

// CommentParentKind names the entity a comment is attached to.
type CommentParentKind string

const (
	CommentOnCheckpoint   CommentParentKind = "checkpoint"
	CommentOnMergeRequest CommentParentKind = "merge_request"
)

// Branch is a named, mutable head pointer into a chain of checkpoints.
type Branch struct {
	BranchID         string  `gorm:"column:branch_id;primaryKey;size:190;not null"`
	ChatID           string  `gorm:"column:chat_id;size:190;not null;uniqueIndex:idx_branches_chat_name,priority:1"`
	Name             string  `gorm:"column:name;size:190;not null;uniqueIndex:idx_branches_chat_name,priority:2"`
	HeadID           *string `gorm:"column:head_id;size:190"`
	BaseCheckpointID *string `gorm:"column:base_checkpoint_id;size:190"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Branch) TableName() string {
	return "versioning_branches"
}

// Checkpoint is an immutable, delta-carrying node in a branch's linear history.
// Only Label and Comment may change after insert.
type Checkpoint struct {
	CheckpointID     string           `gorm:"column:checkpoint_id;primaryKey;size:190;not null"`
	ChatID           string           `gorm:"column:chat_id;size:190;not null;index:idx_checkpoints_chat_created,priority:1"`
	BranchID         string           `gorm:"column:branch_id;size:190;not null;uniqueIndex:idx_checkpoints_branch_turn,priority:1"`
	ParentID         *string          `gorm:"column:parent_id;size:190;index"`
	Depth            int64            `gorm:"column:depth;not null;default:1"`
	Label            string           `gorm:"column:label;size:190;not null"`
	Comment          *string          `gorm:"column:comment;type:text"`
	DeltaJSON        string           `gorm:"column:delta_json;type:text;not null"`
	Origin           CheckpointOrigin `gorm:"column:origin;size:32;not null;default:'manual'"`
	SourceTurnID     *string          `gorm:"column:source_turn_id;size:190;uniqueIndex:idx_checkpoints_branch_turn,priority:2"`
	CreatedByID      string           `gorm:"column:created_by_id;size:190;not null"`
	CreatedAtSeconds int64            `gorm:"column:created_at_s;not null;index:idx_checkpoints_chat_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Checkpoint) TableName() string {
	return "versioning_checkpoints"
}

// Delta decodes the stored delta.
func (checkpoint Checkpoint) Delta() (Delta, error) {
	return DecodeDelta(checkpoint.DeltaJSON)
}

// MergeRequest proposes integrating a source branch into a target branch.
type MergeRequest struct {
	MergeRequestID    string             `gorm:"column:merge_request_id;primaryKey;size:190;not null"`
	ChatID            string             `gorm:"column:chat_id;size:190;not null;index"`
	SourceBranchID    string             `gorm:"column:source_branch_id;size:190;not null"`
	TargetBranchID    string             `gorm:"column:target_branch_id;size:190;not null"`
	Title             string             `gorm:"column:title;size:190;not null"`
	Description       *string            `gorm:"column:description;type:text"`
	Status            MergeRequestStatus `gorm:"column:status;size:16;not null;default:'open'"`
	Strategy          *string            `gorm:"column:strategy;size:32"`
	CreatedByID       string             `gorm:"column:created_by_id;size:190;not null"`
	CreatedAtSeconds  int64              `gorm:"column:created_at_s;not null"`
	ResolvedAtSeconds *int64             `gorm:"column:resolved_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (MergeRequest) TableName() string {
	return "versioning_merge_requests"
}

// Comment backs the comment threads of checkpoints and merge requests.
type Comment struct {
	CommentID        string            `gorm:"column:comment_id;primaryKey;size:190;not null"`
	ChatID           string            `gorm:"column:chat_id;size:190;not null;index"`
	ParentKind       CommentParentKind `gorm:"column:parent_kind;size:32;not null;index:idx_comments_parent,priority:1"`
	ParentID         string            `gorm:"column:parent_id;size:190;not null;index:idx_comments_parent,priority:2"`
	AuthorID         string            `gorm:"column:author_id;size:190;not null"`
	Content          string            `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64             `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "versioning_comments"
}

// StateSnapshot caches the zstd-compressed materialized state at one checkpoint.
type StateSnapshot struct {
	CheckpointID string `gorm:"column:checkpoint_id;primaryKey;size:190;not null"`
	ChatID       string `gorm:"column:chat_id;size:190;not null;index"`
	StateZstd    []byte `gorm:"column:state_zstd;not null"`
	MessageCount int    `gorm:"column:message_count;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StateSnapshot) TableName() string {
	return "versioning_state_snapshots"
}

// Models lists every table owned by the package, for migrations.
func Models() []any {
	return []any{&Branch{}, &Checkpoint{}, &MergeRequest{}, &Comment{}, &StateSnapshot{}}
}
