package versioning

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	maxIdentifierLength = 190
	maxLabelLength      = 190
	minTitleLength      = 2
)

var (
	// ErrInvalidChatID indicates that a chat identifier is empty or exceeds storage bounds.
	ErrInvalidChatID = errors.New("versioning: invalid chat id")
	// ErrInvalidBranchID indicates that a branch identifier is empty or exceeds storage bounds.
	ErrInvalidBranchID = errors.New("versioning: invalid branch id")
	// ErrInvalidCheckpointID indicates that a checkpoint identifier is empty or exceeds storage bounds.
	ErrInvalidCheckpointID = errors.New("versioning: invalid checkpoint id")
	// ErrInvalidMergeRequestID indicates that a merge request identifier is empty or exceeds storage bounds.
	ErrInvalidMergeRequestID = errors.New("versioning: invalid merge request id")
	// ErrInvalidUserID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("versioning: invalid user id")
	// ErrInvalidBranchName indicates that a branch name is empty or exceeds storage bounds.
	ErrInvalidBranchName = errors.New("versioning: invalid branch name")
	// ErrInvalidLabel indicates that a checkpoint label is empty or exceeds storage bounds.
	ErrInvalidLabel = errors.New("versioning: invalid checkpoint label")
	// ErrInvalidTitle indicates that a merge request title is too short or too long.
	ErrInvalidTitle = errors.New("versioning: invalid merge request title")
	// ErrInvalidStrategy indicates an unknown merge or restore strategy.
	ErrInvalidStrategy = errors.New("versioning: invalid strategy")
	// ErrInvalidComment indicates that a comment body is empty.
	ErrInvalidComment = errors.New("versioning: invalid comment")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// ChatID represents a validated chat identifier.
type ChatID string

// NewChatID validates raw input and returns a ChatID.
func NewChatID(rawInput string) (ChatID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidChatID)
	return ChatID(value), err
}

// String returns the underlying string identifier.
func (id ChatID) String() string {
	return string(id)
}

// BranchID represents a validated branch identifier.
type BranchID string

// NewBranchID validates raw input and returns a BranchID.
func NewBranchID(rawInput string) (BranchID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidBranchID)
	return BranchID(value), err
}

// String returns the underlying string identifier.
func (id BranchID) String() string {
	return string(id)
}

// CheckpointID represents a validated checkpoint identifier.
type CheckpointID string

// NewCheckpointID validates raw input and returns a CheckpointID.
func NewCheckpointID(rawInput string) (CheckpointID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidCheckpointID)
	return CheckpointID(value), err
}

// String returns the underlying string identifier.
func (id CheckpointID) String() string {
	return string(id)
}

// MergeRequestID represents a validated merge request identifier.
type MergeRequestID string

// NewMergeRequestID validates raw input and returns a MergeRequestID.
func NewMergeRequestID(rawInput string) (MergeRequestID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidMergeRequestID)
	return MergeRequestID(value), err
}

// String returns the underlying string identifier.
func (id MergeRequestID) String() string {
	return string(id)
}

// UserID represents a validated actor identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidUserID)
	return UserID(value), err
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// BranchName represents a validated, per-chat unique branch name.
type BranchName string

// NewBranchName validates raw input and returns a BranchName.
func NewBranchName(rawInput string) (BranchName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBranchName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBranchName, maxIdentifierLength)
	}
	if strings.ContainsAny(trimmed, " \t\r\n") {
		return "", fmt.Errorf("%w: contains whitespace", ErrInvalidBranchName)
	}
	return BranchName(trimmed), nil
}

// String returns the underlying branch name.
func (name BranchName) String() string {
	return string(name)
}

// NewLabel validates a checkpoint label.
func NewLabel(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLabel)
	}
	if len(trimmed) > maxLabelLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidLabel, maxLabelLength)
	}
	return trimmed, nil
}

// NewTitle validates a merge request title.
func NewTitle(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len([]rune(trimmed)) < minTitleLength {
		return "", fmt.Errorf("%w: shorter than %d characters", ErrInvalidTitle, minTitleLength)
	}
	if len(trimmed) > maxLabelLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxLabelLength)
	}
	return trimmed, nil
}

// Strategy selects how two lines of history are combined.
type Strategy string

const (
	// StrategyFastForward moves the target head without creating checkpoints.
	StrategyFastForward Strategy = "fast-forward"
	// StrategySquash records the net difference as one new checkpoint.
	StrategySquash Strategy = "squash"
	// StrategyRebase replays each unique source checkpoint onto the target.
	StrategyRebase Strategy = "rebase"
)

// ParseStrategy validates raw input and returns a Strategy.
func ParseStrategy(rawInput string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "fast-forward", "fast_forward", "fastforward", "ff":
		return StrategyFastForward, nil
	case "squash":
		return StrategySquash, nil
	case "rebase":
		return StrategyRebase, nil
	case "":
		return "", fmt.Errorf("%w: empty", ErrInvalidStrategy)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, rawInput)
	}
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
