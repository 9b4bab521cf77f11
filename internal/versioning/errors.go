package versioning

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingLiveStore  = errors.New("live message store is required")

	// ErrChatMismatch indicates that a referenced row belongs to another chat.
	ErrChatMismatch = errors.New("versioning: resource belongs to another chat")
	// ErrBranchNotFound indicates that the branch does not exist in the chat.
	ErrBranchNotFound = errors.New("versioning: branch not found")
	// ErrCheckpointNotFound indicates that the checkpoint does not exist in the chat.
	ErrCheckpointNotFound = errors.New("versioning: checkpoint not found")
	// ErrMergeRequestNotFound indicates that the merge request does not exist in the chat.
	ErrMergeRequestNotFound = errors.New("versioning: merge request not found")
	// ErrBranchNameTaken indicates that another branch in the chat already uses the name.
	ErrBranchNameTaken = errors.New("versioning: branch name already exists")
	// ErrSameBranch indicates a merge request whose source and target are identical.
	ErrSameBranch = errors.New("versioning: source and target branch are identical")
	// ErrMergeRequestNotOpen indicates an operation on a merged or closed merge request.
	ErrMergeRequestNotOpen = errors.New("versioning: merge request is not open")
	// ErrIllegalStrategy indicates that the strategy is not legal for the current ancestry.
	ErrIllegalStrategy = errors.New("versioning: strategy not legal for branch ancestry")
	// ErrDefaultBranch indicates an attempt to delete the chat's default branch.
	ErrDefaultBranch = errors.New("versioning: default branch cannot be deleted")
	// ErrBranchInUse indicates a branch delete while open merge requests reference it.
	ErrBranchInUse = errors.New("versioning: branch referenced by open merge request")
	// ErrCorruptHistory indicates a dangling parent or head reference, or a cycle in the chain.
	ErrCorruptHistory = errors.New("versioning: corrupt checkpoint history")
	// ErrTransient indicates a race with a row that is not yet visible; callers may retry.
	ErrTransient = errors.New("versioning: transient store race")
)

// ErrorKind classifies service failures for transport mapping.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindForbidden  ErrorKind = "forbidden"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindTransient  ErrorKind = "transient"
	KindInternal   ErrorKind = "internal"
)

type ServiceError struct {
	code string
	kind ErrorKind
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

const (
	opServiceNew          = "versioning.service.new"
	opCreateBranch        = "versioning.create_branch"
	opRenameBranch        = "versioning.rename_branch"
	opDeleteBranch        = "versioning.delete_branch"
	opResolveBranch       = "versioning.resolve_branch"
	opListBranches        = "versioning.list_branches"
	opCreateCheckpoint    = "versioning.create_checkpoint"
	opUpdateCheckpoint    = "versioning.update_checkpoint"
	opAddComment          = "versioning.add_comment"
	opMaterialize         = "versioning.materialize"
	opHistory             = "versioning.history"
	opDiff                = "versioning.diff"
	opOverview            = "versioning.overview"
	opCreateMergeRequest  = "versioning.create_merge_request"
	opCloseMergeRequest   = "versioning.close_merge_request"
	opPreviewMerge        = "versioning.preview_merge"
	opExecuteMerge        = "versioning.execute_merge"
	opRestore             = "versioning.restore"
	opCompile             = "versioning.compile"
	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonQueryFailed     = "query_failed"
	reasonLockFailed      = "lock_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonNotFound        = "not_found"
	reasonConflict        = "conflict"
	reasonCorrupt         = "corrupt_history"
	reasonEncodeFailed    = "encode_failed"
	reasonLiveSyncFailed  = "live_sync_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: classify(cause), err: cause}
}

// KindOf reports the ErrorKind carried by err, or KindInternal when err is unclassified.
func KindOf(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return classify(err)
}

func classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidChatID),
		errors.Is(err, ErrInvalidBranchID),
		errors.Is(err, ErrInvalidCheckpointID),
		errors.Is(err, ErrInvalidMergeRequestID),
		errors.Is(err, ErrInvalidUserID),
		errors.Is(err, ErrInvalidBranchName),
		errors.Is(err, ErrInvalidLabel),
		errors.Is(err, ErrInvalidTitle),
		errors.Is(err, ErrInvalidStrategy),
		errors.Is(err, ErrInvalidComment),
		errors.Is(err, ErrSameBranch):
		return KindValidation
	case errors.Is(err, ErrBranchNotFound),
		errors.Is(err, ErrCheckpointNotFound),
		errors.Is(err, ErrMergeRequestNotFound),
		errors.Is(err, ErrChatMismatch):
		return KindNotFound
	case errors.Is(err, ErrIllegalStrategy),
		errors.Is(err, ErrBranchNameTaken),
		errors.Is(err, ErrMergeRequestNotOpen),
		errors.Is(err, ErrDefaultBranch),
		errors.Is(err, ErrBranchInUse):
		return KindConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindInternal
	}
}
