// Package storage contains storage interfaces and implementations.
package storage

import (
	"context"
	"time"

	"github.com/recollect/recollect/pkg/types"
)

const (
	DefaultPageSize       = 50
	DefaultStaleBatchSize = 100
)

// PaginationOptions carries a page size and the decoded continuation cursor of
// the previous page. An empty From means the first page.
type PaginationOptions struct {
	PageSize int
	From     string
}

func NewPaginationOptions(ps int32, from string) PaginationOptions {
	pageSize := DefaultPageSize
	if ps != 0 {
		pageSize = int(ps)
	}

	return PaginationOptions{
		PageSize: pageSize,
		From:     from,
	}
}

// SharePatch is a partial update of mutable share fields. Nil fields are left
// untouched.
type SharePatch struct {
	Status        *types.Status
	WorkflowState *types.WorkflowState
	MediaType     *types.MediaType
	Metadata      []byte
}

// ShareFilter restricts ListShares to store-native columns. Derived filters
// (mlStatus, hasTranscript) are evaluated by the aggregator, not here.
type ShareFilter struct {
	UserID        string
	Platforms     []types.Platform
	Status        types.Status
	MediaType     types.MediaType
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// EmbeddingFilter restricts the candidate set of a similarity search.
type EmbeddingFilter struct {
	UserID        string
	Platforms     []types.Platform
	MediaTypes    []types.MediaType
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	ExcludeShares []string
}

// SharesBackend provides an R/W interface for managing share records.
type SharesBackend interface {
	// CreateShare inserts a new share. It is idempotent-safe only when wrapped
	// by the idempotency guard; a duplicate ID returns ErrCollision.
	CreateShare(ctx context.Context, share *types.ShareRecord) (*types.ShareRecord, error)

	// GetShare returns the share with the given ID, or ErrNotFound.
	GetShare(ctx context.Context, id string) (*types.ShareRecord, error)

	// GetShareForUser returns the share only if it belongs to userID, or ErrNotFound.
	GetShareForUser(ctx context.Context, id, userID string) (*types.ShareRecord, error)

	// UpdateShare applies the non-nil fields of patch and bumps updated_at.
	UpdateShare(ctx context.Context, id string, patch SharePatch) (*types.ShareRecord, error)

	// ListShares returns a page ordered by (created_at, id) descending, plus a
	// continuation cursor in the {isoTimestamp}_{id} format when more rows exist.
	ListShares(ctx context.Context, filter ShareFilter, opts PaginationOptions) ([]*types.ShareRecord, string, error)

	// ListSharesByWorkflowState returns up to limit shares in the given state.
	ListSharesByWorkflowState(ctx context.Context, state types.WorkflowState, limit int) ([]*types.ShareRecord, error)

	// ListReadyForEnhancement returns shares with status=done whose workflow
	// state is null or pending, i.e. eligible for a dispatch retry sweep.
	ListReadyForEnhancement(ctx context.Context, limit int) ([]*types.ShareRecord, error)

	// ListStaleEnhancements returns shares whose enhancement started before
	// now-timeout and never completed.
	ListStaleEnhancements(ctx context.Context, timeout time.Duration, limit int) ([]*types.ShareRecord, error)

	// BatchUpdateWorkflowStates moves every given share to state.
	BatchUpdateWorkflowStates(ctx context.Context, ids []string, state types.WorkflowState) error

	// WorkflowStateStats returns count/oldestStarted/latestCompleted grouped by
	// workflow state, optionally scoped to one user.
	WorkflowStateStats(ctx context.Context, userID string) ([]types.WorkflowStateStat, error)

	// StartEnhancement stamps enhancement_started_at=now, clears
	// enhancement_completed_at and sets the workflow state.
	StartEnhancement(ctx context.Context, id string, state types.WorkflowState) (*types.ShareRecord, error)

	// CompleteEnhancement atomically closes the open enhancement cycle: it stamps
	// enhancement_completed_at, sets the terminal state and increments
	// enhancement_version in a single conditional write. If no cycle is open
	// (already completed, or never started) it returns ErrStaleVersion, so a
	// late worker signal can never complete a share twice.
	CompleteEnhancement(ctx context.Context, id string, state types.WorkflowState) (*types.ShareRecord, error)

	// FailEnhancement closes the open cycle as failed: stamps
	// enhancement_completed_at and sets workflow_state=failed without touching
	// enhancement_version (the version counts successful cycles only). Returns
	// ErrStaleVersion if no cycle is open.
	FailEnhancement(ctx context.Context, id string) (*types.ShareRecord, error)
}

// MLResultsBackend provides an append-only interface for worker task results.
type MLResultsBackend interface {
	// AppendResult inserts a new result row. Rows are never mutated.
	AppendResult(ctx context.Context, result *types.MLResult) (*types.MLResult, error)

	// LatestResult returns the most recent result for (shareID, task), or ErrNotFound.
	LatestResult(ctx context.Context, shareID string, task types.TaskType) (*types.MLResult, error)

	// LatestResults batch-fetches the most recent result per (share, taskType)
	// for every given share in a single query.
	LatestResults(ctx context.Context, shareIDs []string) (map[string]map[types.TaskType]*types.MLResult, error)

	// ResultHistory returns up to limit historical rows for (shareID, task),
	// newest first.
	ResultHistory(ctx context.Context, shareID string, task types.TaskType, limit int) ([]*types.MLResult, error)
}

// EmbeddingsBackend reads the current embedding vectors used by similarity search.
type EmbeddingsBackend interface {
	// CurrentEmbeddings returns, for each share matching the filter, the vector
	// of its latest successful embed result.
	CurrentEmbeddings(ctx context.Context, filter EmbeddingFilter) ([]*types.ShareEmbedding, error)
}

// RecollectDatastore is the complete persistence surface of the engine.
type RecollectDatastore interface {
	SharesBackend
	MLResultsBackend
	EmbeddingsBackend

	// Close releases the backend's resources.
	Close()
}
