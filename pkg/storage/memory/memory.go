// Package memory provides an in-memory implementation of the recollect
// datastore, used by tests and local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/types"
)

// Datastore is a mutex-guarded, map-backed [storage.RecollectDatastore].
type Datastore struct {
	mu      sync.RWMutex
	shares  map[string]*types.ShareRecord
	results []*types.MLResult
	now     func() time.Time
}

var _ storage.RecollectDatastore = (*Datastore)(nil)

type Option func(*Datastore)

// WithNow overrides the clock, letting tests control timestamps.
func WithNow(now func() time.Time) Option {
	return func(d *Datastore) {
		d.now = now
	}
}

// New creates a new [Datastore].
func New(opts ...Option) *Datastore {
	d := &Datastore{
		shares: make(map[string]*types.ShareRecord),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Close see [storage.RecollectDatastore].Close.
func (d *Datastore) Close() {}

// CreateShare see [storage.SharesBackend].CreateShare.
func (d *Datastore) CreateShare(ctx context.Context, share *types.ShareRecord) (*types.ShareRecord, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.shares[share.ID]; ok {
		return nil, storage.ErrCollision
	}

	now := d.now().UTC()
	created := share.Clone()
	created.EnhancementVersion = 1
	created.CreatedAt = now
	created.UpdatedAt = now
	d.shares[share.ID] = created

	return created.Clone(), nil
}

// GetShare see [storage.SharesBackend].GetShare.
func (d *Datastore) GetShare(ctx context.Context, id string) (*types.ShareRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	share, ok := d.shares[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return share.Clone(), nil
}

// GetShareForUser see [storage.SharesBackend].GetShareForUser.
func (d *Datastore) GetShareForUser(ctx context.Context, id, userID string) (*types.ShareRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	share, ok := d.shares[id]
	if !ok || share.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return share.Clone(), nil
}

// UpdateShare see [storage.SharesBackend].UpdateShare.
func (d *Datastore) UpdateShare(ctx context.Context, id string, patch storage.SharePatch) (*types.ShareRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	share, ok := d.shares[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	if patch.Status != nil {
		share.Status = *patch.Status
	}
	if patch.WorkflowState != nil {
		share.WorkflowState = *patch.WorkflowState
	}
	if patch.MediaType != nil {
		share.MediaType = *patch.MediaType
	}
	if patch.Metadata != nil {
		share.Metadata = append([]byte(nil), patch.Metadata...)
	}
	share.UpdatedAt = d.now().UTC()

	return share.Clone(), nil
}

// ListShares see [storage.SharesBackend].ListShares.
func (d *Datastore) ListShares(ctx context.Context, filter storage.ShareFilter, opts storage.PaginationOptions) ([]*types.ShareRecord, string, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}

	var cursor *storage.Cursor
	if opts.From != "" {
		c, err := storage.ParseCursor(opts.From)
		if err != nil {
			return nil, "", err
		}
		cursor = &c
	}

	d.mu.RLock()
	matches := make([]*types.ShareRecord, 0, len(d.shares))
	for _, share := range d.shares {
		if !matchShareFilter(share, filter) {
			continue
		}
		matches = append(matches, share.Clone())
	}
	d.mu.RUnlock()

	// Descending (created_at, id), same total order as the SQL backend.
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})

	if cursor != nil {
		idx := sort.Search(len(matches), func(i int) bool {
			if !matches[i].CreatedAt.Equal(cursor.CreatedAt) {
				return matches[i].CreatedAt.Before(cursor.CreatedAt)
			}
			return matches[i].ID < cursor.ID
		})
		matches = matches[idx:]
	}

	var token string
	if len(matches) > pageSize {
		matches = matches[:pageSize]
		last := matches[pageSize-1]
		token = storage.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.String()
	}

	return matches, token, nil
}

// ListSharesByWorkflowState see [storage.SharesBackend].ListSharesByWorkflowState.
func (d *Datastore) ListSharesByWorkflowState(ctx context.Context, state types.WorkflowState, limit int) ([]*types.ShareRecord, error) {
	return d.collect(limit, func(share *types.ShareRecord) bool {
		return share.WorkflowState == state
	})
}

// ListReadyForEnhancement see [storage.SharesBackend].ListReadyForEnhancement.
func (d *Datastore) ListReadyForEnhancement(ctx context.Context, limit int) ([]*types.ShareRecord, error) {
	return d.collect(limit, func(share *types.ShareRecord) bool {
		if share.Status != types.StatusDone {
			return false
		}
		return share.WorkflowState == types.WorkflowStateNone ||
			share.WorkflowState == types.WorkflowStatePending
	})
}

// ListStaleEnhancements see [storage.SharesBackend].ListStaleEnhancements.
func (d *Datastore) ListStaleEnhancements(ctx context.Context, timeout time.Duration, limit int) ([]*types.ShareRecord, error) {
	cutoff := d.now().UTC().Add(-timeout)
	return d.collect(limit, func(share *types.ShareRecord) bool {
		return share.EnhancementStartedAt != nil &&
			share.EnhancementCompletedAt == nil &&
			share.EnhancementStartedAt.Before(cutoff)
	})
}

// BatchUpdateWorkflowStates see [storage.SharesBackend].BatchUpdateWorkflowStates.
func (d *Datastore) BatchUpdateWorkflowStates(ctx context.Context, ids []string, state types.WorkflowState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().UTC()
	for _, id := range ids {
		if share, ok := d.shares[id]; ok {
			share.WorkflowState = state
			share.UpdatedAt = now
		}
	}
	return nil
}

// WorkflowStateStats see [storage.SharesBackend].WorkflowStateStats.
func (d *Datastore) WorkflowStateStats(ctx context.Context, userID string) ([]types.WorkflowStateStat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byState := make(map[types.WorkflowState]*types.WorkflowStateStat)
	for _, share := range d.shares {
		if userID != "" && share.UserID != userID {
			continue
		}

		stat, ok := byState[share.WorkflowState]
		if !ok {
			stat = &types.WorkflowStateStat{State: share.WorkflowState}
			byState[share.WorkflowState] = stat
		}
		stat.Count++
		if share.EnhancementStartedAt != nil &&
			(stat.OldestStarted == nil || share.EnhancementStartedAt.Before(*stat.OldestStarted)) {
			t := *share.EnhancementStartedAt
			stat.OldestStarted = &t
		}
		if share.EnhancementCompletedAt != nil &&
			(stat.LatestCompleted == nil || share.EnhancementCompletedAt.After(*stat.LatestCompleted)) {
			t := *share.EnhancementCompletedAt
			stat.LatestCompleted = &t
		}
	}

	stats := make([]types.WorkflowStateStat, 0, len(byState))
	for _, stat := range byState {
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].State < stats[j].State
	})

	return stats, nil
}

// StartEnhancement see [storage.SharesBackend].StartEnhancement.
func (d *Datastore) StartEnhancement(ctx context.Context, id string, state types.WorkflowState) (*types.ShareRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	share, ok := d.shares[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	now := d.now().UTC()
	share.EnhancementStartedAt = &now
	share.EnhancementCompletedAt = nil
	share.WorkflowState = state
	share.UpdatedAt = now

	return share.Clone(), nil
}

// CompleteEnhancement see [storage.SharesBackend].CompleteEnhancement.
func (d *Datastore) CompleteEnhancement(ctx context.Context, id string, state types.WorkflowState) (*types.ShareRecord, error) {
	return d.closeEnhancement(id, state, true)
}

// FailEnhancement see [storage.SharesBackend].FailEnhancement.
func (d *Datastore) FailEnhancement(ctx context.Context, id string) (*types.ShareRecord, error) {
	return d.closeEnhancement(id, types.WorkflowStateFailed, false)
}

func (d *Datastore) closeEnhancement(id string, state types.WorkflowState, bumpVersion bool) (*types.ShareRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	share, ok := d.shares[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if share.EnhancementStartedAt == nil || share.EnhancementCompletedAt != nil {
		return nil, storage.ErrStaleVersion
	}

	now := d.now().UTC()
	share.EnhancementCompletedAt = &now
	share.WorkflowState = state
	if bumpVersion {
		share.EnhancementVersion++
	}
	share.UpdatedAt = now

	return share.Clone(), nil
}

// AppendResult see [storage.MLResultsBackend].AppendResult.
func (d *Datastore) AppendResult(ctx context.Context, result *types.MLResult) (*types.MLResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	created := *result
	created.CreatedAt = d.now().UTC()
	d.results = append(d.results, &created)

	cp := created
	return &cp, nil
}

// LatestResult see [storage.MLResultsBackend].LatestResult.
func (d *Datastore) LatestResult(ctx context.Context, shareID string, task types.TaskType) (*types.MLResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// Appends keep d.results in insertion order, so the last match is the
	// current result even when timestamps collide.
	for i := len(d.results) - 1; i >= 0; i-- {
		if d.results[i].ShareID == shareID && d.results[i].TaskType == task {
			cp := *d.results[i]
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// LatestResults see [storage.MLResultsBackend].LatestResults.
func (d *Datastore) LatestResults(ctx context.Context, shareIDs []string) (map[string]map[types.TaskType]*types.MLResult, error) {
	wanted := make(map[string]struct{}, len(shareIDs))
	for _, id := range shareIDs {
		wanted[id] = struct{}{}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	latest := make(map[string]map[types.TaskType]*types.MLResult, len(shareIDs))
	for _, result := range d.results {
		if _, ok := wanted[result.ShareID]; !ok {
			continue
		}
		if latest[result.ShareID] == nil {
			latest[result.ShareID] = make(map[types.TaskType]*types.MLResult)
		}
		cp := *result
		latest[result.ShareID][result.TaskType] = &cp
	}

	return latest, nil
}

// ResultHistory see [storage.MLResultsBackend].ResultHistory.
func (d *Datastore) ResultHistory(ctx context.Context, shareID string, task types.TaskType, limit int) ([]*types.MLResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var history []*types.MLResult
	for i := len(d.results) - 1; i >= 0 && len(history) < limit; i-- {
		if d.results[i].ShareID == shareID && d.results[i].TaskType == task {
			cp := *d.results[i]
			history = append(history, &cp)
		}
	}
	return history, nil
}

// CurrentEmbeddings see [storage.EmbeddingsBackend].CurrentEmbeddings.
func (d *Datastore) CurrentEmbeddings(ctx context.Context, filter storage.EmbeddingFilter) ([]*types.ShareEmbedding, error) {
	excluded := make(map[string]struct{}, len(filter.ExcludeShares))
	for _, id := range filter.ExcludeShares {
		excluded[id] = struct{}{}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	current := make(map[string]*types.MLResult)
	for _, result := range d.results {
		if result.TaskType != types.TaskEmbed || result.Status != types.ResultSuccess {
			continue
		}
		current[result.ShareID] = result
	}

	var embeddings []*types.ShareEmbedding
	for shareID, result := range current {
		if result.Payload.Embedding == nil {
			continue
		}
		share, ok := d.shares[shareID]
		if !ok {
			continue
		}
		if _, skip := excluded[shareID]; skip {
			continue
		}
		if !matchEmbeddingFilter(share, filter) {
			continue
		}

		embeddings = append(embeddings, &types.ShareEmbedding{
			Share:   share.Clone(),
			Vector:  append([]float64(nil), result.Payload.Embedding.Vector...),
			ModelID: result.Payload.Embedding.ModelID,
		})
	}

	sort.Slice(embeddings, func(i, j int) bool {
		return embeddings[i].Share.ID < embeddings[j].Share.ID
	})

	return embeddings, nil
}

func (d *Datastore) collect(limit int, match func(*types.ShareRecord) bool) ([]*types.ShareRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var shares []*types.ShareRecord
	for _, share := range d.shares {
		if match(share) {
			shares = append(shares, share.Clone())
		}
	}

	sort.Slice(shares, func(i, j int) bool {
		if !shares[i].CreatedAt.Equal(shares[j].CreatedAt) {
			return shares[i].CreatedAt.Before(shares[j].CreatedAt)
		}
		return shares[i].ID < shares[j].ID
	})

	if limit > 0 && len(shares) > limit {
		shares = shares[:limit]
	}
	return shares, nil
}

func matchShareFilter(share *types.ShareRecord, filter storage.ShareFilter) bool {
	if filter.UserID != "" && share.UserID != filter.UserID {
		return false
	}
	if len(filter.Platforms) > 0 && !containsPlatform(filter.Platforms, share.Platform) {
		return false
	}
	if filter.Status != "" && share.Status != filter.Status {
		return false
	}
	if filter.MediaType != "" && share.MediaType != filter.MediaType {
		return false
	}
	if filter.CreatedAfter != nil && share.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && share.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}
	return true
}

func matchEmbeddingFilter(share *types.ShareRecord, filter storage.EmbeddingFilter) bool {
	if filter.UserID != "" && share.UserID != filter.UserID {
		return false
	}
	if len(filter.Platforms) > 0 && !containsPlatform(filter.Platforms, share.Platform) {
		return false
	}
	if len(filter.MediaTypes) > 0 {
		found := false
		for _, mt := range filter.MediaTypes {
			if share.MediaType == mt {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.CreatedAfter != nil && share.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && share.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}
	return true
}

func containsPlatform(platforms []types.Platform, p types.Platform) bool {
	for _, candidate := range platforms {
		if strings.EqualFold(string(candidate), string(p)) {
			return true
		}
	}
	return false
}
