// Package aggregate composes the read-side projection of shares: the share
// row joined with the derived status of every enrichment task. Task statuses
// are computed from the latest result rows, never stored.
package aggregate

import (
	"context"
	"fmt"

	"github.com/recollect/recollect/pkg/encoder"
	"github.com/recollect/recollect/pkg/logger"
	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/types"
)

// Filter is the read-path query surface. The embedded ShareFilter fields are
// pushed down to the store; MLStatus and HasTranscript are derived and
// evaluated over the fetched page.
type Filter struct {
	storage.ShareFilter

	// MLStatus keeps only shares whose composite enrichment status matches.
	MLStatus types.MLStatus

	// HasTranscript keeps only shares with (or without) a successful
	// transcript when set.
	HasTranscript *bool
}

// Page is one page of projected views. ContinuationToken is opaque to
// clients; empty means no further pages.
//
// Because MLStatus and HasTranscript are applied after the page is fetched, a
// page may carry fewer than pageSize views while more matches exist behind
// the token. Callers paginate until the token is empty.
type Page struct {
	Views             []*types.EnrichedShareView
	ContinuationToken string
}

// Aggregator builds EnrichedShareViews from the share and result stores.
type Aggregator struct {
	ds      storage.RecollectDatastore
	encoder encoder.Encoder
	logger  logger.Logger
}

func New(ds storage.RecollectDatastore, l logger.Logger) *Aggregator {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Aggregator{
		ds:      ds,
		encoder: encoder.NewBase64Encoder(),
		logger:  l,
	}
}

// Project returns the enriched view of one share.
func (a *Aggregator) Project(ctx context.Context, shareID string) (*types.EnrichedShareView, error) {
	share, err := a.ds.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}

	results, err := a.ds.LatestResults(ctx, []string{shareID})
	if err != nil {
		return nil, fmt.Errorf("load results for share %s: %w", shareID, err)
	}

	return composeView(share, results[shareID]), nil
}

// ProjectForUser is Project with tenant scoping applied at the store.
func (a *Aggregator) ProjectForUser(ctx context.Context, shareID, userID string) (*types.EnrichedShareView, error) {
	share, err := a.ds.GetShareForUser(ctx, shareID, userID)
	if err != nil {
		return nil, err
	}

	results, err := a.ds.LatestResults(ctx, []string{shareID})
	if err != nil {
		return nil, fmt.Errorf("load results for share %s: %w", shareID, err)
	}

	return composeView(share, results[shareID]), nil
}

// ProjectMany returns one page of enriched views matching the filter.
func (a *Aggregator) ProjectMany(ctx context.Context, filter Filter, opts storage.PaginationOptions) (Page, error) {
	if opts.From != "" {
		raw, err := a.encoder.Decode(opts.From)
		if err != nil {
			return Page{}, storage.ErrInvalidContinuationToken
		}
		opts.From = string(raw)
	}

	shares, token, err := a.ds.ListShares(ctx, filter.ShareFilter, opts)
	if err != nil {
		return Page{}, err
	}

	shareIDs := make([]string, 0, len(shares))
	for _, share := range shares {
		shareIDs = append(shareIDs, share.ID)
	}

	resultsByShare, err := a.ds.LatestResults(ctx, shareIDs)
	if err != nil {
		return Page{}, fmt.Errorf("load results for page: %w", err)
	}

	views := make([]*types.EnrichedShareView, 0, len(shares))
	for _, share := range shares {
		view := composeView(share, resultsByShare[share.ID])
		if !matchDerivedFilter(view, filter) {
			continue
		}
		views = append(views, view)
	}

	page := Page{Views: views}
	if token != "" {
		encoded, err := a.encoder.Encode([]byte(token))
		if err != nil {
			return Page{}, fmt.Errorf("encode continuation token: %w", err)
		}
		page.ContinuationToken = encoded
	}

	return page, nil
}

func matchDerivedFilter(view *types.EnrichedShareView, filter Filter) bool {
	if filter.MLStatus != "" && view.MLStatus != filter.MLStatus {
		return false
	}
	if filter.HasTranscript != nil && (view.Transcript != nil) != *filter.HasTranscript {
		return false
	}
	return true
}

func composeView(share *types.ShareRecord, latest map[types.TaskType]*types.MLResult) *types.EnrichedShareView {
	view := &types.EnrichedShareView{
		Share:      share,
		TaskStatus: make(map[types.TaskType]types.TaskStatus, len(types.AllTaskTypes)),
	}

	for _, task := range types.AllTaskTypes {
		view.TaskStatus[task] = deriveTaskStatus(share, task, latest[task])
	}

	if result := latest[types.TaskTranscribe]; result != nil && result.Status == types.ResultSuccess {
		view.Transcript = result.Payload.Transcript
	}
	if result := latest[types.TaskSummarize]; result != nil && result.Status == types.ResultSuccess {
		view.Summary = result.Payload.Summary
	}
	if result := latest[types.TaskEmbed]; result != nil && result.Status == types.ResultSuccess {
		view.HasVector = result.Payload.Embedding != nil
	}

	view.MLStatus = deriveMLStatus(share.MediaType, view.TaskStatus)

	return view
}

// deriveTaskStatus computes the never-stored per-task status from the latest
// result row for that (share, task) pair.
func deriveTaskStatus(share *types.ShareRecord, task types.TaskType, latest *types.MLResult) types.TaskStatus {
	if latest != nil {
		if latest.Status == types.ResultSuccess {
			return types.TaskStatusDone
		}
		return types.TaskStatusFailed
	}

	if !task.AppliesTo(share.MediaType) {
		return types.TaskStatusNotApplicable
	}
	if share.Status == types.StatusProcessing {
		return types.TaskStatusProcessing
	}
	return types.TaskStatusPending
}

func deriveMLStatus(media types.MediaType, statuses map[types.TaskType]types.TaskStatus) types.MLStatus {
	var done, failed, applicable int
	for _, task := range types.AllTaskTypes {
		if !task.AppliesTo(media) {
			continue
		}
		applicable++
		switch statuses[task] {
		case types.TaskStatusDone:
			done++
		case types.TaskStatusFailed:
			failed++
		}
	}

	switch {
	case failed > 0:
		return types.MLStatusFailed
	case applicable > 0 && done == applicable:
		return types.MLStatusComplete
	case done > 0:
		return types.MLStatusPartial
	default:
		return types.MLStatusNone
	}
}
