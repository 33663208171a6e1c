// Package test contains the conformance suite every datastore implementation
// must pass.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/recollect/recollect/pkg/id"
	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/types"
)

// RunAllTests runs the storage conformance suite against ds.
func RunAllTests(t *testing.T, ds storage.RecollectDatastore) {
	t.Run("TestShareCRUD", func(t *testing.T) { ShareCRUDTest(t, ds) })
	t.Run("TestListSharesPagination", func(t *testing.T) { ListSharesPaginationTest(t, ds) })
	t.Run("TestEnhancementLifecycle", func(t *testing.T) { EnhancementLifecycleTest(t, ds) })
	t.Run("TestReadyAndStaleQueries", func(t *testing.T) { ReadyAndStaleQueriesTest(t, ds) })
	t.Run("TestWorkflowStateStats", func(t *testing.T) { WorkflowStateStatsTest(t, ds) })
	t.Run("TestResultsAppendOnly", func(t *testing.T) { ResultsAppendOnlyTest(t, ds) })
	t.Run("TestCurrentEmbeddings", func(t *testing.T) { CurrentEmbeddingsTest(t, ds) })
}

func newShare(t *testing.T, userID string, media types.MediaType, status types.Status) *types.ShareRecord {
	t.Helper()
	return &types.ShareRecord{
		ID:        id.MustNewString(),
		UserID:    userID,
		URL:       "https://youtube.com/watch?v=" + id.MustNewString(),
		Platform:  types.PlatformYouTube,
		MediaType: media,
		Status:    status,
	}
}

func mustCreate(t *testing.T, ds storage.RecollectDatastore, share *types.ShareRecord) *types.ShareRecord {
	t.Helper()
	created, err := ds.CreateShare(context.Background(), share)
	require.NoError(t, err)
	return created
}

func ShareCRUDTest(t *testing.T, ds storage.RecollectDatastore) {
	ctx := context.Background()
	user := "user-" + id.MustNewString()

	share := mustCreate(t, ds, newShare(t, user, types.MediaTypeVideo, types.StatusPending))
	require.Equal(t, 1, share.EnhancementVersion)
	require.False(t, share.CreatedAt.IsZero())

	_, err := ds.CreateShare(ctx, share)
	require.ErrorIs(t, err, storage.ErrCollision)

	got, err := ds.GetShare(ctx, share.ID)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowStateNone, got.WorkflowState)
	if diff := cmp.Diff(share, got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Fatalf("mismatch (-created +fetched):\n%s", diff)
	}

	_, err = ds.GetShare(ctx, id.MustNewString())
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = ds.GetShareForUser(ctx, share.ID, "someone-else")
	require.ErrorIs(t, err, storage.ErrNotFound)

	owned, err := ds.GetShareForUser(ctx, share.ID, user)
	require.NoError(t, err)
	require.Equal(t, share.ID, owned.ID)

	done := types.StatusDone
	updated, err := ds.UpdateShare(ctx, share.ID, storage.SharePatch{Status: &done})
	require.NoError(t, err)
	require.Equal(t, types.StatusDone, updated.Status)
	require.Equal(t, types.MediaTypeVideo, updated.MediaType)

	_, err = ds.UpdateShare(ctx, id.MustNewString(), storage.SharePatch{Status: &done})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func ListSharesPaginationTest(t *testing.T, ds storage.RecollectDatastore) {
	ctx := context.Background()
	user := "user-" + id.MustNewString()

	const total = 7
	for i := 0; i < total; i++ {
		mustCreate(t, ds, newShare(t, user, types.MediaTypeVideo, types.StatusDone))
	}

	filter := storage.ShareFilter{UserID: user}

	var seen []*types.ShareRecord
	var token string
	pages := 0
	for {
		page, next, err := ds.ListShares(ctx, filter, storage.PaginationOptions{PageSize: 3, From: token})
		require.NoError(t, err)
		pages++

		if token != "" {
			// Cursor stability: nothing at or after the cursor position reappears.
			cursor, err := storage.ParseCursor(token)
			require.NoError(t, err)
			for _, share := range page {
				after := share.CreatedAt.After(cursor.CreatedAt) ||
					(share.CreatedAt.Equal(cursor.CreatedAt) && share.ID >= cursor.ID)
				require.False(t, after, "row %s reappeared at or before cursor", share.ID)
			}
		}

		seen = append(seen, page...)
		if next == "" {
			break
		}
		token = next
	}

	require.Equal(t, total, len(seen))
	require.Equal(t, 3, pages)

	// Descending (created_at, id) ordering across the whole traversal.
	for i := 1; i < len(seen); i++ {
		prev, cur := seen[i-1], seen[i]
		ordered := cur.CreatedAt.Before(prev.CreatedAt) ||
			(cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID < prev.ID)
		require.True(t, ordered, "rows %d and %d out of order", i-1, i)
	}

	// No duplicates.
	unique := make(map[string]struct{}, len(seen))
	for _, share := range seen {
		unique[share.ID] = struct{}{}
	}
	require.Len(t, unique, total)

	_, _, err := ds.ListShares(ctx, filter, storage.PaginationOptions{PageSize: 3, From: "bogus"})
	require.ErrorIs(t, err, storage.ErrInvalidContinuationToken)
}

func EnhancementLifecycleTest(t *testing.T, ds storage.RecollectDatastore) {
	ctx := context.Background()
	user := "user-" + id.MustNewString()

	share := mustCreate(t, ds, newShare(t, user, types.MediaTypeVideo, types.StatusDone))

	// Completing before a cycle is open is a stale signal.
	_, err := ds.CompleteEnhancement(ctx, share.ID, types.WorkflowStateCompleted)
	require.ErrorIs(t, err, storage.ErrStaleVersion)

	started, err := ds.StartEnhancement(ctx, share.ID, types.WorkflowStateTranscribing)
	require.NoError(t, err)
	require.NotNil(t, started.EnhancementStartedAt)
	require.Nil(t, started.EnhancementCompletedAt)
	require.Equal(t, types.WorkflowStateTranscribing, started.WorkflowState)

	completed, err := ds.CompleteEnhancement(ctx, share.ID, types.WorkflowStateCompleted)
	require.NoError(t, err)
	require.Equal(t, 2, completed.EnhancementVersion)
	require.NotNil(t, completed.EnhancementCompletedAt)
	require.Equal(t, types.WorkflowStateCompleted, completed.WorkflowState)

	// A second completion of the same cycle must not double-increment.
	_, err = ds.CompleteEnhancement(ctx, share.ID, types.WorkflowStateCompleted)
	require.ErrorIs(t, err, storage.ErrStaleVersion)

	// A failed cycle keeps the version: it counts successful cycles only.
	_, err = ds.StartEnhancement(ctx, share.ID, types.WorkflowStateEmbedding)
	require.NoError(t, err)
	failed, err := ds.FailEnhancement(ctx, share.ID)
	require.NoError(t, err)
	require.Equal(t, 2, failed.EnhancementVersion)
	require.Equal(t, types.WorkflowStateFailed, failed.WorkflowState)
	require.NotNil(t, failed.EnhancementCompletedAt)

	_, err = ds.FailEnhancement(ctx, share.ID)
	require.ErrorIs(t, err, storage.ErrStaleVersion)

	_, err = ds.CompleteEnhancement(ctx, id.MustNewString(), types.WorkflowStateCompleted)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func ReadyAndStaleQueriesTest(t *testing.T, ds storage.RecollectDatastore) {
	ctx := context.Background()
	user := "user-" + id.MustNewString()

	ready := mustCreate(t, ds, newShare(t, user, types.MediaTypeVideo, types.StatusDone))
	notReady := mustCreate(t, ds, newShare(t, user, types.MediaTypeVideo, types.StatusPending))

	inFlight := mustCreate(t, ds, newShare(t, user, types.MediaTypeVideo, types.StatusDone))
	_, err := ds.StartEnhancement(ctx, inFlight.ID, types.WorkflowStateTranscribing)
	require.NoError(t, err)

	readySet, err := ds.ListReadyForEnhancement(ctx, 100)
	require.NoError(t, err)
	readyIDs := shareIDs(readySet)
	require.Contains(t, readyIDs, ready.ID)
	require.NotContains(t, readyIDs, notReady.ID)
	require.NotContains(t, readyIDs, inFlight.ID)

	// The in-flight share becomes stale once its start precedes the cutoff.
	time.Sleep(10 * time.Millisecond)
	stale, err := ds.ListStaleEnhancements(ctx, time.Millisecond, 100)
	require.NoError(t, err)
	require.Contains(t, shareIDs(stale), inFlight.ID)

	// A generous timeout keeps it out of the stale set.
	stale, err = ds.ListStaleEnhancements(ctx, time.Hour, 100)
	require.NoError(t, err)
	require.NotContains(t, shareIDs(stale), inFlight.ID)

	// Closing the cycle removes it regardless of timeout.
	_, err = ds.FailEnhancement(ctx, inFlight.ID)
	require.NoError(t, err)
	stale, err = ds.ListStaleEnhancements(ctx, time.Millisecond, 100)
	require.NoError(t, err)
	require.NotContains(t, shareIDs(stale), inFlight.ID)

	// Batch state moves.
	require.NoError(t, ds.BatchUpdateWorkflowStates(ctx, []string{ready.ID, notReady.ID}, types.WorkflowStatePending))
	pending, err := ds.ListSharesByWorkflowState(ctx, types.WorkflowStatePending, 100)
	require.NoError(t, err)
	pendingIDs := shareIDs(pending)
	require.Contains(t, pendingIDs, ready.ID)
	require.Contains(t, pendingIDs, notReady.ID)
}

func WorkflowStateStatsTest(t *testing.T, ds storage.RecollectDatastore) {
	ctx := context.Background()
	user := "user-" + id.MustNewString()

	a := mustCreate(t, ds, newShare(t, user, types.MediaTypeVideo, types.StatusDone))
	b := mustCreate(t, ds, newShare(t, user, types.MediaTypeVideo, types.StatusDone))
	mustCreate(t, ds, newShare(t, user, types.MediaTypeText, types.StatusPending))

	_, err := ds.StartEnhancement(ctx, a.ID, types.WorkflowStateTranscribing)
	require.NoError(t, err)
	_, err = ds.StartEnhancement(ctx, b.ID, types.WorkflowStateTranscribing)
	require.NoError(t, err)

	stats, err := ds.WorkflowStateStats(ctx, user)
	require.NoError(t, err)

	byState := make(map[types.WorkflowState]types.WorkflowStateStat, len(stats))
	for _, stat := range stats {
		byState[stat.State] = stat
	}

	require.Equal(t, 2, byState[types.WorkflowStateTranscribing].Count)
	require.NotNil(t, byState[types.WorkflowStateTranscribing].OldestStarted)
	require.Equal(t, 1, byState[types.WorkflowStateNone].Count)
}

func ResultsAppendOnlyTest(t *testing.T, ds storage.RecollectDatastore) {
	ctx := context.Background()
	user := "user-" + id.MustNewString()

	share := mustCreate(t, ds, newShare(t, user, types.MediaTypeVideo, types.StatusDone))

	_, err := ds.LatestResult(ctx, share.ID, types.TaskTranscribe)
	require.ErrorIs(t, err, storage.ErrNotFound)

	first, err := ds.AppendResult(ctx, &types.MLResult{
		ID:       id.MustNewString(),
		ShareID:  share.ID,
		TaskType: types.TaskTranscribe,
		Status:   types.ResultFailed,
		Error:    "worker timeout",
	})
	require.NoError(t, err)
	require.False(t, first.CreatedAt.IsZero())

	second, err := ds.AppendResult(ctx, &types.MLResult{
		ID:       id.MustNewString(),
		ShareID:  share.ID,
		TaskType: types.TaskTranscribe,
		Status:   types.ResultSuccess,
		Payload: types.ResultPayload{
			Transcript: &types.TranscriptPayload{Text: "hello", Language: "en"},
		},
	})
	require.NoError(t, err)

	// The newest row supersedes the older one.
	latest, err := ds.LatestResult(ctx, share.ID, types.TaskTranscribe)
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)
	require.Equal(t, types.ResultSuccess, latest.Status)
	require.Equal(t, "hello", latest.Payload.Transcript.Text)

	history, err := ds.ResultHistory(ctx, share.ID, types.TaskTranscribe, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, second.ID, history[0].ID)
	require.Equal(t, first.ID, history[1].ID)
	require.Equal(t, "worker timeout", history[1].Error)

	batch, err := ds.LatestResults(ctx, []string{share.ID})
	require.NoError(t, err)
	require.Equal(t, second.ID, batch[share.ID][types.TaskTranscribe].ID)

	empty, err := ds.LatestResults(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func CurrentEmbeddingsTest(t *testing.T, ds storage.RecollectDatastore) {
	ctx := context.Background()
	user := "user-" + id.MustNewString()

	withVector := mustCreate(t, ds, newShare(t, user, types.MediaTypeVideo, types.StatusDone))
	withoutVector := mustCreate(t, ds, newShare(t, user, types.MediaTypeVideo, types.StatusDone))

	appendEmbed := func(shareID string, vector []float64) {
		_, err := ds.AppendResult(ctx, &types.MLResult{
			ID:       id.MustNewString(),
			ShareID:  shareID,
			TaskType: types.TaskEmbed,
			Status:   types.ResultSuccess,
			Payload: types.ResultPayload{
				Embedding: &types.EmbeddingPayload{Vector: vector, ModelID: "embed-v1"},
			},
		})
		require.NoError(t, err)
	}

	appendEmbed(withVector.ID, []float64{1, 0, 0})
	// A re-run supersedes the earlier vector.
	appendEmbed(withVector.ID, []float64{0, 1, 0})

	embeddings, err := ds.CurrentEmbeddings(ctx, storage.EmbeddingFilter{UserID: user})
	require.NoError(t, err)
	require.Len(t, embeddings, 1)
	require.Equal(t, withVector.ID, embeddings[0].Share.ID)
	require.Equal(t, []float64{0, 1, 0}, embeddings[0].Vector)
	require.Equal(t, "embed-v1", embeddings[0].ModelID)

	// Exclusion list removes the only candidate.
	embeddings, err = ds.CurrentEmbeddings(ctx, storage.EmbeddingFilter{
		UserID:        user,
		ExcludeShares: []string{withVector.ID},
	})
	require.NoError(t, err)
	require.Empty(t, embeddings)

	_ = withoutVector
}

func shareIDs(shares []*types.ShareRecord) []string {
	ids := make([]string, 0, len(shares))
	for _, share := range shares {
		ids = append(ids, share.ID)
	}
	return ids
}
