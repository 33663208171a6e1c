package aggregate

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recollect/recollect/pkg/id"
	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/storage/memory"
	"github.com/recollect/recollect/pkg/types"
)

func seedShare(t *testing.T, ds *memory.Datastore, userID string, media types.MediaType) *types.ShareRecord {
	t.Helper()
	share, err := ds.CreateShare(context.Background(), &types.ShareRecord{
		ID:        id.MustNewString(),
		UserID:    userID,
		URL:       "https://youtube.com/watch?v=abc",
		Platform:  types.PlatformYouTube,
		MediaType: media,
		Status:    types.StatusDone,
	})
	require.NoError(t, err)
	return share
}

func appendResult(t *testing.T, ds *memory.Datastore, shareID string, task types.TaskType, status types.ResultStatus, payload types.ResultPayload) {
	t.Helper()
	_, err := ds.AppendResult(context.Background(), &types.MLResult{
		ID:       id.MustNewString(),
		ShareID:  shareID,
		TaskType: task,
		Status:   status,
		Payload:  payload,
	})
	require.NoError(t, err)
}

func TestProjectDerivesTaskStatuses(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	agg := New(ds, nil)

	share := seedShare(t, ds, "user-1", types.MediaTypeVideo)
	appendResult(t, ds, share.ID, types.TaskTranscribe, types.ResultSuccess, types.ResultPayload{
		Transcript: &types.TranscriptPayload{Text: "hello", Language: "en"},
	})

	view, err := agg.Project(ctx, share.ID)
	require.NoError(t, err)

	require.Equal(t, types.TaskStatusDone, view.TaskStatus[types.TaskTranscribe])
	require.Equal(t, types.TaskStatusPending, view.TaskStatus[types.TaskSummarize])
	require.Equal(t, types.TaskStatusPending, view.TaskStatus[types.TaskEmbed])
	require.Equal(t, types.MLStatusPartial, view.MLStatus)
	require.NotNil(t, view.Transcript)
	require.Equal(t, "hello", view.Transcript.Text)
	require.Nil(t, view.Summary)
	require.False(t, view.HasVector)
}

func TestProjectTextShareSkipsAudioTasks(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	agg := New(ds, nil)

	share := seedShare(t, ds, "user-1", types.MediaTypeText)

	view, err := agg.Project(ctx, share.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusNotApplicable, view.TaskStatus[types.TaskTranscribe])
	require.Equal(t, types.TaskStatusNotApplicable, view.TaskStatus[types.TaskSummarize])
	require.Equal(t, types.TaskStatusPending, view.TaskStatus[types.TaskEmbed])
	require.Equal(t, types.MLStatusNone, view.MLStatus)

	appendResult(t, ds, share.ID, types.TaskEmbed, types.ResultSuccess, types.ResultPayload{
		Embedding: &types.EmbeddingPayload{Vector: []float64{1, 0}, ModelID: "embed-v1"},
	})

	view, err = agg.Project(ctx, share.ID)
	require.NoError(t, err)
	require.Equal(t, types.MLStatusComplete, view.MLStatus)
	require.True(t, view.HasVector)
}

func TestProjectFailedTaskWinsOverPartial(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	agg := New(ds, nil)

	share := seedShare(t, ds, "user-1", types.MediaTypeVideo)
	appendResult(t, ds, share.ID, types.TaskTranscribe, types.ResultSuccess, types.ResultPayload{
		Transcript: &types.TranscriptPayload{Text: "hello"},
	})
	appendResult(t, ds, share.ID, types.TaskSummarize, types.ResultFailed, types.ResultPayload{})

	view, err := agg.Project(ctx, share.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusFailed, view.TaskStatus[types.TaskSummarize])
	require.Equal(t, types.MLStatusFailed, view.MLStatus)
}

func TestProjectLatestResultWins(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	agg := New(ds, nil)

	share := seedShare(t, ds, "user-1", types.MediaTypeVideo)
	appendResult(t, ds, share.ID, types.TaskTranscribe, types.ResultFailed, types.ResultPayload{})
	appendResult(t, ds, share.ID, types.TaskTranscribe, types.ResultSuccess, types.ResultPayload{
		Transcript: &types.TranscriptPayload{Text: "retried"},
	})

	view, err := agg.Project(ctx, share.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusDone, view.TaskStatus[types.TaskTranscribe])
	require.Equal(t, "retried", view.Transcript.Text)
}

func TestProjectForUserScopesTenant(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	agg := New(ds, nil)

	share := seedShare(t, ds, "user-1", types.MediaTypeText)

	_, err := agg.ProjectForUser(ctx, share.ID, "user-2")
	require.ErrorIs(t, err, storage.ErrNotFound)

	view, err := agg.ProjectForUser(ctx, share.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, share.ID, view.Share.ID)
}

func TestProjectManyFiltersByMLStatus(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	agg := New(ds, nil)

	complete := seedShare(t, ds, "user-1", types.MediaTypeText)
	appendResult(t, ds, complete.ID, types.TaskEmbed, types.ResultSuccess, types.ResultPayload{
		Embedding: &types.EmbeddingPayload{Vector: []float64{1}, ModelID: "embed-v1"},
	})
	seedShare(t, ds, "user-1", types.MediaTypeText) // no results: mlStatus none

	page, err := agg.ProjectMany(ctx, Filter{
		ShareFilter: storage.ShareFilter{UserID: "user-1"},
		MLStatus:    types.MLStatusComplete,
	}, storage.PaginationOptions{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Views, 1)
	require.Equal(t, complete.ID, page.Views[0].Share.ID)
	require.Empty(t, page.ContinuationToken)
}

func TestProjectManyMLStatusShortPage(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	agg := New(ds, nil)

	// Three shares, only the oldest is complete. With pageSize 2 the first
	// page is fetched before the derived filter applies, so it comes back
	// short but still carries a continuation token.
	complete := seedShare(t, ds, "user-1", types.MediaTypeText)
	appendResult(t, ds, complete.ID, types.TaskEmbed, types.ResultSuccess, types.ResultPayload{
		Embedding: &types.EmbeddingPayload{Vector: []float64{1}, ModelID: "embed-v1"},
	})
	seedShare(t, ds, "user-1", types.MediaTypeText)
	seedShare(t, ds, "user-1", types.MediaTypeText)

	filter := Filter{
		ShareFilter: storage.ShareFilter{UserID: "user-1"},
		MLStatus:    types.MLStatusComplete,
	}

	page, err := agg.ProjectMany(ctx, filter, storage.PaginationOptions{PageSize: 2})
	require.NoError(t, err)
	require.Empty(t, page.Views)
	require.NotEmpty(t, page.ContinuationToken)

	page, err = agg.ProjectMany(ctx, filter, storage.PaginationOptions{
		PageSize: 2,
		From:     page.ContinuationToken,
	})
	require.NoError(t, err)
	require.Len(t, page.Views, 1)
	require.Equal(t, complete.ID, page.Views[0].Share.ID)
	require.Empty(t, page.ContinuationToken)
}

func TestProjectManyFiltersByTranscript(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	agg := New(ds, nil)

	withTranscript := seedShare(t, ds, "user-1", types.MediaTypeVideo)
	appendResult(t, ds, withTranscript.ID, types.TaskTranscribe, types.ResultSuccess, types.ResultPayload{
		Transcript: &types.TranscriptPayload{Text: "hello"},
	})
	without := seedShare(t, ds, "user-1", types.MediaTypeVideo)

	hasTranscript := true
	page, err := agg.ProjectMany(ctx, Filter{
		ShareFilter:   storage.ShareFilter{UserID: "user-1"},
		HasTranscript: &hasTranscript,
	}, storage.PaginationOptions{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Views, 1)
	require.Equal(t, withTranscript.ID, page.Views[0].Share.ID)

	hasTranscript = false
	page, err = agg.ProjectMany(ctx, Filter{
		ShareFilter:   storage.ShareFilter{UserID: "user-1"},
		HasTranscript: &hasTranscript,
	}, storage.PaginationOptions{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Views, 1)
	require.Equal(t, without.ID, page.Views[0].Share.ID)
}

func TestProjectManyRejectsMalformedToken(t *testing.T) {
	ds := memory.New()
	agg := New(ds, nil)

	_, err := agg.ProjectMany(context.Background(), Filter{}, storage.PaginationOptions{
		PageSize: 10,
		From:     "%%not-base64%%",
	})
	require.ErrorIs(t, err, storage.ErrInvalidContinuationToken)
}

func TestProjectManyTokenIsOpaque(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	agg := New(ds, nil)

	for i := 0; i < 3; i++ {
		seedShare(t, ds, "user-1", types.MediaTypeText)
	}

	page, err := agg.ProjectMany(ctx, Filter{
		ShareFilter: storage.ShareFilter{UserID: "user-1"},
	}, storage.PaginationOptions{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Views, 2)
	require.NotEmpty(t, page.ContinuationToken)

	// The token is the store cursor wrapped in base64, round-trippable but
	// never exposed raw.
	raw, err := base64.URLEncoding.DecodeString(page.ContinuationToken)
	require.NoError(t, err)
	_, err = storage.ParseCursor(string(raw))
	require.NoError(t, err)
}
