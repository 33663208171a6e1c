package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recollect/recollect/pkg/id"
	"github.com/recollect/recollect/pkg/storage/memory"
	"github.com/recollect/recollect/pkg/types"
)

type fakeQueue struct {
	published []Task
	err       error
}

func (q *fakeQueue) Publish(ctx context.Context, task Task) error {
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, task)
	return nil
}

func seedShare(t *testing.T, ds *memory.Datastore, media types.MediaType) *types.ShareRecord {
	t.Helper()
	share, err := ds.CreateShare(context.Background(), &types.ShareRecord{
		ID:        id.MustNewString(),
		UserID:    "user-1",
		URL:       "https://youtube.com/watch?v=abc",
		Platform:  types.PlatformYouTube,
		MediaType: media,
		Status:    types.StatusDone,
	})
	require.NoError(t, err)
	return share
}

func TestApplicableStages(t *testing.T) {
	require.Equal(t,
		[]types.TaskType{types.TaskTranscribe, types.TaskSummarize, types.TaskEmbed},
		ApplicableStages(types.MediaTypeVideo))
	require.Equal(t,
		[]types.TaskType{types.TaskTranscribe, types.TaskSummarize, types.TaskEmbed},
		ApplicableStages(types.MediaTypeAudio))
	require.Equal(t, []types.TaskType{types.TaskEmbed}, ApplicableStages(types.MediaTypeText))
	require.Equal(t, []types.TaskType{types.TaskEmbed}, ApplicableStages(types.MediaTypeImage))
}

func TestNextStage(t *testing.T) {
	next, ok := NextStage(types.MediaTypeVideo, types.TaskTranscribe)
	require.True(t, ok)
	require.Equal(t, types.TaskSummarize, next)

	next, ok = NextStage(types.MediaTypeVideo, types.TaskSummarize)
	require.True(t, ok)
	require.Equal(t, types.TaskEmbed, next)

	_, ok = NextStage(types.MediaTypeVideo, types.TaskEmbed)
	require.False(t, ok)

	// Text shares have nothing after embed either.
	_, ok = NextStage(types.MediaTypeText, types.TaskEmbed)
	require.False(t, ok)
}

func TestBeginPublishesFirstStageAndMarksShare(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	queue := &fakeQueue{}
	dispatcher := NewDispatcher(queue, ds, nil)

	share := seedShare(t, ds, types.MediaTypeVideo)

	updated, err := dispatcher.Begin(ctx, share)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowStateTranscribing, updated.WorkflowState)
	require.NotNil(t, updated.EnhancementStartedAt)

	require.Len(t, queue.published, 1)
	task := queue.published[0]
	require.Equal(t, share.ID, task.ShareID)
	require.Equal(t, types.TaskTranscribe, task.TaskType)
	require.Equal(t, share.URL, task.URL)
	require.Equal(t, share.EnhancementVersion, task.EnhancementVersion)
}

func TestBeginForTextSkipsStraightToEmbed(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	queue := &fakeQueue{}
	dispatcher := NewDispatcher(queue, ds, nil)

	share := seedShare(t, ds, types.MediaTypeText)

	updated, err := dispatcher.Begin(ctx, share)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowStateEmbedding, updated.WorkflowState)

	require.Len(t, queue.published, 1)
	require.Equal(t, types.TaskEmbed, queue.published[0].TaskType)
}

func TestPublishFailureLeavesShareUntouched(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	queue := &fakeQueue{err: errors.New("broker unavailable")}
	dispatcher := NewDispatcher(queue, ds, nil)

	share := seedShare(t, ds, types.MediaTypeVideo)

	_, err := dispatcher.Begin(ctx, share)
	require.Error(t, err)

	// Not optimistically marked as transcribing.
	got, err := ds.GetShare(ctx, share.ID)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowStateNone, got.WorkflowState)
	require.Nil(t, got.EnhancementStartedAt)
}

func TestDispatchRequiresAtLeastOneStage(t *testing.T) {
	ds := memory.New()
	dispatcher := NewDispatcher(&fakeQueue{}, ds, nil)
	share := seedShare(t, ds, types.MediaTypeVideo)

	_, err := dispatcher.Dispatch(context.Background(), share)
	require.Error(t, err)
}
