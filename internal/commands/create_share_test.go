package commands

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/recollect/recollect/internal/dispatch"
	"github.com/recollect/recollect/internal/idempotency"
	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/storage/memory"
	"github.com/recollect/recollect/pkg/types"
)

// fakeGuard mimics the atomic reserve semantics of the Redis guard.
type fakeGuard struct {
	mu       sync.Mutex
	records  map[string]*fakeRecord
	reserves int
}

type fakeRecord struct {
	done     bool
	response []byte
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{records: make(map[string]*fakeRecord)}
}

func (g *fakeGuard) key(userID, token string) string { return userID + ":" + token }

func (g *fakeGuard) ReserveOrGet(ctx context.Context, userID, token string) (idempotency.Outcome, error) {
	if _, err := uuid.Parse(token); err != nil {
		return idempotency.Outcome{}, idempotency.ErrInvalidToken
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.reserves++

	record, ok := g.records[g.key(userID, token)]
	if !ok {
		g.records[g.key(userID, token)] = &fakeRecord{}
		return idempotency.Outcome{Reserved: true}, nil
	}
	if record.done {
		return idempotency.Outcome{Response: record.response}, nil
	}
	return idempotency.Outcome{}, idempotency.ErrConflict
}

func (g *fakeGuard) Complete(ctx context.Context, userID, token string, response []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	record, ok := g.records[g.key(userID, token)]
	if !ok {
		record = &fakeRecord{}
		g.records[g.key(userID, token)] = record
	}
	record.done = true
	record.response = response
	return nil
}

func (g *fakeGuard) Release(ctx context.Context, userID, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if record, ok := g.records[g.key(userID, token)]; ok && !record.done {
		delete(g.records, g.key(userID, token))
	}
	return nil
}

type fakeQueue struct {
	mu        sync.Mutex
	published []dispatch.Task
	err       error
}

func (q *fakeQueue) Publish(ctx context.Context, task dispatch.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, task)
	return nil
}

func newTestCommand(ds *memory.Datastore, queue dispatch.TaskQueue) (*CreateShareCommand, *fakeGuard) {
	guard := newFakeGuard()
	dispatcher := dispatch.NewDispatcher(queue, ds, nil)
	return NewCreateShareCommand(guard, ds, dispatcher, nil), guard
}

func videoRequest(token string) CreateShareRequest {
	return CreateShareRequest{
		UserID:           "user-1",
		URL:              "https://youtube.com/watch?v=abc",
		Platform:         types.PlatformYouTube,
		MediaType:        types.MediaTypeVideo,
		IdempotencyToken: token,
	}
}

func countShares(t *testing.T, ds *memory.Datastore, userID string) int {
	t.Helper()
	shares, _, err := ds.ListShares(context.Background(),
		storage.ShareFilter{UserID: userID},
		storage.PaginationOptions{PageSize: 100})
	require.NoError(t, err)
	return len(shares)
}

func TestExecuteCreatesDispatchesAndStores(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	queue := &fakeQueue{}
	cmd, guard := newTestCommand(ds, queue)

	response, err := cmd.Execute(ctx, videoRequest(uuid.NewString()))
	require.NoError(t, err)

	var envelope CreateShareResponse
	require.NoError(t, json.Unmarshal(response, &envelope))
	require.NotEmpty(t, envelope.ShareID)
	require.Equal(t, types.StatusPending, envelope.Status)
	require.Equal(t, types.WorkflowStateTranscribing, envelope.WorkflowState)

	share, err := ds.GetShare(ctx, envelope.ShareID)
	require.NoError(t, err)
	require.Equal(t, "user-1", share.UserID)

	require.Len(t, queue.published, 1)
	require.Equal(t, types.TaskTranscribe, queue.published[0].TaskType)

	// The response envelope is durably stored for replay.
	guard.mu.Lock()
	defer guard.mu.Unlock()
	require.Len(t, guard.records, 1)
	for _, record := range guard.records {
		require.True(t, record.done)
		require.Equal(t, response, record.response)
	}
}

func TestExecuteReplaysIdenticalBytes(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	cmd, _ := newTestCommand(ds, &fakeQueue{})
	token := uuid.NewString()

	first, err := cmd.Execute(ctx, videoRequest(token))
	require.NoError(t, err)

	second, err := cmd.Execute(ctx, videoRequest(token))
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.Equal(t, 1, countShares(t, ds, "user-1"))
}

func TestExecuteValidatesBeforeReserving(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	cmd, guard := newTestCommand(ds, &fakeQueue{})

	req := videoRequest(uuid.NewString())
	req.Platform = "myspace"
	_, err := cmd.Execute(ctx, req)
	require.ErrorIs(t, err, ErrUnsupportedPlatform)

	req = videoRequest(uuid.NewString())
	req.URL = ""
	_, err = cmd.Execute(ctx, req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	req = videoRequest(uuid.NewString())
	req.MediaType = "hologram"
	_, err = cmd.Execute(ctx, req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	// None of the rejected requests touched the guard or the store.
	require.Equal(t, 0, guard.reserves)
	require.Equal(t, 0, countShares(t, ds, "user-1"))
}

func TestExecuteDispatchFailureStillSucceeds(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	queue := &fakeQueue{err: errors.New("broker unavailable")}
	cmd, _ := newTestCommand(ds, queue)

	response, err := cmd.Execute(ctx, videoRequest(uuid.NewString()))
	require.NoError(t, err)

	var envelope CreateShareResponse
	require.NoError(t, json.Unmarshal(response, &envelope))

	// Created but not optimistically marked as transcribing; the ready sweep
	// picks it up later.
	share, err := ds.GetShare(ctx, envelope.ShareID)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowStateNone, share.WorkflowState)
	require.Nil(t, share.EnhancementStartedAt)
}

func TestExecuteReleasesReservationOnCreateFailure(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	cmd, guard := newTestCommand(ds, &fakeQueue{})
	token := uuid.NewString()

	// A cancelled context makes CreateShare fail after the reservation.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := cmd.Execute(cancelled, videoRequest(token))
	require.Error(t, err)

	// The reservation was released, so a clean retry succeeds immediately.
	guard.mu.Lock()
	remaining := len(guard.records)
	guard.mu.Unlock()
	require.Zero(t, remaining)

	_, err = cmd.Execute(ctx, videoRequest(token))
	require.NoError(t, err)
}

func TestConcurrentSubmissionsCreateOneShare(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	cmd, _ := newTestCommand(ds, &fakeQueue{})
	token := uuid.NewString()

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	responses := make(map[string]int)
	var conflicts int

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			response, err := cmd.Execute(ctx, videoRequest(token))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				responses[string(response)]++
			case errors.Is(err, idempotency.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// Exactly one durable share, and every successful response is identical.
	require.Equal(t, 1, countShares(t, ds, "user-1"))
	require.LessOrEqual(t, len(responses), 1)
	require.Equal(t, attempts, sumValues(responses)+conflicts)
}

func sumValues(m map[string]int) int {
	var total int
	for _, v := range m {
		total += v
	}
	return total
}
