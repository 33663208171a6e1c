package idempotency

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeRedis emulates the guard's three scripts against an in-memory map. It
// dispatches on the script hash, the same way a real server would after
// SCRIPT LOAD.
type fakeRedis struct {
	mu      sync.Mutex
	entries map[string]*fakeEntry
}

type fakeEntry struct {
	state    string
	response string
	since    int64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{entries: make(map[string]*fakeEntry)}
}

func scriptHash(script string) string {
	h := sha1.Sum([]byte(script))
	return hex.EncodeToString(h[:])
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.dispatch(ctx, scriptHash(script), keys, args)
}

func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.dispatch(ctx, sha1, keys, args)
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, sha1, keys, args...)
}

func (f *fakeRedis) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	exists := make([]bool, len(hashes))
	for i := range exists {
		exists[i] = true
	}
	return redis.NewBoolSliceResult(exists, nil)
}

func (f *fakeRedis) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult(scriptHash(script), nil)
}

func (f *fakeRedis) dispatch(ctx context.Context, sha string, keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch sha {
	case reserveScript.Hash():
		return redis.NewCmdResult(f.reserve(keys[0], args), nil)
	case completeScript.Hash():
		return redis.NewCmdResult(f.complete(keys[0], args), nil)
	case releaseScript.Hash():
		return redis.NewCmdResult(f.release(keys[0]), nil)
	default:
		return redis.NewCmdResult(nil, fmt.Errorf("unknown script %s", sha))
	}
}

func (f *fakeRedis) reserve(key string, args []interface{}) interface{} {
	timeoutMs := args[1].(int64)
	nowMs := args[2].(int64)

	entry, ok := f.entries[key]
	if !ok {
		f.entries[key] = &fakeEntry{state: "processing", since: nowMs}
		return []interface{}{int64(1), ""}
	}
	if entry.state == "done" {
		return []interface{}{int64(0), entry.response}
	}
	if nowMs-entry.since >= timeoutMs {
		entry.since = nowMs
		return []interface{}{int64(1), ""}
	}
	return []interface{}{int64(0), ""}
}

func (f *fakeRedis) complete(key string, args []interface{}) interface{} {
	entry, ok := f.entries[key]
	if !ok {
		entry = &fakeEntry{}
		f.entries[key] = entry
	}
	entry.state = "done"
	entry.response = string(args[0].([]byte))
	return "OK"
}

func (f *fakeRedis) release(key string) interface{} {
	if entry, ok := f.entries[key]; ok && entry.state == "processing" {
		delete(f.entries, key)
		return int64(1)
	}
	return int64(0)
}

func TestReserveThenComplete(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	guard := NewGuard(rdb, WithEnvironment("test"))
	token := uuid.NewString()

	outcome, err := guard.ReserveOrGet(ctx, "user-1", token)
	require.NoError(t, err)
	require.True(t, outcome.Reserved)

	// A concurrent retry while the first attempt is still running.
	_, err = guard.ReserveOrGet(ctx, "user-1", token)
	require.ErrorIs(t, err, ErrConflict)

	response := []byte(`{"shareId":"01HZX","cached":false}`)
	require.NoError(t, guard.Complete(ctx, "user-1", token, response))

	replayed, err := guard.ReserveOrGet(ctx, "user-1", token)
	require.NoError(t, err)
	require.False(t, replayed.Reserved)
	require.Equal(t, response, replayed.Response)
}

func TestKeysAreScopedPerUser(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	guard := NewGuard(rdb, WithEnvironment("test"))
	token := uuid.NewString()

	outcome, err := guard.ReserveOrGet(ctx, "user-1", token)
	require.NoError(t, err)
	require.True(t, outcome.Reserved)

	// Same token, different user: independent reservation.
	outcome, err = guard.ReserveOrGet(ctx, "user-2", token)
	require.NoError(t, err)
	require.True(t, outcome.Reserved)

	require.Contains(t, rdb.entries, "test:idempotency:user-1:"+token)
	require.Contains(t, rdb.entries, "test:idempotency:user-2:"+token)
}

func TestStaleReservationIsTakenOver(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()

	now := time.Unix(1700000000, 0)
	guard := NewGuard(rdb,
		WithEnvironment("test"),
		WithProcessingTimeout(30*time.Second),
		WithClock(func() time.Time { return now }),
	)
	token := uuid.NewString()

	outcome, err := guard.ReserveOrGet(ctx, "user-1", token)
	require.NoError(t, err)
	require.True(t, outcome.Reserved)

	// Within the processing window the reservation holds.
	now = now.Add(29 * time.Second)
	_, err = guard.ReserveOrGet(ctx, "user-1", token)
	require.ErrorIs(t, err, ErrConflict)

	// Past it, a retry takes the reservation over.
	now = now.Add(2 * time.Second)
	outcome, err = guard.ReserveOrGet(ctx, "user-1", token)
	require.NoError(t, err)
	require.True(t, outcome.Reserved)
}

func TestReleaseAllowsImmediateRetry(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	guard := NewGuard(rdb, WithEnvironment("test"))
	token := uuid.NewString()

	outcome, err := guard.ReserveOrGet(ctx, "user-1", token)
	require.NoError(t, err)
	require.True(t, outcome.Reserved)

	require.NoError(t, guard.Release(ctx, "user-1", token))

	outcome, err = guard.ReserveOrGet(ctx, "user-1", token)
	require.NoError(t, err)
	require.True(t, outcome.Reserved)
}

func TestReleaseLeavesCompletedRecords(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	guard := NewGuard(rdb, WithEnvironment("test"))
	token := uuid.NewString()

	_, err := guard.ReserveOrGet(ctx, "user-1", token)
	require.NoError(t, err)
	require.NoError(t, guard.Complete(ctx, "user-1", token, []byte("stored")))

	require.NoError(t, guard.Release(ctx, "user-1", token))

	outcome, err := guard.ReserveOrGet(ctx, "user-1", token)
	require.NoError(t, err)
	require.Equal(t, []byte("stored"), outcome.Response)
}

func TestInvalidTokenRejected(t *testing.T) {
	guard := NewGuard(newFakeRedis())

	_, err := guard.ReserveOrGet(context.Background(), "user-1", "not-a-uuid")
	require.ErrorIs(t, err, ErrInvalidToken)

	err = guard.Complete(context.Background(), "user-1", "not-a-uuid", nil)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestConcurrentReservesHaveSingleWinner(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	guard := NewGuard(rdb, WithEnvironment("test"))
	token := uuid.NewString()

	const attempts = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var reserved, conflicted int

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := guard.ReserveOrGet(ctx, "user-1", token)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && outcome.Reserved:
				reserved++
			case err == ErrConflict:
				conflicted++
			default:
				t.Errorf("unexpected outcome: %v %v", outcome, err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, reserved)
	require.Equal(t, attempts-1, conflicted)
}
