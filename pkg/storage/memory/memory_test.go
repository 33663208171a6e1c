package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recollect/recollect/pkg/id"
	"github.com/recollect/recollect/pkg/storage/test"
	"github.com/recollect/recollect/pkg/types"
)

func TestMemoryDatastore(t *testing.T) {
	ds := New()
	test.RunAllTests(t, ds)
}

func TestWithNowControlsTimestamps(t *testing.T) {
	frozen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ds := New(WithNow(func() time.Time { return frozen }))

	share, err := ds.CreateShare(context.Background(), &types.ShareRecord{
		ID:        id.MustNewString(),
		UserID:    "user-1",
		URL:       "https://example.com",
		Platform:  types.PlatformWeb,
		MediaType: types.MediaTypeText,
		Status:    types.StatusPending,
	})
	require.NoError(t, err)
	require.Equal(t, frozen, share.CreatedAt)
}

func TestClonedRecordsAreIsolated(t *testing.T) {
	ds := New()
	ctx := context.Background()

	created, err := ds.CreateShare(ctx, &types.ShareRecord{
		ID:        id.MustNewString(),
		UserID:    "user-1",
		URL:       "https://example.com",
		Platform:  types.PlatformWeb,
		MediaType: types.MediaTypeText,
		Status:    types.StatusPending,
	})
	require.NoError(t, err)

	// Mutating the returned record must not leak into the store.
	created.Status = types.StatusFailed

	got, err := ds.GetShare(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, got.Status)
}
