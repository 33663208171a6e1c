package postgres

import (
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/require"

	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/types"
)

func testBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func TestApplyShareFilterComposesTypedPredicates(t *testing.T) {
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

	sb := testBuilder().Select(shareColumns...).From("share")
	sb = applyShareFilter(sb, storage.ShareFilter{
		UserID:        "user-1",
		Platforms:     []types.Platform{types.PlatformYouTube, types.PlatformTikTok},
		Status:        types.StatusDone,
		MediaType:     types.MediaTypeVideo,
		CreatedAfter:  &after,
		CreatedBefore: &before,
	})

	sql, args, err := sb.ToSql()
	require.NoError(t, err)
	require.Contains(t, sql, "user_id = $1")
	require.Contains(t, sql, "platform IN ($2,$3)")
	require.Contains(t, sql, "status = $4")
	require.Contains(t, sql, "media_type = $5")
	require.Contains(t, sql, "created_at >= $6")
	require.Contains(t, sql, "created_at <= $7")
	require.Len(t, args, 7)
}

func TestCursorPredicateUsesTupleComparison(t *testing.T) {
	cursor := storage.Cursor{CreatedAt: time.Now().UTC(), ID: "01HZXYK3TESTULID0000000000"}

	sb := testBuilder().Select("id").From("share").
		Where(sq.Expr("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID))

	sql, args, err := sb.ToSql()
	require.NoError(t, err)
	require.Contains(t, sql, "(created_at, id) < ($1, $2)")
	require.Len(t, args, 2)
}

func TestNullableState(t *testing.T) {
	require.Nil(t, nullableState(types.WorkflowStateNone))
	require.Equal(t, "transcribing", nullableState(types.WorkflowStateTranscribing))
}

func TestHandleSQLErrorMapsDuplicateKey(t *testing.T) {
	err := HandleSQLError(errDuplicate{})
	require.ErrorIs(t, err, storage.ErrCollision)
}

type errDuplicate struct{}

func (errDuplicate) Error() string {
	return `ERROR: duplicate key value violates unique constraint "share_pkey"`
}
