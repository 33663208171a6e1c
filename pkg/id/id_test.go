package id

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewStringIsValid(t *testing.T) {
	s, err := NewString()
	require.NoError(t, err)
	require.True(t, IsValid(s))
}

func TestParseInvalid(t *testing.T) {
	require.False(t, IsValid("not-a-ulid"))
	require.False(t, IsValid(""))
}

func TestIDsSortByTime(t *testing.T) {
	early, err := NewStringFromTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	late, err := NewStringFromTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	ids := []string{late, early}
	sort.Strings(ids)
	require.Equal(t, []string{early, late}, ids)
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	id, err := NewFromTime(at)
	require.NoError(t, err)
	require.Equal(t, at.UnixMilli(), id.Time().UnixMilli())
}
