package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Cursor is the decoded position of a list page: the (createdAt, id) tuple of
// the last row returned. The ID tie-break makes the ordering total even when
// timestamps collide.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// String renders the cursor in the {isoTimestamp}_{id} wire format.
func (c Cursor) String() string {
	return c.CreatedAt.UTC().Format(time.RFC3339Nano) + "_" + c.ID
}

// ParseCursor parses the {isoTimestamp}_{id} wire format. The ID must be a
// valid ULID; anything else maps to ErrInvalidContinuationToken.
func ParseCursor(s string) (Cursor, error) {
	idx := strings.LastIndex(s, "_")
	if idx <= 0 || idx == len(s)-1 {
		return Cursor{}, fmt.Errorf("malformed cursor %q: %w", s, ErrInvalidContinuationToken)
	}

	ts, err := time.Parse(time.RFC3339Nano, s[:idx])
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor timestamp: %w", ErrInvalidContinuationToken)
	}

	rawID := s[idx+1:]
	if _, err := ulid.ParseStrict(rawID); err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor id: %w", ErrInvalidContinuationToken)
	}

	return Cursor{CreatedAt: ts, ID: rawID}, nil
}
