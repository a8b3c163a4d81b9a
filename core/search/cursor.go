package search

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fhirstore/persistence/core/fhirerr"
)

// cursorVersion is bumped whenever the encoding changes shape so that an
// older cursor produced by a previous deployment is rejected cleanly
// rather than silently misparsed.
const cursorVersion = 1

// Cursor is the decoded form of an opaque PageCursor: the terminal sort
// key of the previous page plus the terminal resource id used as the
// stable tiebreaker, per §3 and §6.6. SortKey is the string form of
// whatever the query's effective sort key was (default: last_modified
// as RFC3339Nano); ResourceID is always appended as the final tiebreaker.
type Cursor struct {
	SortKey    string
	ResourceID string
}

// Encode produces the opaque, base64url-safe, self-describing cursor
// string for c.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d\x1f%s\x1f%s", cursorVersion, c.SortKey, c.ResourceID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor string produced by Encode. A
// malformed cursor is reported as a search/invalid-cursor error, never
// panics or silently truncates.
func DecodeCursor(encoded string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Cursor{}, fhirerr.InvalidCursor(err)
	}
	parts := strings.SplitN(string(raw), "\x1f", 3)
	if len(parts) != 3 {
		return Cursor{}, fhirerr.InvalidCursor(fmt.Errorf("expected 3 fields, got %d", len(parts)))
	}
	if parts[0] != fmt.Sprintf("%d", cursorVersion) {
		return Cursor{}, fhirerr.InvalidCursor(fmt.Errorf("unsupported cursor version %q", parts[0]))
	}
	return Cursor{SortKey: parts[1], ResourceID: parts[2]}, nil
}

// DefaultMaxPageSize is the server-configured clamp applied to _count
// when no deployment-specific limit is configured.
const DefaultMaxPageSize = 1000

// ClampCount clamps a requested page size to [1, max]. A nil or
// non-positive request falls back to def.
func ClampCount(requested *int, def, max int) int {
	if requested == nil || *requested <= 0 {
		return def
	}
	if *requested > max {
		return max
	}
	return *requested
}
