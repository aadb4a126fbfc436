package graphkb

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// cursorPrefix matches the graphql-relay array connection cursors so that
// relay clients can decode what this package encodes and vice versa.
const cursorPrefix = "arrayconnection:"

// OffsetToCursor encodes a zero-based absolute offset as an opaque cursor.
func OffsetToCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// CursorToOffset decodes a cursor produced by OffsetToCursor.
func CursorToOffset(cursor string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: missing %q prefix", ErrInvalidCursor, cursorPrefix)
	}
	offset, err := strconv.Atoi(s)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: bad offset %q", ErrInvalidCursor, s)
	}
	return offset, nil
}
