// Package pagination provides cursor-based pagination over ordered
// snapshots.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor is a position in a list ordered by Key descending, then ID
// ascending. Risk records use score as the key and account id as the ID.
type Cursor struct {
	Key int64
	ID  string
}

// Follows reports whether (key, id) sorts strictly after c.
func (c Cursor) Follows(key int64, id string) bool {
	if key != c.Key {
		return key < c.Key
	}
	return id > c.ID
}

// Encode returns an opaque cursor string.
func Encode(c Cursor) string {
	raw := fmt.Sprintf("%d|%s", c.Key, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor")
	}
	key, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{Key: key, ID: parts[1]}, nil
}

// Page returns up to limit items following after (from the start when after
// is nil) and the cursor of the next page, empty when there is none. items
// must already be in cursor order.
func Page[T any](items []T, after *Cursor, limit int, keyOf func(T) Cursor) ([]T, string) {
	start := 0
	if after != nil {
		start = len(items)
		for i, it := range items {
			k := keyOf(it)
			if after.Follows(k.Key, k.ID) {
				start = i
				break
			}
		}
	}
	items = items[start:]
	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, Encode(keyOf(items[len(items)-1]))
}
