// Pomelo caches rendered page payloads and their transient UI state across client navigations.
// This module defines the cache key, the priority tiers that drive eviction order, and the
// entry record the store accounts for byte by byte.

package cache

import (
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Key uniquely identifies a cacheable view instance: the page type plus a stable hash of the
// parameters that affect its content. Two different filter states for the same page type are
// different keys and different cache slots.
type Key string

// NewKey builds a Key from a page type and the parameters (active filters, search term, ...)
// that shape the page's content. Parameters are hashed in sorted order so the key is stable
// regardless of map iteration order.
func NewKey(pageType string, params map[string]string) Key {
	if len(params) == 0 {
		return Key(pageType + ":0")
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	digest := xxhash.New()
	for _, name := range names {
		// Separators keep ("a","bc") and ("ab","c") from hashing the same.
		_, _ = digest.WriteString(name)
		_, _ = digest.WriteString("\x00")
		_, _ = digest.WriteString(params[name])
		_, _ = digest.WriteString("\x01")
	}
	return Key(pageType + ":" + strconv.FormatUint(digest.Sum64(), 16))
}

// PageType returns the page type portion of the key.
func (k Key) PageType() string {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return string(k[:i])
		}
	}
	return string(k)
}

// UIState is an opaque blob owned by the view layer: scroll offset, expanded panels, in-progress
// search text, pagination cursor. The cache stores and returns it verbatim and never inspects it.
type UIState []byte

// Tier is the coarse priority classification controlling eviction order independent of recency.
// Lower tiers are evicted first.
type Tier uint8

const (
	TierBackground Tier = iota
	TierRecent
	TierActive
	TierPinned // Never evicted: the current page, or a page carrying unsynced user input.
)

// tierCount is the number of tiers; used to size the per-tier bucket lists.
const tierCount = 4

func (t Tier) String() string {
	switch t {
	case TierBackground:
		return "background"
	case TierRecent:
		return "recent"
	case TierActive:
		return "active"
	case TierPinned:
		return "pinned"
	default:
		return "unknown"
	}
}

// Entry is a single cached page snapshot. All fields are owned by the Store; callers must treat
// a returned *Entry as read-only.
type Entry struct {
	Key     Key
	Payload []byte
	UIState UIState
	// SizeBytes is the measured size of Payload plus UIState, computed at write time and never
	// re-estimated afterwards.
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time // Updated on every successful Get, never on Put alone.
	AccessCount    int64
	Tier           Tier
	StaleAfter     time.Time // CreatedAt + TTL; a successful refresh resets both.

	// idle marks an entry unvisited past the inactivity cutoff; the eviction pass treats it as
	// TierBackground regardless of its prior classification.
	idle bool
}

// Stale reports whether the entry's TTL has elapsed at the given instant.
func (e *Entry) Stale(now time.Time) bool {
	return now.After(e.StaleAfter)
}

// entrySize measures the serialized size of a payload and UI state pair.
func entrySize(payload []byte, uiState UIState) int64 {
	return int64(len(payload)) + int64(len(uiState))
}
