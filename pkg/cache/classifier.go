// Priority classification assigns each entry to an eviction tier from its page type, recency,
// and whether the view layer reports it as the current page or as carrying unsynced user input.
// The rules are evaluated in order; the first match wins. Classification is re-run on every Get
// and on the periodic sweep so idle entries age out of Active even without being accessed.

package cache

import (
	"flag"
	"strings"
	"time"
)

var activePageTypes = flag.String("cache_active_page_types", "dashboard,profile",
	"Comma-separated page types eligible for the Active tier when recently accessed.")

const (
	// activeWindow is how recently an entry of an active page type must have been accessed to
	// stay in TierActive.
	activeWindow = 10 * time.Minute
	// recentWindow is how recently any entry must have been accessed to stay in TierRecent.
	recentWindow = 30 * time.Minute
)

// Classify returns the priority tier for an entry. It is a pure function of the entry's page
// type and access recency plus the two view-layer signals; it never mutates the entry.
func Classify(e *Entry, isCurrentPage, hasUnsyncedInput bool, now time.Time) Tier {
	if isCurrentPage || hasUnsyncedInput {
		return TierPinned
	}
	sinceAccess := now.Sub(e.LastAccessedAt)
	if isActivePageType(e.Key.PageType()) && sinceAccess <= activeWindow {
		return TierActive
	}
	if sinceAccess <= recentWindow {
		return TierRecent
	}
	return TierBackground
}

// isActivePageType reports whether the page type is configured as Active-tier eligible.
func isActivePageType(pageType string) bool {
	for _, active := range strings.Split(*activePageTypes, ",") {
		if strings.TrimSpace(active) == pageType {
			return true
		}
	}
	return false
}
