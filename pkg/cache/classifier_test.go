package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nobletooth/pomelo/pkg/utils"
)

func TestClassify(t *testing.T) {
	utils.SetTestFlag(t, "cache_active_page_types", "dashboard,profile")
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	entry := func(pageType string, sinceAccess time.Duration) *Entry {
		return &Entry{Key: NewKey(pageType, nil), LastAccessedAt: now.Add(-sinceAccess)}
	}

	for _, test := range []struct {
		name             string
		entry            *Entry
		isCurrentPage    bool
		hasUnsyncedInput bool
		want             Tier
	}{
		{name: "CurrentPageIsPinned", entry: entry("notes", time.Hour), isCurrentPage: true, want: TierPinned},
		{name: "UnsyncedInputIsPinned", entry: entry("notes", time.Hour), hasUnsyncedInput: true, want: TierPinned},
		{name: "ActiveTypeRecentlyAccessed", entry: entry("dashboard", 5*time.Minute), want: TierActive},
		{name: "ActiveTypeAtWindowEdge", entry: entry("dashboard", 10*time.Minute), want: TierActive},
		{name: "ActiveTypePastWindow", entry: entry("dashboard", 11*time.Minute), want: TierRecent},
		{name: "PlainTypeRecentlyAccessed", entry: entry("notes", 5*time.Minute), want: TierRecent},
		{name: "PlainTypeAtWindowEdge", entry: entry("notes", 30*time.Minute), want: TierRecent},
		{name: "PlainTypePastWindow", entry: entry("notes", 31*time.Minute), want: TierBackground},
		{name: "ActiveTypeLongIdle", entry: entry("profile", time.Hour), want: TierBackground},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := Classify(test.entry, test.isCurrentPage, test.hasUnsyncedInput, now)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestIsActivePageType(t *testing.T) {
	utils.SetTestFlag(t, "cache_active_page_types", "dashboard, profile")
	assert.True(t, isActivePageType("dashboard"))
	assert.True(t, isActivePageType("profile"), "Whitespace around configured types is ignored.")
	assert.False(t, isActivePageType("notes"))
}
