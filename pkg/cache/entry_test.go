package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewKey(t *testing.T) {
	t.Run("StableAcrossCalls", func(t *testing.T) {
		params := map[string]string{"filter": "open", "sort": "date"}
		assert.Equal(t, NewKey("notes", params), NewKey("notes", params))
	})
	t.Run("IndependentOfInsertionOrder", func(t *testing.T) {
		first := map[string]string{"filter": "open", "sort": "date", "q": "milk"}
		second := map[string]string{"q": "milk", "sort": "date", "filter": "open"}
		assert.Equal(t, NewKey("notes", first), NewKey("notes", second))
	})
	t.Run("DifferentParamsDifferentKeys", func(t *testing.T) {
		open := NewKey("notes", map[string]string{"filter": "open"})
		closed := NewKey("notes", map[string]string{"filter": "closed"})
		assert.NotEqual(t, open, closed)
	})
	t.Run("SeparatorsPreventAmbiguity", func(t *testing.T) {
		a := NewKey("notes", map[string]string{"a": "bc"})
		b := NewKey("notes", map[string]string{"ab": "c"})
		assert.NotEqual(t, a, b)
	})
	t.Run("EmptyParams", func(t *testing.T) {
		assert.Equal(t, Key("settings:0"), NewKey("settings", nil))
	})
}

func TestKey_PageType(t *testing.T) {
	assert.Equal(t, "notes", NewKey("notes", map[string]string{"filter": "open"}).PageType())
	assert.Equal(t, "settings", NewKey("settings", nil).PageType())
}

func TestEntry_Stale(t *testing.T) {
	deadline := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	entry := &Entry{StaleAfter: deadline}
	assert.False(t, entry.Stale(deadline.Add(-time.Second)))
	assert.False(t, entry.Stale(deadline), "An entry is served as fresh until strictly past its deadline.")
	assert.True(t, entry.Stale(deadline.Add(time.Second)))
}
