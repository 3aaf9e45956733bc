// The store is the single authority over cached entries: every mutation of the entry index and
// its byte accounting funnels through the methods here, so `totalBytes` always equals the sum of
// the resident entries' sizes. Eviction is strict LRU within each priority band, lowest band
// first, and pinned entries are never evicted. Durability is write-through to an optional
// persistence adapter; the in-memory copy stays valid regardless of adapter failures.

package cache

import (
	"errors"
	"flag"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nobletooth/pomelo/pkg/persist"
	"github.com/nobletooth/pomelo/pkg/utils"
)

var (
	capacityBytes = flag.Int64("cache_capacity_bytes", 50<<20,
		"Maximum total size of cached payloads in bytes.")
	entryTtl = flag.Duration("cache_entry_ttl", 5*time.Minute,
		"Time after which a cached entry is considered stale.")

	storeLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "page_cache_lookups_total",
		Help: "Total number of page cache lookups.",
	}, []string{"status" /* hit | miss */})
	storeEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "page_cache_evictions_total",
		Help: "Total number of page cache evictions.",
	}, []string{"reason"})
	storeSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "page_cache_total_bytes",
		Help: "Current total size of cached payloads in bytes.",
	})
	storeEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "page_cache_entries",
		Help: "Current number of cached entries.",
	})
)

// EvictReason labels why an entry left the store; it is handed to the eviction callback and used
// as the metric label.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity" // Size cap exceeded after a write.
	EvictPressure EvictReason = "pressure" // Memory pressure shrink pass.
	EvictExplicit EvictReason = "explicit" // Explicit invalidation.
	EvictQuota    EvictReason = "quota"    // Freed to make room in the persistence layer.
)

// Store is the in-memory index of cache entries with exact byte-size accounting.
type Store struct {
	mux   sync.Mutex
	index map[Key]*listNode[*Entry]
	// tiers holds one bucket list per priority tier; an entry's node always lives in
	// tiers[entry.Tier].
	tiers      [tierCount]bucketList[*Entry]
	totalBytes int64
	capacity   int64
	ttl        time.Duration
	now        func() time.Time
	adapter    persist.Adapter // Optional durability; nil keeps the cache memory-only.
	// onEvict is invoked for every removed entry. It runs under the store lock, so it must not
	// call back into the store.
	onEvict     func(*Entry, EvictReason)
	currentPage Key
	unsynced    map[Key]bool
	hits        int64
	misses      int64
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithNow overrides the wall clock; tests use it to make recency and TTL deterministic.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithAdapter enables write-through durability via the given persistence adapter.
func WithAdapter(adapter persist.Adapter) Option {
	return func(s *Store) { s.adapter = adapter }
}

// WithEvictionCallback registers a callback run for every evicted entry.
// NOTE: the callback runs while the store lock is held and must not call any store methods.
func WithEvictionCallback(cb func(*Entry, EvictReason)) Option {
	return func(s *Store) { s.onEvict = cb }
}

// NewStore builds a store capped at the configured capacity.
func NewStore(opts ...Option) *Store {
	capacity := *capacityBytes
	if capacity <= 0 {
		utils.RaiseInvariant("store", "non_positive_capacity",
			"Invalid capacity has been configured for the page cache.", "capacityBytes", capacity)
		capacity = 50 << 20
	}
	s := &Store{
		index:    make(map[Key]*listNode[*Entry]),
		capacity: capacity,
		ttl:      *entryTtl,
		now:      time.Now,
		unsynced: make(map[Key]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the entry for key and touches its recency and frequency fields. It never performs
// I/O and runs in O(1).
func (s *Store) Get(key Key) (*Entry, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()

	node, found := s.index[key]
	if !found {
		s.misses++
		storeLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	e := node.Value
	e.LastAccessedAt = s.now()
	e.AccessCount++
	e.idle = false
	s.reclassifyLocked(node)
	s.hits++
	storeLookups.WithLabelValues("hit").Inc()
	return e, true
}

// Peek returns the entry for key without touching its recency or frequency fields and without
// counting towards hit/miss stats.
func (s *Store) Peek(key Key) (*Entry, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	node, found := s.index[key]
	if !found {
		return nil, false
	}
	return node.Value, true
}

// Contains reports whether key is resident without touching the entry.
func (s *Store) Contains(key Key) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	_, found := s.index[key]
	return found
}

// Put computes the entry size, inserts or replaces the entry for key, and runs the eviction pass
// if the store exceeds its capacity. Replacing an existing entry discards its history; use
// PutRefresh to carry access counts and tier over.
func (s *Store) Put(key Key, payload []byte, uiState UIState) *Entry {
	s.mux.Lock()
	defer s.mux.Unlock()

	now := s.now()
	e := &Entry{
		Key:            key,
		Payload:        payload,
		UIState:        uiState,
		SizeBytes:      entrySize(payload, uiState),
		CreatedAt:      now,
		LastAccessedAt: now,
		StaleAfter:     now.Add(s.ttl),
	}
	if old, exists := s.index[key]; exists { // Replacement, not an eviction.
		s.tiers[old.Value.Tier].Remove(old)
		delete(s.index, key)
		s.totalBytes -= old.Value.SizeBytes
	}
	s.insertLocked(e)
	s.persistLocked(e)
	if s.totalBytes > s.capacity {
		s.evictUntilLocked(s.capacity, nil /*exempt*/, EvictCapacity)
	}
	return e
}

// PutRefresh applies a background-refresh result to an existing entry, carrying its access
// count, tier, and UI state over and resetting its TTL cycle. It returns false when the result
// must be discarded: the key is no longer resident (evicted while the refresh was in flight) or
// createdAt is older than the stored entry's (monotonic-freshness invariant).
func (s *Store) PutRefresh(key Key, payload []byte, createdAt time.Time) (*Entry, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()

	node, found := s.index[key]
	if !found {
		return nil, false
	}
	e := node.Value
	if createdAt.Before(e.CreatedAt) {
		return nil, false
	}

	s.totalBytes -= e.SizeBytes
	e.Payload = payload
	e.SizeBytes = entrySize(payload, e.UIState)
	e.CreatedAt = createdAt
	e.StaleAfter = createdAt.Add(s.ttl)
	s.totalBytes += e.SizeBytes
	s.syncGaugesLocked()

	s.persistLocked(e)
	if s.totalBytes > s.capacity {
		s.evictUntilLocked(s.capacity, nil /*exempt*/, EvictCapacity)
	}
	return e, true
}

// UpdateUIState replaces the UI state snapshot of a resident entry, keeping the byte accounting
// exact. The view layer writes its snapshot back through here on navigation away from a page.
func (s *Store) UpdateUIState(key Key, uiState UIState) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	node, found := s.index[key]
	if !found {
		return false
	}
	e := node.Value
	s.totalBytes -= e.SizeBytes
	e.UIState = uiState
	e.SizeBytes = entrySize(e.Payload, uiState)
	s.totalBytes += e.SizeBytes
	s.syncGaugesLocked()
	s.persistLocked(e)
	if s.totalBytes > s.capacity {
		s.evictUntilLocked(s.capacity, nil /*exempt*/, EvictCapacity)
	}
	return true
}

// Restore hydrates an entry read back from the persistence adapter. A live entry for the same
// key wins over the persisted copy. The restored entry counts as freshly accessed.
func (s *Store) Restore(key Key, rec persist.Record) (*Entry, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, exists := s.index[key]; exists {
		return nil, false
	}
	now := s.now()
	e := &Entry{
		Key:            key,
		Payload:        rec.Payload,
		UIState:        rec.UIState,
		SizeBytes:      entrySize(rec.Payload, rec.UIState),
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: now,
		AccessCount:    rec.AccessCount + 1,
		StaleAfter:     rec.StaleAfter,
	}
	s.insertLocked(e)
	if s.totalBytes > s.capacity {
		s.evictUntilLocked(s.capacity, nil /*exempt*/, EvictCapacity)
	}
	return e, true
}

// EvictUntil removes the lowest-ranked entries until totalBytes <= targetBytes, or until only
// pinned entries remain, whichever comes first.
func (s *Store) EvictUntil(targetBytes int64) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.evictUntilLocked(targetBytes, nil /*exempt*/, EvictCapacity)
}

// ForceEvict removes key regardless of its ranking (explicit invalidation). It returns whether
// an entry was removed.
func (s *Store) ForceEvict(key Key) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	node, found := s.index[key]
	if !found {
		return false
	}
	s.removeLocked(node, EvictExplicit)
	return true
}

// ShrinkBy evicts until the store holds at most (1 - fraction) of its current bytes. The current
// page's entry and the two most-recently-accessed non-pinned entries are exempt from this pass.
func (s *Store) ShrinkBy(fraction float64) {
	if fraction <= 0 || fraction > 1 {
		utils.RaiseInvariant("store", "invalid_shrink_fraction",
			"Shrink fraction must be in (0, 1].", "fraction", fraction)
		return
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	targetBytes := int64(float64(s.totalBytes) * (1 - fraction))
	exempt := make(map[Key]bool, 3)
	if s.currentPage != "" {
		exempt[s.currentPage] = true
	}
	var first, second *Entry
	for _, node := range s.index {
		e := node.Value
		if e.Tier == TierPinned {
			continue
		}
		switch {
		case first == nil || e.LastAccessedAt.After(first.LastAccessedAt):
			first, second = e, first
		case second == nil || e.LastAccessedAt.After(second.LastAccessedAt):
			second = e
		}
	}
	if first != nil {
		exempt[first.Key] = true
	}
	if second != nil {
		exempt[second.Key] = true
	}
	s.evictUntilLocked(targetBytes, exempt, EvictPressure)
}

// MarkIdleBefore flags every non-pinned entry last accessed before cutoff so the next eviction
// pass treats it as TierBackground regardless of its prior classification. It returns how many
// entries were flagged.
func (s *Store) MarkIdleBefore(cutoff time.Time) int {
	s.mux.Lock()
	defer s.mux.Unlock()

	flagged := 0
	for _, node := range s.index {
		e := node.Value
		if e.Tier == TierPinned || e.idle {
			continue
		}
		if e.LastAccessedAt.Before(cutoff) {
			e.idle = true
			s.moveLocked(node, TierBackground)
			flagged++
		}
	}
	return flagged
}

// Sweep re-evaluates every entry's tier so idle entries age out of Active without being
// accessed.
func (s *Store) Sweep() {
	s.mux.Lock()
	defer s.mux.Unlock()
	for _, node := range s.index {
		s.reclassifyLocked(node)
	}
}

// SetCurrentPage pins the entry for key (if resident) and reclassifies the previously current
// page. An empty key clears the current page.
func (s *Store) SetCurrentPage(key Key) {
	s.mux.Lock()
	defer s.mux.Unlock()

	prev := s.currentPage
	s.currentPage = key
	if node, found := s.index[prev]; found {
		s.reclassifyLocked(node)
	}
	if node, found := s.index[key]; found {
		node.Value.idle = false
		s.reclassifyLocked(node)
	}
}

// CurrentPage returns the key the view layer reported as currently on screen.
func (s *Store) CurrentPage() Key {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.currentPage
}

// SetUnsyncedInput records whether the page behind key carries user input that has not been
// synced yet; such pages classify as pinned and are never evicted.
func (s *Store) SetUnsyncedInput(key Key, hasUnsynced bool) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if hasUnsynced {
		s.unsynced[key] = true
	} else {
		delete(s.unsynced, key)
	}
	if node, found := s.index[key]; found {
		s.reclassifyLocked(node)
	}
}

// Keys returns the keys of all resident entries.
func (s *Store) Keys() []Key {
	s.mux.Lock()
	defer s.mux.Unlock()
	return slices.Collect(maps.Keys(s.index))
}

// Len returns the number of resident entries.
func (s *Store) Len() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.index)
}

// TotalBytes returns the current accounted size of the store.
func (s *Store) TotalBytes() int64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.totalBytes
}

// Stats is the operational snapshot exposed to management tooling.
type Stats struct {
	Hits       int64
	Misses     int64
	Entries    int
	HitRate    float64
	TotalBytes int64
	ByTier     map[string]int
}

// Stats returns a consistent snapshot of the store's counters.
func (s *Store) Stats() Stats {
	s.mux.Lock()
	defer s.mux.Unlock()

	byTier := make(map[string]int, tierCount)
	for tier := Tier(0); tier < tierCount; tier++ {
		byTier[tier.String()] = s.tiers[tier].Len()
	}
	hitRate := 0.0
	if lookups := s.hits + s.misses; lookups > 0 {
		hitRate = float64(s.hits) / float64(lookups)
	}
	return Stats{
		Hits:       s.hits,
		Misses:     s.misses,
		Entries:    len(s.index),
		HitRate:    hitRate,
		TotalBytes: s.totalBytes,
		ByTier:     byTier,
	}
}

// insertLocked classifies and indexes a brand-new entry and accounts for its size.
func (s *Store) insertLocked(e *Entry) {
	e.Tier = Classify(e, e.Key == s.currentPage, s.unsynced[e.Key], s.now())
	s.index[e.Key] = s.tiers[e.Tier].PushFront(e)
	s.totalBytes += e.SizeBytes
	s.syncGaugesLocked()
}

// reclassifyLocked recomputes the entry's tier and moves its node between bucket lists when the
// tier changed.
func (s *Store) reclassifyLocked(node *listNode[*Entry]) {
	e := node.Value
	newTier := Classify(e, e.Key == s.currentPage, s.unsynced[e.Key], s.now())
	if e.idle && newTier != TierPinned { // Idle entries stay Background until the next access.
		newTier = TierBackground
	}
	if newTier != e.Tier {
		s.moveLocked(node, newTier)
	}
}

// moveLocked relocates an entry's node to the bucket list of the given tier.
func (s *Store) moveLocked(node *listNode[*Entry], tier Tier) {
	e := node.Value
	s.tiers[e.Tier].Remove(node)
	e.Tier = tier
	s.index[e.Key] = s.tiers[tier].PushFront(e)
}

// victimLocked returns the next eviction victim: the least-recently-used non-exempt entry of the
// lowest non-empty tier. Pinned entries are never candidates. Returns nil when only pinned or
// exempt entries remain.
func (s *Store) victimLocked(exempt map[Key]bool) *listNode[*Entry] {
	for tier := TierBackground; tier < TierPinned; tier++ {
		var oldest *listNode[*Entry]
		for node := s.tiers[tier].Front(); node != nil; node = node.Next() {
			if exempt[node.Value.Key] {
				continue
			}
			if oldest == nil || node.Value.LastAccessedAt.Before(oldest.Value.LastAccessedAt) {
				oldest = node
			}
		}
		if oldest != nil {
			return oldest
		}
	}
	return nil
}

// evictUntilLocked removes lowest-ranked entries until totalBytes <= targetBytes or no
// evictable entry remains.
func (s *Store) evictUntilLocked(targetBytes int64, exempt map[Key]bool, reason EvictReason) {
	for s.totalBytes > targetBytes {
		victim := s.victimLocked(exempt)
		if victim == nil { // Only pinned or exempt entries remain.
			return
		}
		s.removeLocked(victim, reason)
	}
}

// removeLocked unindexes the entry, fixes the accounting, drops its durable copy, and fires the
// eviction callback.
func (s *Store) removeLocked(node *listNode[*Entry], reason EvictReason) {
	e := node.Value
	s.tiers[e.Tier].Remove(node)
	delete(s.index, e.Key)
	s.totalBytes -= e.SizeBytes
	if s.totalBytes < 0 {
		utils.RaiseInvariant("store", "negative_total_bytes",
			"Byte accounting drifted below zero after an eviction.", "key", e.Key)
		s.totalBytes = 0
	}
	storeEvictions.WithLabelValues(string(reason)).Inc()
	s.syncGaugesLocked()

	if s.adapter != nil {
		if err := s.adapter.Delete(string(e.Key)); err != nil {
			slog.Warn("Failed to delete persisted entry.", "key", e.Key, "error", err)
		}
	}
	if s.onEvict != nil {
		s.onEvict(e, reason)
	}
}

// persistLocked writes the entry through to the adapter. On a quota rejection it evicts one
// additional entry and retries once; after that the entry stays memory-only, which is not an
// error.
func (s *Store) persistLocked(e *Entry) {
	if s.adapter == nil {
		return
	}
	blob := persist.EncodeRecord(persist.Record{
		Payload:     e.Payload,
		UIState:     e.UIState,
		CreatedAt:   e.CreatedAt,
		StaleAfter:  e.StaleAfter,
		AccessCount: e.AccessCount,
	})
	err := s.adapter.Write(string(e.Key), blob)
	if errors.Is(err, persist.ErrQuotaExceeded) {
		if victim := s.victimLocked(map[Key]bool{e.Key: true}); victim != nil {
			s.removeLocked(victim, EvictQuota)
		}
		err = s.adapter.Write(string(e.Key), blob)
	}
	if err != nil {
		slog.Warn("Entry not persisted; keeping it memory-only.", "key", e.Key, "error", err)
	}
}

func (s *Store) syncGaugesLocked() {
	storeSizeGauge.Set(float64(s.totalBytes))
	storeEntriesGauge.Set(float64(len(s.index)))
}
