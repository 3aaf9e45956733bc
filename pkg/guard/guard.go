// The guard is the hydration entry point the view layer talks to. Resolving a key returns a
// cached snapshot synchronously on a hit (kicking a background refresh without awaiting it) and
// a tagged miss otherwise - nothing from this subsystem ever propagates an error across the
// hydration boundary. A miss while offline for a key that was never cached is distinguished so
// the view can render offline messaging instead of a generic error.

package guard

import (
	"context"
	"flag"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nobletooth/pomelo/pkg/cache"
	"github.com/nobletooth/pomelo/pkg/persist"
	"github.com/nobletooth/pomelo/pkg/refresh"
)

var (
	seenKeysEstimate = flag.Uint("guard_seen_keys_estimate", 4096,
		"Expected number of distinct keys per session, used to size the ever-cached filter.")

	resolvesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "page_resolves_total",
		Help: "Total number of navigation resolve calls.",
	}, []string{"status" /* hit | miss | offline_miss */})
)

// Status tags a Resolve outcome.
type Status uint8

const (
	StatusHit Status = iota
	StatusMiss
	// StatusOfflineMiss means the device is offline and the key was never cached; the view
	// layer should render offline messaging instead of fetching.
	StatusOfflineMiss
)

func (s Status) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusMiss:
		return "miss"
	case StatusOfflineMiss:
		return "offline_miss"
	default:
		return "unknown"
	}
}

// Resolution is the tagged result of a Resolve call. Entry is set only on StatusHit.
type Resolution struct {
	Status Status
	Entry  *cache.Entry
}

// NetworkStatus is the external online/offline signal.
type NetworkStatus interface {
	Online() bool
}

// Subscriber is invoked when a background refresh lands for a subscribed key. updated is the
// collaborator-supplied diff signal: true when the payload changed materially.
type Subscriber func(e *cache.Entry, updated bool)

// Guard wires the store, the refresh scheduler, and the optional persistence adapter behind the
// navigation-time hydration contract.
type Guard struct {
	store     *cache.Store
	scheduler *refresh.Scheduler
	adapter   persist.Adapter // Warm-start read-through; may be nil.
	network   NetworkStatus   // May be nil, which is treated as always online.

	mux       sync.Mutex
	subs      map[cache.Key]map[int]Subscriber
	nextSubID int
	// everCached answers "was this key ever resident" for offline-miss tagging with bounded
	// memory over a long session of distinct keys. A false positive downgrades an offline miss
	// to a plain miss; there are no false negatives.
	everCached *bloom.BloomFilter
}

// GuardOption configures a Guard at construction time.
type GuardOption func(*Guard, *[]refresh.SchedulerOption)

// WithAdapter enables the warm-start read-through against the given adapter. Pass the same
// adapter the store writes through to.
func WithAdapter(adapter persist.Adapter) GuardOption {
	return func(g *Guard, _ *[]refresh.SchedulerOption) { g.adapter = adapter }
}

// WithNetworkStatus wires the online/offline collaborator.
func WithNetworkStatus(network NetworkStatus) GuardOption {
	return func(g *Guard, _ *[]refresh.SchedulerOption) { g.network = network }
}

// WithSchedulerOptions forwards options to the internally constructed refresh scheduler.
func WithSchedulerOptions(opts ...refresh.SchedulerOption) GuardOption {
	return func(_ *Guard, schedOpts *[]refresh.SchedulerOption) {
		*schedOpts = append(*schedOpts, opts...)
	}
}

// New builds a guard over the store and the external fetch collaborator. The guard constructs
// its own refresh scheduler so landed refreshes feed the subscription dispatch.
func New(store *cache.Store, fetcher refresh.Fetcher, opts ...GuardOption) *Guard {
	g := &Guard{
		store:      store,
		subs:       make(map[cache.Key]map[int]Subscriber),
		everCached: bloom.NewWithEstimates(*seenKeysEstimate, 0.01),
	}
	schedOpts := []refresh.SchedulerOption{refresh.WithNotify(g.dispatch)}
	for _, opt := range opts {
		opt(g, &schedOpts)
	}
	g.scheduler = refresh.NewScheduler(store, fetcher, schedOpts...)
	return g
}

// Resolve returns the cached snapshot for key if present, evaluating a background refresh on
// every hit. It never blocks on the network and never returns an error.
func (g *Guard) Resolve(ctx context.Context, key cache.Key) Resolution {
	if e, found := g.store.Get(key); found {
		g.markCached(key)
		resolvesMetric.WithLabelValues("hit").Inc()
		g.scheduler.MaybeRefresh(ctx, key) // Fire and forget.
		return Resolution{Status: StatusHit, Entry: e}
	}
	if e, found := g.readThrough(key); found { // Warm start from the durable copy.
		g.markCached(key)
		resolvesMetric.WithLabelValues("hit").Inc()
		g.scheduler.MaybeRefresh(ctx, key)
		return Resolution{Status: StatusHit, Entry: e}
	}
	if g.offline() && !g.wasEverCached(key) {
		resolvesMetric.WithLabelValues("offline_miss").Inc()
		return Resolution{Status: StatusOfflineMiss}
	}
	resolvesMetric.WithLabelValues("miss").Inc()
	return Resolution{Status: StatusMiss}
}

// Put stores a freshly fetched page; the view layer calls this after a miss.
func (g *Guard) Put(key cache.Key, payload []byte, uiState cache.UIState) *cache.Entry {
	g.markCached(key)
	return g.store.Put(key, payload, uiState)
}

// SaveUIState writes the view layer's UI snapshot back into the entry; the snapshot is owned by
// the cache, so this is the only write path for it.
func (g *Guard) SaveUIState(key cache.Key, uiState cache.UIState) bool {
	return g.store.UpdateUIState(key, uiState)
}

// SetCurrentPage reports which page is on screen; its entry classifies as pinned.
func (g *Guard) SetCurrentPage(key cache.Key) {
	g.store.SetCurrentPage(key)
}

// SetUnsyncedInput reports whether the page behind key carries not-yet-synced user input.
func (g *Guard) SetUnsyncedInput(key cache.Key, hasUnsynced bool) {
	g.store.SetUnsyncedInput(key, hasUnsynced)
}

// Subscribe registers cb to run whenever a background refresh lands for key; the returned
// cancel function unregisters it.
func (g *Guard) Subscribe(key cache.Key, cb Subscriber) (cancel func()) {
	g.mux.Lock()
	defer g.mux.Unlock()

	id := g.nextSubID
	g.nextSubID++
	if g.subs[key] == nil {
		g.subs[key] = make(map[int]Subscriber)
	}
	g.subs[key][id] = cb
	return func() {
		g.mux.Lock()
		defer g.mux.Unlock()
		delete(g.subs[key], id)
		if len(g.subs[key]) == 0 {
			delete(g.subs, key)
		}
	}
}

// Invalidate force-evicts key (e.g. after the underlying data is known to have changed).
func (g *Guard) Invalidate(key cache.Key) bool {
	return g.store.ForceEvict(key)
}

// InvalidateAll force-evicts every resident key matching pred; a nil pred matches everything.
// It returns how many entries were evicted.
func (g *Guard) InvalidateAll(pred func(cache.Key) bool) int {
	evicted := 0
	for _, key := range g.store.Keys() {
		if pred != nil && !pred(key) {
			continue
		}
		if g.store.ForceEvict(key) {
			evicted++
		}
	}
	return evicted
}

// OnOnline handles the came-back-online edge with one eager refresh pass over stale entries.
func (g *Guard) OnOnline(ctx context.Context) {
	g.scheduler.RefreshAllStale(ctx)
}

// Stats returns the operational snapshot for dashboards.
func (g *Guard) Stats() cache.Stats {
	return g.store.Stats()
}

// readThrough hydrates key from the persistence adapter. Undecodable blobs (corrupt data or an
// incompatible schema tag) are logged and purged, never surfaced as errors.
func (g *Guard) readThrough(key cache.Key) (*cache.Entry, bool) {
	if g.adapter == nil {
		return nil, false
	}
	blob, found, err := g.adapter.Read(string(key))
	if err != nil {
		slog.Warn("Persisted read failed; treating as a miss.", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	rec, err := persist.DecodeRecord(blob)
	if err != nil {
		slog.Warn("Purging undecodable persisted entry.", "key", key, "error", err)
		_ = g.adapter.Delete(string(key))
		return nil, false
	}
	if e, restored := g.store.Restore(key, rec); restored {
		return e, true
	}
	// A live entry landed concurrently; serve that one.
	return g.store.Peek(key)
}

func (g *Guard) offline() bool {
	return g.network != nil && !g.network.Online()
}

func (g *Guard) markCached(key cache.Key) {
	g.mux.Lock()
	defer g.mux.Unlock()
	g.everCached.Add([]byte(key))
}

func (g *Guard) wasEverCached(key cache.Key) bool {
	g.mux.Lock()
	defer g.mux.Unlock()
	return g.everCached.Test([]byte(key))
}

// dispatch fans a landed refresh out to the key's subscribers, outside the guard lock so
// callbacks may call back into the guard.
func (g *Guard) dispatch(key cache.Key, e *cache.Entry, updated bool) {
	g.mux.Lock()
	callbacks := slices.Collect(maps.Values(g.subs[key]))
	g.mux.Unlock()
	for _, cb := range callbacks {
		cb(e, updated)
	}
}
