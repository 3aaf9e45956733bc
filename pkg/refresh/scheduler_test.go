package refresh

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/pomelo/pkg/cache"
	"github.com/nobletooth/pomelo/pkg/utils"
)

// fakeClock is a manually advanced clock shared between a test, its store, and its scheduler.
type fakeClock struct {
	mux     sync.Mutex
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.current = c.current.Add(d)
}

type fetchReply struct {
	result Result
	err    error
}

// fakeFetcher consumes its scripted replies in order; the last reply repeats.
type fakeFetcher struct {
	gate    chan struct{} // When non-nil, every Fetch blocks until the gate closes.
	mux     sync.Mutex
	replies []fetchReply
	calls   int
}

func (f *fakeFetcher) Fetch(context.Context, cache.Key) (Result, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	reply := f.replies[min(f.calls, len(f.replies)-1)]
	f.calls++
	return reply.result, reply.err
}

func (f *fakeFetcher) callCount() int {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.calls
}

// waitRecorder replaces real sleeps: it records each requested duration and advances the fake
// clock by it, so backoff ladders run instantly but stay observable.
type waitRecorder struct {
	clock *fakeClock
	mux   sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) wait(_ context.Context, d time.Duration) bool {
	w.mux.Lock()
	w.waits = append(w.waits, d)
	w.mux.Unlock()
	w.clock.Advance(d)
	return true
}

func (w *waitRecorder) recorded() []time.Duration {
	w.mux.Lock()
	defer w.mux.Unlock()
	return slices.Clone(w.waits)
}

// putStaleEntry writes an entry and pushes the clock past the default TTL.
func putStaleEntry(clock *fakeClock, store *cache.Store, pageType string) cache.Key {
	key := cache.NewKey(pageType, nil)
	store.Put(key, []byte("stale payload"), nil)
	clock.Advance(6 * time.Minute)
	return key
}

func payloadOf(store *cache.Store, key cache.Key) string {
	entry, found := store.Peek(key)
	if !found {
		return ""
	}
	return string(entry.Payload)
}

func TestScheduler_RefreshSuccess(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	key := putStaleEntry(clock, store, "notes")

	var notified atomic.Int64
	fetcher := &fakeFetcher{replies: []fetchReply{{result: Result{Payload: []byte("v2"), Updated: true}}}}
	recorder := &waitRecorder{clock: clock}
	scheduler := NewScheduler(store, fetcher,
		WithNow(clock.Now), WithWait(recorder.wait),
		WithNotify(func(k cache.Key, e *cache.Entry, updated bool) {
			assert.Equal(t, key, k)
			assert.True(t, updated)
			notified.Add(1)
		}))

	scheduler.MaybeRefresh(t.Context(), key)
	require.Eventually(t, func() bool { return payloadOf(store, key) == "v2" }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return notified.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, PhaseFresh, scheduler.Phase(key), "A landed refresh starts a new TTL cycle.")
	entry, _ := store.Peek(key)
	assert.Equal(t, clock.Now(), entry.CreatedAt)
}

func TestScheduler_FreshEntryIsNoOp(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	key := cache.NewKey("notes", nil)
	store.Put(key, []byte("v1"), nil)

	fetcher := &fakeFetcher{replies: []fetchReply{{result: Result{Payload: []byte("v2")}}}}
	scheduler := NewScheduler(store, fetcher, WithNow(clock.Now))

	scheduler.MaybeRefresh(t.Context(), key)
	assert.Equal(t, 0, fetcher.callCount())
	assert.Equal(t, PhaseFresh, scheduler.Phase(key))
}

func TestScheduler_DedupesConcurrentRequests(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	key := putStaleEntry(clock, store, "notes")

	gate := make(chan struct{})
	fetcher := &fakeFetcher{gate: gate, replies: []fetchReply{{result: Result{Payload: []byte("v2")}}}}
	recorder := &waitRecorder{clock: clock}
	scheduler := NewScheduler(store, fetcher, WithNow(clock.Now), WithWait(recorder.wait))

	for range 5 {
		scheduler.MaybeRefresh(t.Context(), key)
	}
	close(gate)

	require.Eventually(t, func() bool { return payloadOf(store, key) == "v2" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fetcher.callCount(), "Concurrent requests for one key collapse into one fetch.")
}

func TestScheduler_BackoffLadder(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	key := putStaleEntry(clock, store, "notes")

	fetcher := &fakeFetcher{replies: []fetchReply{{err: Transient(context.DeadlineExceeded)}}}
	recorder := &waitRecorder{clock: clock}
	scheduler := NewScheduler(store, fetcher, WithNow(clock.Now), WithWait(recorder.wait))

	scheduler.MaybeRefresh(t.Context(), key)
	require.Eventually(t, func() bool { return scheduler.Phase(key) == PhaseFailed }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 4, fetcher.callCount(), "One initial attempt plus three retries.")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, recorder.recorded())
	assert.ErrorIs(t, scheduler.LastError(key), ErrTransient)
	assert.Equal(t, "stale payload", payloadOf(store, key), "The last good payload keeps being served.")

	scheduler.MaybeRefresh(t.Context(), key)
	assert.Equal(t, 4, fetcher.callCount(), "A failed key is not retried within the same TTL cycle.")

	// A write starts a new TTL cycle and re-arms the retries.
	store.Put(key, []byte("rewritten"), nil)
	clock.Advance(6 * time.Minute)
	scheduler.MaybeRefresh(t.Context(), key)
	require.Eventually(t, func() bool { return fetcher.callCount() > 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_FatalErrorFailsImmediately(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	key := putStaleEntry(clock, store, "notes")

	fetcher := &fakeFetcher{replies: []fetchReply{{err: Fatal(context.Canceled)}}}
	recorder := &waitRecorder{clock: clock}
	scheduler := NewScheduler(store, fetcher, WithNow(clock.Now), WithWait(recorder.wait))

	scheduler.MaybeRefresh(t.Context(), key)
	require.Eventually(t, func() bool { return scheduler.Phase(key) == PhaseFailed }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, fetcher.callCount(), "Fatal errors are not retried.")
	assert.Empty(t, recorder.recorded())
	assert.ErrorIs(t, scheduler.LastError(key), ErrFatal)
	assert.Equal(t, "stale payload", payloadOf(store, key))
}

func TestScheduler_DiscardsResultForEvictedEntry(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	key := putStaleEntry(clock, store, "notes")

	var notified atomic.Int64
	gate := make(chan struct{})
	fetcher := &fakeFetcher{gate: gate, replies: []fetchReply{{result: Result{Payload: []byte("v2")}}}}
	scheduler := NewScheduler(store, fetcher, WithNow(clock.Now),
		WithNotify(func(cache.Key, *cache.Entry, bool) { notified.Add(1) }))

	scheduler.MaybeRefresh(t.Context(), key)
	require.True(t, store.ForceEvict(key))
	close(gate)

	require.Eventually(t, func() bool { return scheduler.Phase(key) == PhaseFresh }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, store.Contains(key), "A discarded result must not resurrect the entry.")
	assert.Equal(t, int64(0), notified.Load())
}

func TestScheduler_RetryThenSuccess(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	key := putStaleEntry(clock, store, "notes")

	fetcher := &fakeFetcher{replies: []fetchReply{
		{err: Transient(context.DeadlineExceeded)},
		{result: Result{Payload: []byte("v2"), Updated: true}},
	}}
	recorder := &waitRecorder{clock: clock}
	scheduler := NewScheduler(store, fetcher, WithNow(clock.Now), WithWait(recorder.wait))

	scheduler.MaybeRefresh(t.Context(), key)
	require.Eventually(t, func() bool { return payloadOf(store, key) == "v2" }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, fetcher.callCount())
	assert.Equal(t, []time.Duration{time.Second}, recorder.recorded())
	assert.Equal(t, PhaseFresh, scheduler.Phase(key))
}

func TestScheduler_DefersWhileUserInteracts(t *testing.T) {
	utils.SetTestFlag(t, "refresh_defer_ceiling", "1s")
	utils.SetTestFlag(t, "refresh_idle_poll_interval", "250ms")

	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	key := putStaleEntry(clock, store, "notes")
	store.SetCurrentPage(key)

	var idle atomic.Bool // The user keeps interacting for the whole test.
	fetcher := &fakeFetcher{replies: []fetchReply{{result: Result{Payload: []byte("v2")}}}}
	recorder := &waitRecorder{clock: clock}
	scheduler := NewScheduler(store, fetcher,
		WithNow(clock.Now), WithWait(recorder.wait), WithIdleSignal(idle.Load))

	scheduler.MaybeRefresh(t.Context(), key)
	require.Eventually(t, func() bool { return payloadOf(store, key) == "v2" }, 2*time.Second, 5*time.Millisecond)

	want := []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}
	assert.Equal(t, want, recorder.recorded(), "The refresh polls until the deferral ceiling, then proceeds anyway.")
}

func TestScheduler_NoDeferForOffscreenPage(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	key := putStaleEntry(clock, store, "notes")
	store.SetCurrentPage(cache.NewKey("dashboard", nil)) // A different page is on screen.

	var idle atomic.Bool
	fetcher := &fakeFetcher{replies: []fetchReply{{result: Result{Payload: []byte("v2")}}}}
	recorder := &waitRecorder{clock: clock}
	scheduler := NewScheduler(store, fetcher,
		WithNow(clock.Now), WithWait(recorder.wait), WithIdleSignal(idle.Load))

	scheduler.MaybeRefresh(t.Context(), key)
	require.Eventually(t, func() bool { return payloadOf(store, key) == "v2" }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, recorder.recorded(), "Only the on-screen page defers its refresh.")
}

// A subscriber re-resolving from the landing callback finds the entry already stale again. The
// new request must start a fresh flight rather than joining the finishing one, or the key would
// sit in PhaseRefreshing forever with no fetch running.
func TestScheduler_RefreshDuringTeardownStartsNewFlight(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	key := putStaleEntry(clock, store, "notes")

	fetcher := &fakeFetcher{replies: []fetchReply{{result: Result{Payload: []byte("v2")}}}}
	recorder := &waitRecorder{clock: clock}
	var scheduler *Scheduler
	var reentered atomic.Bool
	notify := func(k cache.Key, _ *cache.Entry, _ bool) {
		if reentered.CompareAndSwap(false, true) {
			clock.Advance(6 * time.Minute) // The landed payload is immediately stale again.
			scheduler.MaybeRefresh(context.Background(), k)
		}
	}
	scheduler = NewScheduler(store, fetcher,
		WithNow(clock.Now), WithWait(recorder.wait), WithNotify(notify))

	scheduler.MaybeRefresh(t.Context(), key)
	require.Eventually(t, func() bool { return fetcher.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return scheduler.Phase(key) == PhaseFresh }, 2*time.Second, 5*time.Millisecond)

	scheduler.MaybeRefresh(t.Context(), key) // Fresh again; must stay a no-op.
	assert.Equal(t, 2, fetcher.callCount())
}

func TestScheduler_RefreshSurvivesCallerCancellation(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	key := putStaleEntry(clock, store, "notes")

	gate := make(chan struct{})
	fetcher := &fakeFetcher{gate: gate, replies: []fetchReply{
		{err: Transient(context.DeadlineExceeded)},
		{result: Result{Payload: []byte("v2")}},
	}}
	// Unlike waitRecorder, this wait honors cancellation the way the real sleep does.
	ctxWait := func(ctx context.Context, d time.Duration) bool {
		clock.Advance(d)
		return ctx.Err() == nil
	}
	scheduler := NewScheduler(store, fetcher, WithNow(clock.Now), WithWait(ctxWait))

	ctx, cancel := context.WithCancel(context.Background())
	scheduler.MaybeRefresh(ctx, key)
	cancel() // The caller navigated away; its context dies before the first fetch returns.
	close(gate)

	require.Eventually(t, func() bool { return payloadOf(store, key) == "v2" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, fetcher.callCount(), "The backoff retry runs despite the dead caller context.")
}

func TestScheduler_RefreshAllStale(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewStore(cache.WithNow(clock.Now))
	staleA := putStaleEntry(clock, store, "notes")
	staleB := cache.NewKey("dashboard", nil)
	store.Put(staleB, []byte("stale payload"), nil)
	clock.Advance(6 * time.Minute)
	freshKey := cache.NewKey("settings", nil)
	store.Put(freshKey, []byte("fresh payload"), nil)

	fetcher := &fakeFetcher{replies: []fetchReply{{result: Result{Payload: []byte("v2")}}}}
	recorder := &waitRecorder{clock: clock}
	scheduler := NewScheduler(store, fetcher, WithNow(clock.Now), WithWait(recorder.wait))

	scheduler.RefreshAllStale(t.Context())
	require.Eventually(t, func() bool {
		return payloadOf(store, staleA) == "v2" && payloadOf(store, staleB) == "v2"
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, fetcher.callCount(), "Fresh entries are left alone.")
	assert.Equal(t, "fresh payload", payloadOf(store, freshKey))
}
