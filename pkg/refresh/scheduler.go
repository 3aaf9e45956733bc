// The scheduler owns the per-key staleness state machine:
//
//	Fresh -> (ttl elapsed) -> Stale -> Refreshing -> Fresh           (success)
//	                                              -> BackoffWait -> Refreshing  (transient failure)
//	                                              -> Failed          (fatal, or retries exhausted)
//
// At most one refresh is in flight per key; concurrent MaybeRefresh calls join the pending one.
// A refresh whose entry is evicted mid-flight finishes but its result is discarded silently, and
// a result older than the stored entry is dropped (monotonic freshness) - both enforced by the
// store's PutRefresh, so resuming after any blocking point is safe without explicit cancellation.

package refresh

import (
	"context"
	"errors"
	"flag"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/nobletooth/pomelo/pkg/cache"
)

var (
	backoffBase = flag.Duration("refresh_backoff_base", time.Second,
		"Base delay before the first refresh retry; doubles on every subsequent attempt.")
	backoffCap = flag.Duration("refresh_backoff_cap", 30*time.Second,
		"Upper bound on the delay between refresh retries.")
	maxAttempts = flag.Int("refresh_max_attempts", 3,
		"Number of backoff retries after a failed fetch before the entry is marked failed for its TTL cycle.")
	deferCeiling = flag.Duration("refresh_defer_ceiling", 30*time.Second,
		"Longest a current-page refresh is deferred while the user is interacting.")
	idlePollInterval = flag.Duration("refresh_idle_poll_interval", 250*time.Millisecond,
		"How often a deferred refresh re-checks the idle signal.")

	refreshesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "page_refreshes_total",
		Help: "Total number of background refresh outcomes.",
	}, []string{"result" /* success | transient_error | fatal_error | discarded */})
)

// Phase is the per-key position in the refresh state machine.
type Phase uint8

const (
	PhaseFresh Phase = iota
	PhaseStale
	PhaseRefreshing
	PhaseBackoffWait
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "fresh"
	case PhaseStale:
		return "stale"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseBackoffWait:
		return "backoff_wait"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// keyState is the retry/backoff state for one key. Transitions are owned exclusively by the
// Scheduler.
type keyState struct {
	phase         Phase
	attempts      int
	nextAttemptAt time.Time
	lastErr       error
	backoff       *backoff.ExponentialBackOff
	// failedCycle remembers the StaleAfter that exhausted its retries, so the key is not retried
	// again until a write starts the next TTL cycle.
	failedCycle time.Time
}

// Scheduler triggers the external fetch collaborator for stale entries and writes results back
// into the store.
type Scheduler struct {
	store   *cache.Store
	fetcher Fetcher
	now     func() time.Time
	// idle reports whether the user is idle; nil means no interaction signal is wired.
	idle func() bool
	// notify is invoked after a refresh successfully lands. updated mirrors Result.Updated.
	notify func(key cache.Key, e *cache.Entry, updated bool)
	// wait blocks for d or until ctx is cancelled, returning false on cancellation. Tests inject
	// an instant variant to make backoff deterministic.
	wait func(ctx context.Context, d time.Duration) bool

	mux     sync.Mutex
	states  map[cache.Key]*keyState
	flights singleflight.Group
}

// SchedulerOption configures a Scheduler at construction time.
type SchedulerOption func(*Scheduler)

// WithNow overrides the scheduler's wall clock.
func WithNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithIdleSignal wires the visibility/interaction collaborator used by the deferral rule.
func WithIdleSignal(idle func() bool) SchedulerOption {
	return func(s *Scheduler) { s.idle = idle }
}

// WithNotify registers the callback invoked whenever a refresh lands.
func WithNotify(notify func(key cache.Key, e *cache.Entry, updated bool)) SchedulerOption {
	return func(s *Scheduler) { s.notify = notify }
}

// WithWait overrides how the scheduler sleeps between retries and idle polls.
func WithWait(wait func(ctx context.Context, d time.Duration) bool) SchedulerOption {
	return func(s *Scheduler) { s.wait = wait }
}

// NewScheduler builds a scheduler over the given store and fetch collaborator.
func NewScheduler(store *cache.Store, fetcher Fetcher, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:   store,
		fetcher: fetcher,
		now:     time.Now,
		wait:    defaultWait,
		states:  make(map[cache.Key]*keyState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultWait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// newRetryBackoff builds the deterministic doubling ladder (base, 2*base, 4*base, ... capped).
func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = *backoffBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = *backoffCap
	b.Reset()
	return b
}

// Phase returns the refresh phase for key. Keys with no recorded state derive their phase from
// the entry's TTL.
func (s *Scheduler) Phase(key cache.Key) Phase {
	s.mux.Lock()
	if st, found := s.states[key]; found {
		defer s.mux.Unlock()
		return st.phase
	}
	s.mux.Unlock()

	if entry, found := s.store.Peek(key); found && entry.Stale(s.now()) {
		return PhaseStale
	}
	return PhaseFresh
}

// LastError returns the error recorded by the most recent failed attempt for key, if any.
func (s *Scheduler) LastError(key cache.Key) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if st, found := s.states[key]; found {
		return st.lastErr
	}
	return nil
}

// MaybeRefresh kicks a background refresh for key when its entry is stale, returning
// immediately. It is a no-op for fresh entries, for keys with a refresh already in flight or a
// retry already scheduled, and for keys that exhausted their retries in the current TTL cycle.
func (s *Scheduler) MaybeRefresh(ctx context.Context, key cache.Key) {
	entry, found := s.store.Peek(key)
	if !found {
		return
	}
	if !entry.Stale(s.now()) {
		s.clearState(key)
		return
	}

	s.mux.Lock()
	st, tracked := s.states[key]
	if !tracked {
		st = &keyState{phase: PhaseStale}
		s.states[key] = st
	}
	switch st.phase {
	case PhaseRefreshing, PhaseBackoffWait:
		s.mux.Unlock()
		return
	case PhaseFailed:
		if st.failedCycle.Equal(entry.StaleAfter) { // Same TTL cycle; stay failed.
			s.mux.Unlock()
			return
		}
		*st = keyState{} // A write started a new cycle; retry from scratch.
	}
	st.phase = PhaseRefreshing
	s.mux.Unlock()

	// The refresh must outlive the caller's request-scoped context; a navigation away would
	// otherwise cancel it mid-flight.
	ctx = context.WithoutCancel(ctx)
	go func() {
		_, _, _ = s.flights.Do(string(key), func() (any, error) {
			s.run(ctx, key)
			return nil, nil
		})
	}()
}

// RefreshAllStale kicks a refresh for every stale resident entry. The guard calls this once on
// the came-back-online edge.
func (s *Scheduler) RefreshAllStale(ctx context.Context) {
	now := s.now()
	for _, key := range s.store.Keys() {
		if entry, found := s.store.Peek(key); found && entry.Stale(now) {
			s.MaybeRefresh(ctx, key)
		}
	}
}

// run executes fetch attempts for key until success, a fatal error, exhausted retries, or
// cancellation. It resumes from every blocking point with a validity re-check because the entry
// may have been evicted or refreshed by someone else in the meantime.
func (s *Scheduler) run(ctx context.Context, key cache.Key) {
	for {
		if !s.deferWhileInteracting(ctx, key) {
			s.clearState(key)
			return
		}

		res, err := s.fetcher.Fetch(ctx, key)
		if err == nil {
			entry, accepted := s.store.PutRefresh(key, res.Payload, s.now())
			s.clearState(key)
			if !accepted {
				// Evicted mid-flight or superseded by a newer write; dropped silently.
				refreshesMetric.WithLabelValues("discarded").Inc()
				return
			}
			refreshesMetric.WithLabelValues("success").Inc()
			if s.notify != nil {
				s.notify(key, entry, res.Updated)
			}
			return
		}

		if errors.Is(err, ErrFatal) {
			refreshesMetric.WithLabelValues("fatal_error").Inc()
			s.fail(key, err)
			return
		}
		refreshesMetric.WithLabelValues("transient_error").Inc()

		s.mux.Lock()
		st, tracked := s.states[key]
		if !tracked { // State was cleared while fetching; stop.
			s.mux.Unlock()
			return
		}
		st.attempts++
		st.lastErr = err
		if st.attempts > *maxAttempts {
			s.mux.Unlock()
			s.fail(key, err)
			return
		}
		if st.backoff == nil {
			st.backoff = newRetryBackoff()
		}
		delay := st.backoff.NextBackOff()
		st.phase = PhaseBackoffWait
		st.nextAttemptAt = s.now().Add(delay)
		s.mux.Unlock()

		if !s.wait(ctx, delay) {
			s.clearState(key)
			return
		}
		// Post-hoc validity check: the entry may be gone or fresh again after the wait.
		entry, found := s.store.Peek(key)
		if !found {
			s.clearState(key)
			return
		}
		if !entry.Stale(s.now()) {
			s.clearState(key)
			return
		}
		s.setPhase(key, PhaseRefreshing)
	}
}

// deferWhileInteracting holds a current-page refresh until the user goes idle, never longer
// than the configured ceiling. It returns false only on context cancellation.
func (s *Scheduler) deferWhileInteracting(ctx context.Context, key cache.Key) bool {
	if s.idle == nil || s.idle() {
		return true
	}
	if s.store.CurrentPage() != key { // Only the on-screen page risks visible content shifts.
		return true
	}
	deadline := s.now().Add(*deferCeiling)
	for !s.idle() && s.now().Before(deadline) {
		if !s.wait(ctx, *idlePollInterval) {
			return false
		}
	}
	return true
}

// fail marks key's refresh state failed for the remainder of its TTL cycle; the last good
// payload keeps being served.
func (s *Scheduler) fail(key cache.Key, err error) {
	entry, found := s.store.Peek(key)
	if !found {
		s.clearState(key)
		return
	}
	s.mux.Lock()
	if st, tracked := s.states[key]; tracked {
		st.phase = PhaseFailed
		st.lastErr = err
		st.failedCycle = entry.StaleAfter
	}
	s.mux.Unlock()
	s.flights.Forget(string(key))
}

func (s *Scheduler) clearState(key cache.Key) {
	s.mux.Lock()
	delete(s.states, key)
	s.mux.Unlock()
	// Forget before the flight fn returns, so a MaybeRefresh racing this teardown starts a new
	// flight instead of joining the dying one and wedging the key in PhaseRefreshing.
	s.flights.Forget(string(key))
}

func (s *Scheduler) setPhase(key cache.Key, phase Phase) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if st, tracked := s.states[key]; tracked {
		st.phase = phase
	}
}
