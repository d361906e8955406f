package tggl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// refresher coordinates configuration refreshes. It owns a monotonic
// version counter bumped on every refresh intent, a single in-flight
// fetch cycle that concurrent callers attach to, and the polling timer.
//
// The fetch callback receives the version captured when its cycle
// started; implementations compare it against the counter before
// publishing so a superseded fetch discards its result instead of
// overwriting a newer one. The refresher itself keeps re-running the
// callback until the counter stops moving, which makes the last intent
// win without cancelling in-flight requests.
type refresher struct {
	version atomic.Int64

	mu       sync.Mutex
	fetching bool
	done     chan struct{}
	interval time.Duration
	timer    *time.Timer

	fetch func(ctx context.Context, version int64)
	ctx   context.Context
}

func newRefresher(ctx context.Context, fetch func(ctx context.Context, version int64)) *refresher {
	return &refresher{
		fetch: fetch,
		ctx:   ctx,
	}
}

// currentVersion returns the latest refresh intent version.
func (r *refresher) currentVersion() int64 {
	return r.version.Load()
}

// trigger registers a refresh intent and returns a channel that is
// closed once a fetch cycle covering the intent completes. If a cycle
// is already in flight the caller attaches to it instead of starting a
// second one; the in-flight cycle notices the version bump and fetches
// again before completing.
func (r *refresher) trigger() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.version.Add(1)

	// An externally requested refresh supersedes the pending poll tick.
	// The tick is re-armed when this cycle completes.
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	if r.fetching {
		return r.done
	}
	r.fetching = true
	r.done = make(chan struct{})
	go r.run(r.done)
	return r.done
}

func (r *refresher) run(done chan struct{}) {
	for {
		v := r.version.Load()
		r.fetch(r.ctx, v)

		// The version must be re-checked under mu: trigger bumps it while
		// holding mu, so deciding to complete outside the lock could close
		// done without any fetch covering the attached intent.
		r.mu.Lock()
		if r.version.Load() != v && r.ctx.Err() == nil {
			r.mu.Unlock()
			continue
		}
		r.fetching = false
		r.armTickLocked()
		r.mu.Unlock()

		close(done)
		return
	}
}

// setInterval toggles polling. Enabling it from a disabled state
// triggers an immediate refresh and arms the recurring timer once that
// refresh completes; disabling cancels any pending tick; changing one
// positive interval to another only takes effect at the next tick.
func (r *refresher) setInterval(interval time.Duration) {
	r.mu.Lock()
	previous := r.interval
	r.interval = interval
	if interval <= 0 {
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if previous <= 0 {
		r.trigger()
	}
}

func (r *refresher) pollingInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// armTickLocked schedules the next poll tick, anchored to the
// completion of the cycle that just finished. Caller holds mu.
func (r *refresher) armTickLocked() {
	if r.interval <= 0 || r.ctx.Err() != nil {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.interval, func() {
		r.trigger()
	})
}

func (r *refresher) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = 0
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
