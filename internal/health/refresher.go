// Package health maintains cached liveness and readiness snapshots and
// serves them over HTTP. Handlers only ever read the cache; all probing
// happens on a background refresher, so a slow datastore can never stall
// an orchestrator's health request.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loykin/gantry/internal/metrics"
	"github.com/loykin/gantry/internal/startup"
)

// CheckResult is the cached outcome of one readiness check.
type CheckResult struct {
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// Snapshot is the cached health state served to callers.
type Snapshot struct {
	Live      bool                   `json:"live"`
	Ready     bool                   `json:"ready"`
	State     string                 `json:"state"`
	CheckedAt time.Time              `json:"checked_at"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Refresher runs readiness checks on a fixed interval and caches the
// combined result.
type Refresher struct {
	tracker  *startup.Tracker
	checks   []Checker
	interval time.Duration
	timeout  time.Duration

	mu   sync.RWMutex
	snap Snapshot

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewRefresher(tracker *startup.Tracker, interval, timeout time.Duration, checks ...Checker) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r := &Refresher{
		tracker:  tracker,
		checks:   checks,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.snap = Snapshot{Live: true, State: tracker.State().String(), CheckedAt: time.Now()}
	return r
}

// Start launches the refresh loop. The first refresh happens immediately.
func (r *Refresher) Start() {
	go func() {
		defer close(r.done)
		r.refresh()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.refresh()
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

// Snapshot returns the cached state. It never blocks on checks.
func (r *Refresher) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.snap
	out.Checks = make(map[string]CheckResult, len(r.snap.Checks))
	for k, v := range r.snap.Checks {
		out.Checks[k] = v
	}
	return out
}

func (r *Refresher) refresh() {
	began := time.Now()
	state := r.tracker.State()

	snap := Snapshot{
		Live:      state != startup.StateFailed,
		State:     state.String(),
		CheckedAt: began,
		Checks:    make(map[string]CheckResult, len(r.checks)),
	}

	// Readiness can only be considered once startup finished; checks
	// still run so their results are visible in the detail payload.
	ready := state == startup.StateReady
	for _, c := range r.checks {
		res := r.runCheck(c)
		snap.Checks[c.Name()] = res
		if !res.OK {
			ready = false
		}
	}
	snap.Ready = ready

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()

	metrics.SetReady(ready)
	metrics.ObserveHealthRefresh(time.Since(began).Seconds())
}

func (r *Refresher) runCheck(c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	began := time.Now()
	err := c.Check(ctx)
	latency := time.Since(began)

	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrCheckTimeout
	}
	res := CheckResult{OK: err == nil, Latency: latency}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
