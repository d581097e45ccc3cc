// Package pool launches and supervises the worker processes. It restarts
// crashed workers within a bounded sliding window and fails the whole pool
// when a worker crash-loops.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/gantry/internal/history"
	"github.com/loykin/gantry/internal/logger"
	"github.com/loykin/gantry/internal/metrics"
	"github.com/loykin/gantry/internal/process"
)

// ErrWorkerCrashLoop is the fatal error recorded when a worker keeps
// crashing faster than the restart window allows.
var ErrWorkerCrashLoop = errors.New("worker crash loop")

// WorkerStatus tracks a launched worker through its life.
type WorkerStatus string

const (
	StatusStarting  WorkerStatus = "starting"
	StatusHealthy   WorkerStatus = "healthy"
	StatusUnhealthy WorkerStatus = "unhealthy"
	StatusExited    WorkerStatus = "exited"
)

// WorkerRecord is the externally visible state of one worker.
type WorkerRecord struct {
	ID           int          `json:"id"`
	Name         string       `json:"name"`
	PID          int          `json:"pid"`
	StartedAt    time.Time    `json:"started_at"`
	LastHealthAt time.Time    `json:"last_health_at"`
	Restarts     int          `json:"restarts"`
	Status       WorkerStatus `json:"status"`
}

// Probe checks one worker's responsiveness. The default probe only
// verifies the OS process is alive; callers may install an HTTP probe.
type Probe func(ctx context.Context, rec WorkerRecord) error

// Config tunes the pool. All fields mirror configuration knobs; none are
// hard-coded invariants.
type Config struct {
	Count           int
	Command         string
	WorkDir         string
	Env             []string // merged environment for all workers
	Port            int      // exported as PORT to each worker
	Grace           time.Duration
	StartDuration   time.Duration
	MaxRestarts     int
	RestartWindow   time.Duration
	RestartInterval time.Duration

	HealthInterval     time.Duration
	UnhealthyThreshold int
	WorkerProbe        Probe

	Log logger.Config
}

type worker struct {
	id   int
	name string
	proc *process.Process

	mu           sync.Mutex
	status       WorkerStatus
	restartTimes []time.Time // within the sliding window
	restarts     int         // lifetime count
	lastHealthAt time.Time
	consecFails  int
}

func (w *worker) setStatus(s WorkerStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *worker) record() WorkerRecord {
	st := w.proc.Snapshot()
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerRecord{
		ID:           w.id,
		Name:         w.name,
		PID:          st.PID,
		StartedAt:    st.StartedAt,
		LastHealthAt: w.lastHealthAt,
		Restarts:     w.restarts,
		Status:       w.status,
	}
}

// Pool supervises Config.Count workers.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	workers  []*worker
	sinks    []history.Sink
	stopping bool
	failErr  error

	failedCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = time.Minute
	}
	if cfg.RestartInterval <= 0 {
		cfg.RestartInterval = time.Second
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	return &Pool{
		cfg:      cfg,
		failedCh: make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// SetHistorySinks configures lifecycle event sinks. Sink failures are
// logged, never fatal.
func (p *Pool) SetHistorySinks(sinks ...history.Sink) {
	p.mu.Lock()
	p.sinks = append([]history.Sink(nil), sinks...)
	p.mu.Unlock()
}

// Launch spawns all workers and their monitors. The caller is responsible
// for ordering: it must not be invoked before migrations are current.
func (p *Pool) Launch(ctx context.Context) error {
	for i := 0; i < p.cfg.Count; i++ {
		w := &worker{
			id:     i + 1,
			name:   fmt.Sprintf("worker-%d", i+1),
			status: StatusStarting,
		}
		w.proc = process.New(p.workerSpec(w.name))
		if err := p.startWorker(w, false); err != nil {
			p.mu.Lock()
			p.workers = append(p.workers, w)
			p.mu.Unlock()
			p.fail(fmt.Errorf("launch %s: %w", w.name, err))
			return p.Err()
		}
		p.mu.Lock()
		p.workers = append(p.workers, w)
		p.mu.Unlock()

		p.wg.Add(1)
		go p.monitor(ctx, w)
	}
	metrics.SetWorkersRunning(p.cfg.Count)

	if p.cfg.HealthInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop(ctx)
	}
	return nil
}

func (p *Pool) workerSpec(name string) process.Spec {
	env := []string{"PORT=" + strconv.Itoa(p.cfg.Port)}
	return process.Spec{
		Name:          name,
		Command:       p.cfg.Command,
		WorkDir:       p.cfg.WorkDir,
		Env:           env,
		StartDuration: p.cfg.StartDuration,
		Log:           p.cfg.Log,
	}
}

func (p *Pool) startWorker(w *worker, restart bool) error {
	if err := w.proc.Start(p.cfg.Env); err != nil {
		return err
	}
	if err := w.proc.EnforceStartDuration(p.cfg.StartDuration); err != nil {
		// Reap the short-lived run so the next Start is clean.
		_ = w.proc.Wait()
		return err
	}
	// Starting until the first health pass confirms the worker; the
	// health loop promotes it.
	w.setStatus(StatusStarting)
	metrics.IncWorkerStart(w.name)
	if restart {
		metrics.IncWorkerRestart(w.name)
	}
	p.persist(history.EventStart, w)
	slog.Info("worker started", "worker", w.name, "pid", w.proc.Snapshot().PID, "restart", restart)
	return nil
}

// monitor owns the worker's Wait loop and the restart policy.
func (p *Pool) monitor(ctx context.Context, w *worker) {
	defer p.wg.Done()
	for {
		err := w.proc.Wait()
		metrics.IncWorkerStop(w.name)
		p.persist(history.EventStop, w)

		if p.isStopping() || w.proc.StopRequested() || ctx.Err() != nil {
			w.setStatus(StatusExited)
			p.updateRunningGauge()
			return
		}

		slog.Warn("worker exited unexpectedly", "worker", w.name, "err", err)
		w.setStatus(StatusExited)
		p.updateRunningGauge()

		if !p.allowRestart(w) {
			p.fail(fmt.Errorf("%w: %s exceeded %d restarts within %s",
				ErrWorkerCrashLoop, w.name, p.cfg.MaxRestarts, p.cfg.RestartWindow))
			return
		}

		select {
		case <-time.After(p.cfg.RestartInterval):
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
		// Shutdown may have begun while the backoff timer was pending; a
		// restart now would spawn a process nothing ever signals.
		if p.isStopping() || ctx.Err() != nil {
			return
		}

		w.setStatus(StatusStarting)
		if err := p.startWorker(w, true); err != nil {
			slog.Warn("worker restart failed", "worker", w.name, "err", err)
			w.setStatus(StatusExited)
			// A failed start consumes restart budget like a crash; loop
			// re-enters the window check rather than waiting on a process.
			if !p.allowRestart(w) {
				p.fail(fmt.Errorf("%w: %s cannot be restarted", ErrWorkerCrashLoop, w.name))
				return
			}
			continue
		}
		p.updateRunningGauge()
	}
}

// allowRestart applies the sliding-window crash-loop budget and, when
// permitted, charges one restart against it. Entries older than the
// window are pruned, so the budget replenishes after a healthy period.
func (p *Pool) allowRestart(w *worker) bool {
	now := time.Now()
	cutoff := now.Add(-p.cfg.RestartWindow)

	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.restartTimes[:0]
	for _, ts := range w.restartTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.restartTimes = kept
	if len(w.restartTimes) >= p.cfg.MaxRestarts {
		return false
	}
	w.restartTimes = append(w.restartTimes, now)
	w.restarts++
	return true
}

// healthLoop periodically probes each worker; past the consecutive
// failure threshold the worker is restarted via a forced stop, which the
// monitor then treats as an unexpected exit.
func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()
	probe := p.cfg.WorkerProbe
	if probe == nil {
		probe = func(_ context.Context, rec WorkerRecord) error {
			if rec.Status == StatusExited {
				return errors.New("not running")
			}
			return nil
		}
	}
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
		for _, w := range p.snapshotWorkers() {
			p.checkWorker(ctx, w, probe)
		}
	}
}

func (p *Pool) checkWorker(ctx context.Context, w *worker, probe Probe) {
	if !w.proc.Alive() {
		return // monitor handles exits
	}
	err := probe(ctx, w.record())

	w.mu.Lock()
	if err == nil {
		w.consecFails = 0
		w.lastHealthAt = time.Now()
		w.status = StatusHealthy
		w.mu.Unlock()
		return
	}
	w.consecFails++
	w.status = StatusUnhealthy
	fails := w.consecFails
	w.mu.Unlock()

	slog.Warn("worker health probe failed", "worker", w.name, "consecutive", fails, "err", err)
	if fails >= p.cfg.UnhealthyThreshold {
		slog.Warn("worker unhealthy past threshold, recycling", "worker", w.name)
		w.mu.Lock()
		w.consecFails = 0
		w.mu.Unlock()
		// Kill without marking stop-requested: the monitor restarts it
		// under the normal crash-loop budget.
		w.proc.Kill()
	}
}

// Shutdown gracefully stops every worker: SIGTERM fan-out, bounded grace,
// SIGKILL stragglers, then waits until all monitors have reaped.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopping = true
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()
	close(p.stopCh)

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.proc.Stop(p.cfg.Grace)
		}(w)
	}
	wg.Wait()
	p.wg.Wait()
	metrics.SetWorkersRunning(0)
	slog.Info("worker pool stopped")
}

// Failed is closed when the pool gave up on a crash-looping worker.
func (p *Pool) Failed() <-chan struct{} { return p.failedCh }

// Err returns the fatal pool error, if any.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failErr
}

// Healthy reports whether every worker is currently running.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil || len(p.workers) == 0 {
		return false
	}
	for _, w := range p.workers {
		if !w.proc.Alive() {
			return false
		}
	}
	return true
}

// Snapshot returns the current WorkerRecords.
func (p *Pool) Snapshot() []WorkerRecord {
	ws := p.snapshotWorkers()
	out := make([]WorkerRecord, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.record())
	}
	return out
}

func (p *Pool) snapshotWorkers() []*worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*worker(nil), p.workers...)
}

func (p *Pool) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *Pool) fail(err error) {
	p.mu.Lock()
	if p.failErr == nil {
		p.failErr = err
		close(p.failedCh)
	}
	p.mu.Unlock()
	slog.Error("worker pool failed", "err", err)
}

func (p *Pool) updateRunningGauge() {
	n := 0
	for _, w := range p.snapshotWorkers() {
		if w.proc.Alive() {
			n++
		}
	}
	metrics.SetWorkersRunning(n)
}

func (p *Pool) persist(typ history.EventType, w *worker) {
	p.mu.Lock()
	sinks := append([]history.Sink(nil), p.sinks...)
	p.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	st := w.proc.Snapshot()
	evt := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Worker:     w.name,
		PID:        st.PID,
		Detail:     string(w.record().Status),
	}
	if st.ExitErr != nil {
		evt.Detail = st.ExitErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range sinks {
		if err := s.Send(ctx, evt); err != nil {
			slog.Warn("history sink send failed", "err", err)
		}
	}
}
