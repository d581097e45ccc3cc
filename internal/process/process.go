package process

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Process wraps one spawned worker. The owner (the pool's monitor
// goroutine) calls Wait exactly once per run; Stop and Kill coordinate
// with Wait through the waitDone channel instead of reaping themselves.
type Process struct {
	spec      Spec
	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	stopping  bool // Stop requested; suppress restart policy
	waited    bool // current run already reaped
	waitDone  chan struct{}
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func New(spec Spec) *Process { return &Process{spec: spec} }

func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// Start configures and spawns the worker in its own process group, wires
// rotated stdout/stderr writers, and writes the PID file.
func (p *Process) Start(mergedEnv []string) error {
	p.mu.Lock()
	spec := p.spec
	p.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	env := append([]string(nil), mergedEnv...)
	env = append(env, spec.Env...)
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		outW, errW, _ := spec.Log.Writers(spec.Name)
		p.mu.Lock()
		p.outCloser, p.errCloser = outW, errW
		p.mu.Unlock()
		if outW != nil {
			cmd.Stdout = outW
		}
		if errW != nil {
			cmd.Stderr = errW
		}
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}

	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.waitDone = make(chan struct{})
	p.stopping = false
	p.waited = false
	p.status = Status{
		Name:      spec.Name,
		PID:       cmd.Process.Pid,
		Running:   true,
		StartedAt: time.Now(),
	}
	p.mu.Unlock()

	p.writePIDFile()
	return nil
}

// Wait reaps the worker and finalizes its status. The monitor goroutine
// owns it; calling it again for an already-reaped run returns the stored
// exit error.
func (p *Process) Wait() error {
	p.mu.Lock()
	cmd := p.cmd
	wd := p.waitDone
	if cmd == nil {
		p.mu.Unlock()
		return errors.New("process not started")
	}
	if p.waited {
		err := p.status.ExitErr
		p.mu.Unlock()
		return err
	}
	p.waited = true
	p.mu.Unlock()

	err := cmd.Wait()

	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.mu.Unlock()

	p.closeWriters()
	p.removePIDFile()
	if wd != nil {
		close(wd)
	}
	return err
}

// EnforceStartDuration waits until d ensuring the worker stays up;
// returns an error if it exits early.
func (p *Process) EnforceStartDuration(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !p.Alive() {
			return errors.New("process exited before start duration " + d.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Stop requests graceful termination: SIGTERM to the process group, wait
// up to grace for the monitor to reap, then escalate to SIGKILL.
func (p *Process) Stop(grace time.Duration) {
	p.SetStopRequested(true)

	p.mu.Lock()
	cmd := p.cmd
	wd := p.waitDone
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	if wd == nil {
		return
	}
	select {
	case <-wd:
		return
	case <-time.After(grace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-wd:
	case <-time.After(2 * time.Second):
		// best-effort; monitor will still reap
	}
}

// Kill sends SIGKILL to the process group without waiting for grace.
func (p *Process) Kill() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// Alive probes whether the worker process is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	cmd := p.cmd
	running := p.status.Running
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil || !running {
		return false
	}
	pid := cmd.Process.Pid
	if isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func (p *Process) SetStopRequested(v bool) {
	p.mu.Lock()
	p.stopping = v
	p.mu.Unlock()
}

func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// WaitDone returns a channel closed when the current run has been reaped,
// or nil when the process never started.
func (p *Process) WaitDone() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	out, errW := p.outCloser, p.errCloser
	p.outCloser, p.errCloser = nil, nil
	p.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

func (p *Process) writePIDFile() {
	p.mu.Lock()
	pidFile := p.spec.PIDFile
	pid := 0
	if p.cmd != nil && p.cmd.Process != nil {
		pid = p.cmd.Process.Pid
	}
	p.mu.Unlock()
	if pidFile == "" || pid == 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(pidFile), 0o750)
	_ = os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o600)
}

func (p *Process) removePIDFile() {
	p.mu.Lock()
	pidFile := p.spec.PIDFile
	p.mu.Unlock()
	if pidFile == "" {
		return
	}
	_ = os.Remove(pidFile)
}

// isZombie reports whether /proc/<pid>/status shows state Z. A
// quickly-exiting child can linger as a zombie until reaped; it is not
// alive for supervision purposes.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
