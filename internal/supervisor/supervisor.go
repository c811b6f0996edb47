// Package supervisor owns the worker process lifecycle: spawning, stdio
// plumbing, crash detection, restart backoff, and graceful shutdown. It is
// the only component that reads the worker's exit reason, which it propagates
// into the router's disconnect notification and the event bus.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/loomstudio/loom/internal/eventbus"
	"github.com/loomstudio/loom/internal/router"
	"github.com/loomstudio/loom/internal/wire"
)

// State is the worker lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
	// StateFailed is terminal: the restart budget is exhausted and an
	// operator must intervene (explicit restart resets the budget).
	StateFailed State = "failed"
)

var (
	// ErrAlreadyRunning indicates Start was called while the worker is up.
	ErrAlreadyRunning = errors.New("supervisor: worker already running")
	// ErrNotRunning indicates Stop was called with no worker process.
	ErrNotRunning = errors.New("supervisor: worker not running")
	// ErrRestartBudgetExhausted indicates too many crashes inside the window.
	ErrRestartBudgetExhausted = errors.New("supervisor: restart budget exhausted")
)

const (
	shutdownMethod  = "worker/shutdown"
	handshakeMethod = "worker/ping"

	readBufferSize = 4096
)

// Config tunes the supervisor. Zero values pick the defaults.
type Config struct {
	Binary string
	Args   []string
	Env    []string

	// StartupDeadline bounds the spawn-to-handshake window. A worker that
	// does not answer the handshake ping in time counts as a failed start.
	StartupDeadline time.Duration

	// MinRestartInterval / MaxRestartInterval shape the exponential backoff.
	MinRestartInterval time.Duration
	MaxRestartInterval time.Duration

	// MaxRestarts within RestartWindow before the supervisor gives up and
	// enters the terminal failed state.
	MaxRestarts   int
	RestartWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.StartupDeadline <= 0 {
		c.StartupDeadline = 10 * time.Second
	}
	if c.MinRestartInterval <= 0 {
		c.MinRestartInterval = time.Second
	}
	if c.MaxRestartInterval <= 0 {
		c.MaxRestartInterval = 30 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = time.Minute
	}
}

// Status is a point-in-time view of the worker lifecycle.
type Status struct {
	State    State
	PID      int
	Uptime   time.Duration
	Restarts int
	LastExit string
}

// Supervisor spawns and monitors the worker process.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	router   *router.Router
	bus      *eventbus.Bus
	logger   *log.Logger

	mu           sync.Mutex
	state        State
	proc         Process
	sender       *pipeSender
	startedAt    time.Time
	restarts     int
	restartTimes []time.Time
	lastExit     string
	degraded     bool
	generation   uint64 // increments per spawn; stale reader loops check it

	ctx    context.Context
	cancel context.CancelFunc

	notifyMu sync.RWMutex
	onNotify func(*wire.Message)
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithLauncher overrides the process launcher (tests use a mock).
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) { s.launcher = l }
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a supervisor. The router receives the bound sender on every
// successful spawn and a FailAll on every disconnect.
func New(cfg Config, rt *router.Router, bus *eventbus.Bus, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:      cfg,
		launcher: ExecLauncher{},
		router:   rt,
		bus:      bus,
		logger:   log.Default(),
		state:    StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns the worker and begins supervising it. It blocks until the
// handshake succeeds or the startup deadline expires.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateFailed:
	default:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = StateStarting
	s.restartTimes = nil
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.publishLifecycle("")

	if err := s.spawn(ctx); err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}

	go s.supervise()
	return nil
}

// Stop requests graceful shutdown and escalates to a forced kill once the
// grace period elapses. All pending requests fail with WorkerUnavailable
// before the pipe is torn down.
func (s *Supervisor) Stop(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateFailed {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = StateStopping
	proc := s.proc
	sender := s.sender
	cancel := s.cancel
	s.mu.Unlock()

	s.publishLifecycle("")
	if cancel != nil {
		cancel() // stops the supervise loop from restarting
	}

	if proc == nil {
		s.finishStop("")
		return nil
	}

	// Graceful shutdown sentinel, sent outside the router so it cannot be
	// failed by the disconnect that follows.
	if sender != nil {
		_ = sender.Send(&wire.Message{ID: 0, Method: shutdownMethod})
	}
	s.router.FailAll(errors.New("shutting down"))

	if grace <= 0 {
		grace = 5 * time.Second
	}
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	var exitErr error
	select {
	case exitErr = <-done:
	case <-time.After(grace):
		s.logger.Printf("[Supervisor] graceful shutdown timed out after %s, killing worker", grace)
		_ = proc.Kill()
		exitErr = <-done
	case <-ctx.Done():
		_ = proc.Kill()
		exitErr = <-done
	}

	s.finishStop(exitReason(exitErr))
	return nil
}

func (s *Supervisor) finishStop(reason string) {
	s.mu.Lock()
	s.state = StateStopped
	s.proc = nil
	s.sender = nil
	if reason != "" {
		s.lastExit = reason
	}
	s.mu.Unlock()
	s.publishLifecycle(reason)
}

// Status reports the current lifecycle state, pid, and uptime.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:    s.state,
		Restarts: s.restarts,
		LastExit: s.lastExit,
	}
	if s.proc != nil {
		st.PID = s.proc.PID()
	}
	if (s.state == StateRunning || s.state == StateDegraded) && !s.startedAt.IsZero() {
		st.Uptime = time.Since(s.startedAt)
	}
	return st
}

// SetDegraded toggles between running and degraded. The health monitor calls
// this when the worker answers probes but misbehaves.
func (s *Supervisor) SetDegraded(degraded bool) {
	s.mu.Lock()
	s.degraded = degraded
	changed := false
	if degraded && s.state == StateRunning {
		s.state = StateDegraded
		changed = true
	} else if !degraded && s.state == StateDegraded {
		s.state = StateRunning
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.publishLifecycle("")
	}
}

// OnNotify registers a handler for worker-initiated frames (push events such
// as plugin log lines). The handler must not block.
func (s *Supervisor) OnNotify(fn func(*wire.Message)) {
	s.notifyMu.Lock()
	s.onNotify = fn
	s.notifyMu.Unlock()
}

// spawn launches the worker, wires the pipes, and performs the handshake.
func (s *Supervisor) spawn(ctx context.Context) error {
	stderr := newLogWriter(s.bus, eventbus.LogLevelError)
	proc, err := s.launcher.Launch(s.ctx, s.cfg.Binary, s.cfg.Args, s.cfg.Env, stderr)
	if err != nil {
		return fmt.Errorf("supervisor: launch worker: %w", err)
	}

	sender := &pipeSender{w: proc.Stdin()}

	s.mu.Lock()
	s.proc = proc
	s.sender = sender
	s.startedAt = time.Now()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.router.Bind(sender)
	go s.readLoop(proc, gen)

	// Handshake: the worker must answer a ping before the startup deadline.
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupDeadline)
	defer cancel()
	if _, err := s.router.Call(hsCtx, handshakeMethod, nil); err != nil {
		_ = proc.Kill()
		return fmt.Errorf("supervisor: worker handshake: %w", err)
	}

	s.mu.Lock()
	if s.degraded {
		s.state = StateDegraded
	} else {
		s.state = StateRunning
	}
	pid := proc.PID()
	s.mu.Unlock()

	s.logger.Printf("[Supervisor] worker running (pid %d)", pid)
	s.publishLifecycle("")
	return nil
}

// readLoop drains the worker's stdout, feeding frames to the decoder and
// dispatching decoded messages. It is the single reader for the connection.
func (s *Supervisor) readLoop(proc Process, gen uint64) {
	dec := wire.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := proc.Stdout().Read(buf)
		if n > 0 {
			msgs, ferr := dec.Feed(buf[:n])
			for _, msg := range msgs {
				s.dispatch(msg)
			}
			if ferr != nil {
				s.logger.Printf("[Supervisor] %v", ferr)
				if dec.Unrecoverable() {
					// Framing is lost; only a restart recovers the stream.
					_ = proc.Kill()
					return
				}
			}
		}
		if err != nil {
			if !s.isCurrentGeneration(gen) {
				return
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Printf("[Supervisor] worker stdout closed: %v", err)
			}
			return
		}
	}
}

func (s *Supervisor) isCurrentGeneration(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

func (s *Supervisor) dispatch(msg *wire.Message) {
	if msg.IsResponse() {
		s.router.Dispatch(msg)
		return
	}
	s.notifyMu.RLock()
	fn := s.onNotify
	s.notifyMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// supervise waits for worker exits and restarts with exponential backoff
// until the restart budget is exhausted or shutdown begins.
func (s *Supervisor) supervise() {
	backoff := s.newBackoff()

	for {
		s.mu.Lock()
		proc := s.proc
		ctx := s.ctx
		s.mu.Unlock()
		if proc == nil || ctx == nil {
			return
		}

		exitErr := proc.Wait()
		if ctx.Err() != nil {
			return // Stop owns the teardown
		}

		reason := exitReason(exitErr)
		s.mu.Lock()
		s.proc = nil
		s.sender = nil
		s.lastExit = reason
		s.restarts++
		s.restartTimes = append(s.restartTimes, time.Now())
		s.state = StateStarting
		restarts := s.restarts
		over := s.overBudgetLocked()
		s.mu.Unlock()

		s.logger.Printf("[Supervisor] worker exited (%s), restart #%d", reason, restarts)
		s.router.FailAll(fmt.Errorf("worker exited: %s", reason))
		s.publishLifecycle(reason)

		if over {
			s.mu.Lock()
			s.state = StateFailed
			s.mu.Unlock()
			s.logger.Printf("[Supervisor] %v (%d restarts in %s)", ErrRestartBudgetExhausted, s.cfg.MaxRestarts, s.cfg.RestartWindow)
			s.publishLifecycle(reason)
			return
		}

		// Respawn, charging failed attempts against the same budget.
		for {
			delay, _ := backoff.Next()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			err := s.spawn(ctx)
			if err == nil {
				break
			}
			s.logger.Printf("[Supervisor] restart failed: %v", err)
			s.mu.Lock()
			s.restarts++
			s.restartTimes = append(s.restartTimes, time.Now())
			over := s.overBudgetLocked()
			s.mu.Unlock()
			if over {
				s.mu.Lock()
				s.state = StateFailed
				s.mu.Unlock()
				s.publishLifecycle(err.Error())
				return
			}
		}

		// Healthy again; future crashes back off from the minimum.
		backoff = s.newBackoff()
	}
}

func (s *Supervisor) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(s.cfg.MaxRestartInterval, retry.NewExponential(s.cfg.MinRestartInterval))
}

// overBudgetLocked prunes restart timestamps outside the sliding window and
// reports whether the budget is exhausted. Caller holds s.mu.
func (s *Supervisor) overBudgetLocked() bool {
	cutoff := time.Now().Add(-s.cfg.RestartWindow)
	kept := s.restartTimes[:0]
	for _, t := range s.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartTimes = kept
	return len(kept) > s.cfg.MaxRestarts
}

func (s *Supervisor) publishLifecycle(reason string) {
	st := s.Status()
	eventbus.Publish(context.Background(), s.bus, eventbus.WorkerLifecycle, eventbus.SourceSupervisor, eventbus.WorkerLifecycleEvent{
		State:    string(st.State),
		PID:      st.PID,
		Restarts: st.Restarts,
		Reason:   reason,
	})
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// pipeSender serializes frame writes to the worker's stdin. It is the single
// writer for the outbound half of the connection.
type pipeSender struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *pipeSender) Send(msg *wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wire.WriteMessage(p.w, msg)
}

// MarshalParams is a convenience for building request payloads.
func MarshalParams(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("supervisor: marshal params: %w", err)
	}
	return data, nil
}
