package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/loomstudio/loom/internal/wire"
)

// LaunchRecord captures metadata about a launched mock worker.
type LaunchRecord struct {
	Binary     string
	Args       []string
	Env        []string
	LaunchedAt time.Time
}

// MockLauncher implements Launcher for tests. Each launch produces an
// in-memory worker driven by a scriptable frame handler, so supervisor tests
// run without real processes.
type MockLauncher struct {
	mu      sync.Mutex
	records []LaunchRecord
	procs   []*MockProcess
	err     error
	nextPID int

	// Handler receives each decoded request frame and returns the reply, or
	// nil to stay silent. Defaults to answering every request with an empty
	// result, which satisfies the handshake ping.
	Handler func(*wire.Message) *wire.Message
}

// NewMockLauncher constructs a launcher stub.
func NewMockLauncher() *MockLauncher {
	return &MockLauncher{nextPID: 1000}
}

// SetError forces subsequent Launch calls to fail with the provided error.
func (m *MockLauncher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Launch records the request and returns a scripted in-memory worker.
func (m *MockLauncher) Launch(_ context.Context, binary string, args []string, env []string, _ io.Writer) (Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	m.records = append(m.records, LaunchRecord{
		Binary:     binary,
		Args:       append([]string(nil), args...),
		Env:        append([]string(nil), env...),
		LaunchedAt: time.Now().UTC(),
	})

	handler := m.Handler
	if handler == nil {
		handler = func(msg *wire.Message) *wire.Message {
			return &wire.Message{ID: msg.ID, Result: []byte(`{}`)}
		}
	}

	proc := newMockProcess(m.nextPID, handler)
	m.nextPID++
	m.procs = append(m.procs, proc)
	go proc.serve()
	return proc, nil
}

// Records returns a copy of launch records for assertions.
func (m *MockLauncher) Records() []LaunchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LaunchRecord, len(m.records))
	copy(out, m.records)
	return out
}

// Launches reports how many workers were spawned.
func (m *MockLauncher) Launches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Proc returns the i-th spawned worker, or nil.
func (m *MockLauncher) Proc(i int) *MockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.procs) {
		return nil
	}
	return m.procs[i]
}

// MockProcess is an in-memory worker: the supervisor writes frames into its
// stdin pipe and reads replies from its stdout pipe.
type MockProcess struct {
	pid     int
	handler func(*wire.Message) *wire.Message

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

func newMockProcess(pid int, handler func(*wire.Message) *wire.Message) *MockProcess {
	p := &MockProcess{
		pid:     pid,
		handler: handler,
		exited:  make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	return p
}

func (p *MockProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *MockProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *MockProcess) PID() int              { return p.pid }

func (p *MockProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *MockProcess) Kill() error {
	p.Exit(errors.New("signal: killed"))
	return nil
}

// Exit simulates the worker terminating with the given error (nil for a
// clean exit). Tests call this to trigger the restart path.
func (p *MockProcess) Exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		p.stdinR.Close()
		p.stdoutW.Close()
		close(p.exited)
	})
}

// PushFrame emits a worker-initiated frame on stdout.
func (p *MockProcess) PushFrame(msg *wire.Message) error {
	return wire.WriteMessage(p.stdoutW, msg)
}

// serve reads request frames from stdin and answers via the handler.
func (p *MockProcess) serve() {
	dec := wire.NewDecoder()
	buf := make([]byte, 1024)
	for {
		n, err := p.stdinR.Read(buf)
		if n > 0 {
			msgs, _ := dec.Feed(buf[:n])
			for _, msg := range msgs {
				if reply := p.handler(msg); reply != nil {
					if werr := wire.WriteMessage(p.stdoutW, reply); werr != nil {
						return
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}
