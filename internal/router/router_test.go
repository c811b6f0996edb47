package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/loomstudio/loom/internal/router"
	"github.com/loomstudio/loom/internal/wire"
)

// echoSender resolves every request out of band, simulating a worker that
// answers after a configurable delay.
type echoSender struct {
	rt    *router.Router
	delay time.Duration

	mu   sync.Mutex
	sent []*wire.Message
	mute bool // swallow requests instead of answering
}

func (s *echoSender) Send(msg *wire.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	mute := s.mute
	s.mu.Unlock()

	if mute || msg.Method == "worker/cancel" {
		return nil
	}
	go func() {
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		result, _ := json.Marshal(msg.Method)
		s.rt.Dispatch(&wire.Message{ID: msg.ID, Result: result})
	}()
	return nil
}

func (s *echoSender) sentMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Method
	}
	return out
}

func newQuietRouter() *router.Router {
	return router.New(log.New(io.Discard, "", 0))
}

func TestCallResolvesWithResult(t *testing.T) {
	rt := newQuietRouter()
	sender := &echoSender{rt: rt}
	rt.Bind(sender)

	result, err := rt.Call(context.Background(), "worker/ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var method string
	if err := json.Unmarshal(result, &method); err != nil || method != "worker/ping" {
		t.Fatalf("unexpected result %s (err %v)", result, err)
	}
	if rt.Pending() != 0 {
		t.Fatalf("pending leak: %d", rt.Pending())
	}
}

func TestConcurrentCallsEachResolveExactlyOnce(t *testing.T) {
	rt := newQuietRouter()
	sender := &echoSender{rt: rt, delay: time.Millisecond}
	rt.Bind(sender)

	const callers = 64
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := fmt.Sprintf("plugin/invoke-%d", i)
			result, err := rt.Call(context.Background(), method, nil)
			if err != nil {
				errs <- err
				return
			}
			var got string
			if err := json.Unmarshal(result, &got); err != nil || got != method {
				errs <- fmt.Errorf("response for %q got %q", method, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("caller error: %v", err)
	}
	if rt.Pending() != 0 {
		t.Fatalf("pending leak: %d", rt.Pending())
	}
}

func TestCallTimesOutAtDeadline(t *testing.T) {
	rt := newQuietRouter()
	sender := &echoSender{rt: rt, mute: true}
	rt.Bind(sender)

	const timeout = 200 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	_, err := rt.Call(ctx, "llm/complete", nil)
	elapsed := time.Since(start)

	if !errors.Is(err, router.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < timeout-20*time.Millisecond || elapsed > timeout+500*time.Millisecond {
		t.Fatalf("timeout fired at %s, want ~%s", elapsed, timeout)
	}
	if rt.Pending() != 0 {
		t.Fatalf("timed-out request leaked: %d", rt.Pending())
	}
}

func TestCancelledCallNotifiesWorker(t *testing.T) {
	rt := newQuietRouter()
	sender := &echoSender{rt: rt, mute: true}
	rt.Bind(sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := rt.Call(ctx, "llm/complete", nil)
		done <- err
	}()

	// Let the request register before cancelling.
	for rt.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, router.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	found := false
	for _, m := range sender.sentMethods() {
		if m == "worker/cancel" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a best-effort worker/cancel notification")
	}
}

func TestFailAllResolvesEveryPendingRequest(t *testing.T) {
	rt := newQuietRouter()
	sender := &echoSender{rt: rt, mute: true}
	rt.Bind(sender)

	const callers = 16
	done := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := rt.Call(context.Background(), "llm/complete", nil)
			done <- err
		}()
	}
	for rt.Pending() < callers {
		time.Sleep(time.Millisecond)
	}

	rt.FailAll(errors.New("exit status 1"))

	for i := 0; i < callers; i++ {
		select {
		case err := <-done:
			if !errors.Is(err, router.ErrWorkerUnavailable) {
				t.Fatalf("expected ErrWorkerUnavailable, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("caller left hanging after disconnect")
		}
	}
	if rt.Pending() != 0 {
		t.Fatalf("pending leak after FailAll: %d", rt.Pending())
	}
}

func TestLateResponseIsDiscarded(t *testing.T) {
	rt := newQuietRouter()
	sender := &echoSender{rt: rt, mute: true}
	rt.Bind(sender)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rt.Call(ctx, "llm/complete", nil); !errors.Is(err, router.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// The worker answers after the deadline; this must not panic or resolve
	// anything twice.
	rt.Dispatch(&wire.Message{ID: 1, Result: json.RawMessage(`"late"`)})
	if rt.Pending() != 0 {
		t.Fatalf("pending count corrupted: %d", rt.Pending())
	}
}

func TestCallWithoutSenderFailsFast(t *testing.T) {
	rt := newQuietRouter()
	_, err := rt.Call(context.Background(), "worker/ping", nil)
	if !errors.Is(err, router.ErrWorkerUnavailable) {
		t.Fatalf("expected ErrWorkerUnavailable, got %v", err)
	}
}
