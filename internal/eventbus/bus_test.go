package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/loomstudio/loom/internal/eventbus"
)

func TestBusPublishDeliver(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicWorkerLifecycle)
	defer sub.Close()

	payload := eventbus.WorkerLifecycleEvent{State: "running", PID: 4242}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	eventbus.Publish(ctx, bus, eventbus.WorkerLifecycle, eventbus.SourceSupervisor, payload)

	select {
	case env := <-sub.C():
		msg, ok := env.Payload.(eventbus.WorkerLifecycleEvent)
		if !ok {
			t.Fatalf("expected WorkerLifecycleEvent payload, got %T", env.Payload)
		}
		if msg.State != "running" || msg.PID != 4242 {
			t.Fatalf("unexpected payload: %+v", msg)
		}
		if env.Source != eventbus.SourceSupervisor {
			t.Fatalf("unexpected source: %s", env.Source)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestBusOrderingPerTopic(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicPluginLog, eventbus.WithSubscriptionBuffer(16))
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		eventbus.Publish(ctx, bus, eventbus.PluginLog, eventbus.SourceWorker, eventbus.PluginLogEvent{
			Level: eventbus.LogLevelInfo,
			Line:  string(rune('a' + i)),
		})
	}

	for i := 0; i < 10; i++ {
		select {
		case env := <-sub.C():
			got := env.Payload.(eventbus.PluginLogEvent).Line
			want := string(rune('a' + i))
			if got != want {
				t.Fatalf("ordering broken at %d: got %q want %q", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestBusSlowSubscriberDropsNewest(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicSwapResult, eventbus.WithSubscriptionBuffer(1))
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		eventbus.Publish(ctx, bus, eventbus.SwapResult, eventbus.SourceLifecycle, eventbus.SwapResultEvent{Slot: "primary-llm"})
	}

	if sub.Dropped() != 4 {
		t.Fatalf("expected 4 dropped events, got %d", sub.Dropped())
	}
	// The first event must still be delivered intact.
	select {
	case env := <-sub.C():
		if env.Topic != eventbus.TopicSwapResult {
			t.Fatalf("unexpected topic %s", env.Topic)
		}
	default:
		t.Fatal("expected one buffered event")
	}
}

func TestBusDropOldestKeepsNewest(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicPluginLog, eventbus.WithSubscriptionBuffer(1))
	defer sub.Close()

	ctx := context.Background()
	eventbus.Publish(ctx, bus, eventbus.PluginLog, eventbus.SourceWorker, eventbus.PluginLogEvent{Line: "first"})
	eventbus.Publish(ctx, bus, eventbus.PluginLog, eventbus.SourceWorker, eventbus.PluginLogEvent{Line: "second"})

	select {
	case env := <-sub.C():
		line := env.Payload.(eventbus.PluginLogEvent).Line
		if line != "second" {
			t.Fatalf("drop-oldest should keep the newest line, got %q", line)
		}
	default:
		t.Fatal("expected a buffered event")
	}
}

func TestSubscribeWithContextClosesSubscription(t *testing.T) {
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(eventbus.TopicHealthChanged, eventbus.WithContext(ctx))

	cancel()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancellation")
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *eventbus.Bus
	eventbus.Publish(context.Background(), bus, eventbus.HealthChanged, eventbus.SourceHealth, eventbus.HealthChangedEvent{})
	sub := bus.Subscribe(eventbus.TopicHealthChanged)
	if _, ok := <-sub.C(); ok {
		t.Fatal("nil bus subscription must be closed")
	}
	sub.Close()
	bus.Shutdown()
}
