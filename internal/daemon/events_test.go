package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomstudio/loom/internal/eventbus"
)

func startEventServer(t *testing.T) (*eventServer, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	srv := newEventServer("127.0.0.1:0", bus, log.New(io.Discard, "", 0))
	if err := srv.Start(); err != nil {
		t.Fatalf("start event server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
		bus.Shutdown()
	})
	return srv, bus
}

func dialEvents(t *testing.T, srv *eventServer, query string) *websocket.Conn {
	t.Helper()
	url := "ws://" + srv.Addr() + "/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) streamEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event streamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return event
}

func TestEventStreamDeliversBusEvents(t *testing.T) {
	srv, bus := startEventServer(t)
	conn := dialEvents(t, srv, "")

	// Give the hub a moment to register the client.
	time.Sleep(50 * time.Millisecond)

	eventbus.Publish(context.Background(), bus, eventbus.WorkerLifecycle, eventbus.SourceSupervisor,
		eventbus.WorkerLifecycleEvent{State: "running", PID: 42})

	event := readEvent(t, conn)
	if event.Topic != string(eventbus.TopicWorkerLifecycle) {
		t.Fatalf("unexpected topic %q", event.Topic)
	}
	if event.Source != string(eventbus.SourceSupervisor) {
		t.Fatalf("unexpected source %q", event.Source)
	}
	payload, ok := event.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type %T", event.Payload)
	}
	if payload["state"] != "running" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestEventStreamTopicFilter(t *testing.T) {
	srv, bus := startEventServer(t)
	conn := dialEvents(t, srv, "?topics=health.changed")

	time.Sleep(50 * time.Millisecond)

	// The lifecycle event must be filtered out; only the health event lands.
	eventbus.Publish(context.Background(), bus, eventbus.WorkerLifecycle, eventbus.SourceSupervisor,
		eventbus.WorkerLifecycleEvent{State: "running"})
	eventbus.Publish(context.Background(), bus, eventbus.HealthChanged, eventbus.SourceHealth,
		eventbus.HealthChangedEvent{Entity: "worker", Status: "healthy", Previous: "unknown"})

	event := readEvent(t, conn)
	if event.Topic != string(eventbus.TopicHealthChanged) {
		t.Fatalf("filter leaked topic %q", event.Topic)
	}
}

func TestEventStreamMultipleClients(t *testing.T) {
	srv, bus := startEventServer(t)
	first := dialEvents(t, srv, "")
	second := dialEvents(t, srv, "")

	time.Sleep(50 * time.Millisecond)

	eventbus.Publish(context.Background(), bus, eventbus.SwapResult, eventbus.SourceLifecycle,
		eventbus.SwapResultEvent{TransactionID: "tx-1", Slot: "llm", To: "echo-llm", State: "committed"})

	for _, conn := range []*websocket.Conn{first, second} {
		event := readEvent(t, conn)
		if event.Topic != string(eventbus.TopicSwapResult) {
			t.Fatalf("unexpected topic %q", event.Topic)
		}
	}
}
