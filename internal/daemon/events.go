package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loomstudio/loom/internal/eventbus"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPingPeriod = 30 * time.Second
	eventPongWait   = 60 * time.Second

	// clientSendBuffer bounds the per-client queue; a stalled client loses
	// events rather than stalling the hub (at-most-once delivery).
	clientSendBuffer = 64
)

// streamEvent is the JSON shape delivered to websocket clients.
type streamEvent struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload"`
}

// eventClient is one websocket subscriber. topics empty means all topics.
type eventClient struct {
	id     string
	conn   *websocket.Conn
	send   chan streamEvent
	topics map[string]bool
}

func (c *eventClient) wants(topic string) bool {
	if len(c.topics) == 0 {
		return true
	}
	return c.topics[topic]
}

// eventServer bridges the event bus onto a websocket endpoint. Loopback
// only, same stance as the metrics listener.
type eventServer struct {
	addr   string
	bus    *eventbus.Bus
	logger *log.Logger

	upgrader   websocket.Upgrader
	register   chan *eventClient
	unregister chan *eventClient
	broadcast  chan streamEvent

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	cancel     context.CancelFunc
	ctx        context.Context
	wg         sync.WaitGroup
}

func newEventServer(addr string, bus *eventbus.Bus, logger *log.Logger) *eventServer {
	return &eventServer{
		addr:   addr,
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The listener binds loopback; every local origin is fine.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		register:   make(chan *eventClient),
		unregister: make(chan *eventClient),
		broadcast:  make(chan streamEvent, 256),
	}
}

func (s *eventServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWebSocket)
	server := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = server
	s.cancel = cancel
	s.ctx = ctx
	s.mu.Unlock()

	s.wg.Add(2)
	go s.run(ctx)
	go s.pump(ctx)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("[Events] serve: %v", err)
		}
	}()
	return nil
}

func (s *eventServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	cancel := s.cancel
	s.httpServer = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown event server: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// Addr returns the bound listen address.
func (s *eventServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// pump subscribes to every standard topic and feeds the broadcast channel.
func (s *eventServer) pump(ctx context.Context) {
	defer s.wg.Done()

	topics := []eventbus.Topic{
		eventbus.TopicWorkerLifecycle,
		eventbus.TopicPluginStatus,
		eventbus.TopicPluginLog,
		eventbus.TopicHealthChanged,
		eventbus.TopicSwapResult,
	}
	var subs []*eventbus.Subscription
	cases := make(chan eventbus.Envelope, 256)
	for _, topic := range topics {
		sub := s.bus.Subscribe(topic,
			eventbus.WithSubscriptionName("event-stream"),
			eventbus.WithContext(ctx))
		subs = append(subs, sub)
		s.wg.Add(1)
		go func(sub *eventbus.Subscription) {
			defer s.wg.Done()
			for env := range sub.C() {
				select {
				case cases <- env:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	for {
		select {
		case env := <-cases:
			event := streamEvent{
				Topic:     string(env.Topic),
				Timestamp: env.Timestamp,
				Source:    string(env.Source),
				Payload:   env.Payload,
			}
			select {
			case s.broadcast <- event:
			default:
				// Hub backlog full; drop rather than block publishers.
			}
		case <-ctx.Done():
			return
		}
	}
}

// run is the hub loop owning the client set.
func (s *eventServer) run(ctx context.Context) {
	defer s.wg.Done()

	clients := make(map[*eventClient]bool)
	defer func() {
		for client := range clients {
			close(client.send)
		}
	}()

	for {
		select {
		case client := <-s.register:
			clients[client] = true
			s.logger.Printf("[Events] client %s connected (%d total)", client.id, len(clients))
		case client := <-s.unregister:
			if clients[client] {
				delete(clients, client)
				close(client.send)
				s.logger.Printf("[Events] client %s disconnected (%d total)", client.id, len(clients))
			}
		case event := <-s.broadcast:
			for client := range clients {
				if !client.wants(event.Topic) {
					continue
				}
				select {
				case client.send <- event:
				default:
					// Slow client: skip this event for it.
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *eventServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[Events] upgrade: %v", err)
		return
	}

	client := &eventClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan streamEvent, clientSendBuffer),
	}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		client.topics = make(map[string]bool)
		for _, topic := range strings.Split(raw, ",") {
			if topic = strings.TrimSpace(topic); topic != "" {
				client.topics[topic] = true
			}
		}
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	select {
	case s.register <- client:
	case <-ctx.Done():
		conn.Close()
		return
	}
	go s.writePump(client)
	go s.readPump(client, ctx)
}

// readPump drains client frames. Clients send nothing meaningful; the read
// loop exists to notice disconnects and answer pings.
func (s *eventServer) readPump(client *eventClient, ctx context.Context) {
	defer func() {
		select {
		case s.unregister <- client:
		case <-ctx.Done():
		}
		client.conn.Close()
	}()
	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("[Events] client %s read: %v", client.id, err)
			}
			return
		}
	}
}

func (s *eventServer) writePump(client *eventClient) {
	ticker := time.NewTicker(eventPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case event, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Printf("[Events] marshal event: %v", err)
				continue
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
