// Package eventbus provides topic-based publish/subscribe messaging between
// host components and the UI event stream. Delivery is at-most-once with
// per-topic ordering; slow subscribers shed load per the topic policy instead
// of blocking publishers.
package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DeliveryStrategy determines behaviour when a subscriber's channel is full.
type DeliveryStrategy string

const (
	// StrategyDropOldest removes the oldest event from the channel and enqueues the new one.
	StrategyDropOldest DeliveryStrategy = "drop-oldest"
	// StrategyDropNewest discards the incoming event when the channel is full.
	StrategyDropNewest DeliveryStrategy = "drop-newest"
)

// defaultBuffers sizes topic channels by expected volume.
var defaultBuffers = map[Topic]int{
	TopicWorkerLifecycle: 64,
	TopicPluginStatus:    128,
	TopicPluginLog:       512,
	TopicHealthChanged:   64,
	TopicSwapResult:      64,
}

// defaultStrategies maps topics to their backpressure behaviour. Log output
// is high volume and tolerates drops; lifecycle transitions keep the newest
// state so late subscribers converge.
var defaultStrategies = map[Topic]DeliveryStrategy{
	TopicPluginLog: StrategyDropOldest,
}

// Bus orchestrates topic-based publish/subscribe messaging.
type Bus struct {
	logger      *log.Logger
	mu          sync.RWMutex
	subscribers map[Topic]map[uint64]*Subscription
	buffers     map[Topic]int
	strategies  map[Topic]DeliveryStrategy
	nextID      uint64
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// WithLogger overrides the logger used for drop warnings.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTopicBuffer sets the buffer size for a given topic.
func WithTopicBuffer(topic Topic, size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.buffers[topic] = size
		}
	}
}

// New constructs a bus with default topic buffer sizes.
func New(opts ...BusOption) *Bus {
	bus := &Bus{
		logger:      log.Default(),
		subscribers: make(map[Topic]map[uint64]*Subscription),
		buffers:     make(map[Topic]int),
		strategies:  make(map[Topic]DeliveryStrategy),
	}
	for topic, size := range defaultBuffers {
		bus.buffers[topic] = size
	}
	for topic, strategy := range defaultStrategies {
		bus.strategies[topic] = strategy
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Publish sends the envelope to all subscribers of the topic.
// If b is nil the call is a no-op.
func (b *Bus) Publish(ctx context.Context, env Envelope) {
	if b == nil || env.Topic == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}

	b.mu.RLock()
	strategy := b.strategies[env.Topic]
	if strategy == "" {
		strategy = StrategyDropNewest
	}
	for _, sub := range b.subscribers[env.Topic] {
		sub.deliver(env, strategy, b.logger)
	}
	b.mu.RUnlock()
}

// Subscribe registers a subscriber for the given topic.
// If b is nil the returned Subscription has a closed channel and Close is a no-op.
func (b *Bus) Subscribe(topic Topic, opts ...SubscriptionOption) *Subscription {
	if b == nil {
		ch := make(chan Envelope)
		close(ch)
		sub := &Subscription{ch: ch}
		sub.closed.Store(true)
		return sub
	}
	cfg := subscriptionConfig{bufferSize: b.buffers[topic]}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 1
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	b.mu.Lock()
	b.nextID++
	sub := &Subscription{
		topic: topic,
		id:    b.nextID,
		name:  cfg.name,
		ch:    make(chan Envelope, cfg.bufferSize),
		bus:   b,
	}
	if _, exists := b.subscribers[topic]; !exists {
		b.subscribers[topic] = make(map[uint64]*Subscription)
	}
	b.subscribers[topic][sub.id] = sub
	b.mu.Unlock()

	if cfg.ctx != nil {
		go func() {
			<-cfg.ctx.Done()
			sub.Close()
		}()
	}
	return sub
}

// Shutdown closes all subscriptions and empties routing tables.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subscribers {
		for id, sub := range subs {
			sub.closeLocked()
			delete(subs, id)
		}
		delete(b.subscribers, topic)
	}
}

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	bufferSize int
	name       string
	ctx        context.Context
}

// WithSubscriptionBuffer overrides the channel buffer for a subscription.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.bufferSize = size
		}
	}
}

// WithSubscriptionName records a human friendly identifier used in drop logs.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

// WithContext ties the subscription lifecycle to a context. When the context
// is cancelled the subscription is automatically closed.
func WithContext(ctx context.Context) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if ctx != nil {
			cfg.ctx = ctx
		}
	}
}

// Subscription represents a consumer listening to a topic.
type Subscription struct {
	topic Topic
	id    uint64
	name  string
	ch    chan Envelope

	bus     *Bus
	mu      sync.Mutex // serializes deliver for per-topic ordering under drop-oldest
	closed  atomic.Bool
	dropped atomic.Uint64
}

// C exposes the event channel.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Dropped returns the number of events shed for this subscription.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	if s.bus == nil {
		s.closeLocked()
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subscribers[s.topic]; ok {
		delete(subs, s.id)
	}
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

func (s *Subscription) deliver(env Envelope, strategy DeliveryStrategy, logger *log.Logger) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}

	select {
	case s.ch <- env:
		return
	default:
	}

	switch strategy {
	case StrategyDropOldest:
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- env:
			return
		default:
		}
	default:
	}

	s.dropped.Add(1)
	name := s.name
	if name == "" {
		name = "anonymous"
	}
	logger.Printf("[EventBus] dropping %s event for slow subscriber %q (dropped=%d)", env.Topic, name, s.dropped.Load())
}
