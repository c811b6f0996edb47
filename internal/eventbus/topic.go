package eventbus

import (
	"context"
	"sync"
)

// TopicDef binds a Topic string to a payload type T at compile time.
type TopicDef[T any] struct{ topic Topic }

// NewTopicDef creates a typed topic descriptor for the given topic string.
func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic string.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// Typed topic descriptors for every standard topic.
var (
	WorkerLifecycle = NewTopicDef[WorkerLifecycleEvent](TopicWorkerLifecycle)
	PluginStatus    = NewTopicDef[PluginStatusEvent](TopicPluginStatus)
	PluginLog       = NewTopicDef[PluginLogEvent](TopicPluginLog)
	HealthChanged   = NewTopicDef[HealthChangedEvent](TopicHealthChanged)
	SwapResult      = NewTopicDef[SwapResultEvent](TopicSwapResult)
)

// Publish sends a typed payload on the bus using the topic descriptor.
// If bus is nil the call is a no-op.
func Publish[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, Envelope{
		Topic:   td.topic,
		Source:  source,
		Payload: payload,
	})
}

// Consume reads events from sub until context cancellation or subscription
// closure, forwarding payloads of type T to handler. Payloads of other types
// are skipped.
func Consume[T any](ctx context.Context, sub *Subscription, wg *sync.WaitGroup, handler func(T)) {
	if wg != nil {
		defer wg.Done()
	}
	if sub == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if payload, ok := env.Payload.(T); ok {
				handler(payload)
			}
		}
	}
}
