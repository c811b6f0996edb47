package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

// Standard topics published by the host.
const (
	TopicWorkerLifecycle Topic = "worker.lifecycle"
	TopicPluginStatus    Topic = "plugins.status"
	TopicPluginLog       Topic = "plugins.log"
	TopicHealthChanged   Topic = "health.changed"
	TopicSwapResult      Topic = "slots.swap"
)

// Source describes which component produced an event.
type Source string

const (
	SourceSupervisor Source = "supervisor"
	SourceLifecycle  Source = "lifecycle"
	SourceHealth     Source = "health"
	SourceWorker     Source = "worker"
	SourceUnknown    Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Payload   any
}

// WorkerLifecycleEvent reports a supervisor state transition.
type WorkerLifecycleEvent struct {
	State    string `json:"state"`
	PID      int    `json:"pid,omitempty"`
	Restarts int    `json:"restarts"`
	Reason   string `json:"reason,omitempty"`
}

// PluginStatusEvent reports a plugin instance status change.
type PluginStatusEvent struct {
	PluginID string `json:"plugin_id"`
	Slot     string `json:"slot,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// LogLevel classifies plugin log output.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelError LogLevel = "error"
)

// PluginLogEvent carries one line of plugin or worker output.
type PluginLogEvent struct {
	PluginID string   `json:"plugin_id,omitempty"`
	Level    LogLevel `json:"level"`
	Line     string   `json:"line"`
}

// HealthChangedEvent reports a health classification transition for one entity.
type HealthChangedEvent struct {
	Entity   string `json:"entity"`
	Status   string `json:"status"`
	Previous string `json:"previous"`
}

// SwapResultEvent reports the terminal state of a swap transaction.
type SwapResultEvent struct {
	TransactionID string `json:"transaction_id"`
	Slot          string `json:"slot"`
	From          string `json:"from,omitempty"`
	To            string `json:"to"`
	State         string `json:"state"`
	Error         string `json:"error,omitempty"`
}
