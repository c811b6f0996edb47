// Package health probes the worker and loaded plugins on a fixed schedule
// and classifies each entity from a rolling result window. Probes run on
// their own ticker and never sit on the user-call path; readers get the
// latest snapshot through an atomic pointer swap, never a lock.
package health

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/loomstudio/loom/internal/eventbus"
	"github.com/loomstudio/loom/internal/router"
)

// Status classifies an entity's health.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses for the worst-of rollup.
var severity = map[Status]int{
	StatusHealthy:   0,
	StatusUnknown:   1,
	StatusDegraded:  2,
	StatusUnhealthy: 3,
}

// Severity returns the numeric rank of a status, higher meaning worse.
// Exported for metrics gauges that export health as a number.
func Severity(s Status) int {
	return severity[s]
}

// WorkerEntity is the snapshot key for the worker process itself.
const WorkerEntity = "worker"

const (
	probeWorkerMethod = "worker/ping"
	probePluginMethod = "plugin/ping"
)

// Config tunes the monitor. Zero values pick the defaults.
type Config struct {
	Interval         time.Duration // probe period
	ProbeTimeout     time.Duration // per-probe deadline
	WindowSize       int           // rolling window length per entity
	LatencyThreshold time.Duration // sustained latency above this is degraded
	ErrorRateLimit   float64       // error rate above this is degraded
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 5
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = time.Second
	}
	if c.ErrorRateLimit <= 0 {
		c.ErrorRateLimit = 0.05
	}
}

// EntityHealth is the classified state of one probed entity.
type EntityHealth struct {
	Entity      string        `json:"entity"`
	Status      Status        `json:"status"`
	LastLatency time.Duration `json:"last_latency_ns"`
	Failures    int           `json:"failures"`
	Samples     int           `json:"samples"`
	CheckedAt   time.Time     `json:"checked_at"`
}

// Snapshot is an immutable view of system health. It is replaced wholesale
// on every probe pass, never mutated in place.
type Snapshot struct {
	System   Status                  `json:"system"`
	Entities map[string]EntityHealth `json:"entities"`
	TakenAt  time.Time               `json:"taken_at"`
}

type probeResult struct {
	ok      bool
	latency time.Duration
	at      time.Time
}

// window is a bounded probe-result history. It is confined to the monitor's
// probe goroutine; only snapshots escape.
type window struct {
	results []probeResult
	max     int
}

func (w *window) push(r probeResult) {
	w.results = append(w.results, r)
	if len(w.results) > w.max {
		w.results = w.results[len(w.results)-w.max:]
	}
}

// Monitor periodically probes the worker and loaded plugins.
type Monitor struct {
	router  *router.Router
	bus     *eventbus.Bus
	logger  *log.Logger
	cfg     Config
	plugins func() []string // loaded plugin ids to probe

	windows    map[string]*window
	previous   map[string]Status
	workerDown bool // worker probe failed on the latest pass
	snapshot   atomic.Pointer[Snapshot]
}

// New constructs a monitor. plugins supplies the loaded plugin ids to probe
// each tick; nil means worker-only probing.
func New(rt *router.Router, bus *eventbus.Bus, plugins func() []string, cfg Config) *Monitor {
	cfg.applyDefaults()
	m := &Monitor{
		router:   rt,
		bus:      bus,
		logger:   log.Default(),
		cfg:      cfg,
		plugins:  plugins,
		windows:  make(map[string]*window),
		previous: make(map[string]Status),
	}
	m.snapshot.Store(&Snapshot{System: StatusUnknown, Entities: map[string]EntityHealth{}, TakenAt: time.Now()})
	return m
}

// Run probes until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Snapshot returns the latest health view. Never blocks on the probe loop.
func (m *Monitor) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

// Probe runs one probe pass over the worker and all loaded plugins, then
// swaps in a fresh snapshot. Exposed so tests (and the daemon's readiness
// path) can drive passes without waiting out the ticker.
func (m *Monitor) Probe(ctx context.Context) {
	workerResult := m.probe(ctx, probeWorkerMethod, "")
	m.workerDown = !workerResult.ok
	m.record(WorkerEntity, workerResult)

	if m.plugins != nil {
		for _, id := range m.plugins() {
			m.record("plugin:"+id, m.probe(ctx, probePluginMethod, id))
		}
	}

	m.publishSnapshot()
}

func (m *Monitor) probe(ctx context.Context, method, pluginID string) probeResult {
	var params json.RawMessage
	if pluginID != "" {
		params, _ = json.Marshal(map[string]string{"id": pluginID})
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	_, err := m.router.Call(probeCtx, method, params)
	return probeResult{ok: err == nil, latency: time.Since(start), at: time.Now()}
}

func (m *Monitor) record(entity string, r probeResult) {
	w, ok := m.windows[entity]
	if !ok {
		w = &window{max: m.cfg.WindowSize}
		m.windows[entity] = w
	}
	w.push(r)
}

// classify derives a status from the rolling window. A full window of
// failures is unhealthy; an elevated error rate or sustained latency above
// the threshold is degraded.
func (m *Monitor) classify(w *window) (Status, EntityHealth) {
	h := EntityHealth{Status: StatusUnknown}
	if len(w.results) == 0 {
		return StatusUnknown, h
	}

	failures := 0
	var latencySum time.Duration
	for _, r := range w.results {
		if !r.ok {
			failures++
		}
		latencySum += r.latency
	}
	last := w.results[len(w.results)-1]
	h.LastLatency = last.latency
	h.Failures = failures
	h.Samples = len(w.results)
	h.CheckedAt = last.at

	switch {
	case failures == len(w.results) && len(w.results) >= w.max:
		h.Status = StatusUnhealthy
	case failures > 0 && float64(failures)/float64(len(w.results)) > m.cfg.ErrorRateLimit:
		h.Status = StatusDegraded
	case latencySum/time.Duration(len(w.results)) > m.cfg.LatencyThreshold:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}
	return h.Status, h
}

func (m *Monitor) publishSnapshot() {
	// Drop windows of plugins that are no longer probed.
	if m.plugins != nil {
		active := map[string]struct{}{WorkerEntity: {}}
		for _, id := range m.plugins() {
			active["plugin:"+id] = struct{}{}
		}
		for entity := range m.windows {
			if _, ok := active[entity]; !ok {
				delete(m.windows, entity)
				delete(m.previous, entity)
			}
		}
	}

	entities := make(map[string]EntityHealth, len(m.windows))
	system := StatusUnknown
	first := true

	for entity, w := range m.windows {
		status, h := m.classify(w)
		// A plugin cannot be reached at all while the worker is down, so its
		// own window is moot for this pass.
		if entity != WorkerEntity && m.workerDown {
			status = StatusUnhealthy
			h.Status = StatusUnhealthy
		}
		h.Entity = entity
		entities[entity] = h

		if first || severity[status] > severity[system] {
			system = status
			first = false
		}

		if prev, seen := m.previous[entity]; !seen || prev != status {
			if seen {
				m.logger.Printf("[Health] %s: %s -> %s", entity, prev, status)
			}
			eventbus.Publish(context.Background(), m.bus, eventbus.HealthChanged, eventbus.SourceHealth, eventbus.HealthChangedEvent{
				Entity:   entity,
				Status:   string(status),
				Previous: string(prev),
			})
			m.previous[entity] = status
		}
	}

	m.snapshot.Store(&Snapshot{System: system, Entities: entities, TakenAt: time.Now()})
}
