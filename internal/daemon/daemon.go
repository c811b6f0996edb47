// Package daemon assembles the host: config store, event bus, plugin
// registry, worker supervisor, lifecycle manager, health monitor, metrics,
// the unix-socket invoke surface and the websocket event stream.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomstudio/loom/internal/config"
	"github.com/loomstudio/loom/internal/config/store"
	"github.com/loomstudio/loom/internal/eventbus"
	"github.com/loomstudio/loom/internal/health"
	"github.com/loomstudio/loom/internal/lifecycle"
	"github.com/loomstudio/loom/internal/observability"
	"github.com/loomstudio/loom/internal/registry"
	"github.com/loomstudio/loom/internal/router"
	"github.com/loomstudio/loom/internal/supervisor"
	"github.com/loomstudio/loom/internal/wire"
)

const (
	// serviceOpTimeout bounds teardown steps during shutdown and the
	// supervisor restart issued by host/restart.
	serviceOpTimeout = 10 * time.Second

	// defaultStopGrace is the graceful-stop window used when the shutdown
	// request does not name one.
	defaultStopGrace = 5 * time.Second
)

// Options groups the dependencies required to construct a Daemon.
type Options struct {
	Store *store.Store
	Paths config.InstancePaths

	// WorkerBinary overrides the loom-worker path. Defaults to
	// loom-worker next to the daemon binary, else the instance bin dir.
	WorkerBinary string

	// PluginRoots are the directories scanned for plugin manifests.
	// Defaults to the instance plugins dir.
	PluginRoots []string

	// MetricsAddr is the loopback listen address for /metrics and
	// /healthz. Empty uses the observability default.
	MetricsAddr string

	// EventsAddr is the loopback listen address for the websocket event
	// stream. Empty disables the stream.
	EventsAddr string

	Supervisor supervisor.Config
	Health     health.Config
	Timeouts   lifecycle.PhaseTimeouts

	// Launcher substitutes the worker process launcher, used by tests.
	Launcher supervisor.Launcher
}

// Daemon is the host process.
type Daemon struct {
	store      *store.Store
	paths      config.InstancePaths
	bus        *eventbus.Bus
	router     *router.Router
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	manager    *lifecycle.Manager
	monitor    *health.Monitor
	obs        *observability.Server
	events     *eventServer
	socket     *socketService
	logger     *log.Logger

	pluginRoots []string
	startedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
	done         chan struct{}

	graceMu   sync.Mutex
	stopGrace time.Duration

	errMu  sync.Mutex
	runErr error
}

// New wires the host components together. Nothing is started yet.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: configuration store is required")
	}
	paths := opts.Paths
	if paths.Home == "" {
		paths = config.GetInstancePaths(opts.Store.InstanceName())
	}

	logger := log.Default()
	bus := eventbus.New(eventbus.WithLogger(logger))
	rt := router.New(logger)
	reg := registry.New()

	supCfg := opts.Supervisor
	if supCfg.Binary == "" {
		supCfg.Binary = opts.WorkerBinary
	}
	if supCfg.Binary == "" {
		supCfg.Binary = defaultWorkerBinary(paths)
	}
	var supOpts []supervisor.Option
	if opts.Launcher != nil {
		supOpts = append(supOpts, supervisor.WithLauncher(opts.Launcher))
	}
	sup := supervisor.New(supCfg, rt, bus, supOpts...)

	manager := lifecycle.New(rt, reg, opts.Store, bus, opts.Timeouts)

	roots := opts.PluginRoots
	if len(roots) == 0 {
		roots = []string{paths.PluginsDir}
	}

	d := &Daemon{
		store:       opts.Store,
		paths:       paths,
		bus:         bus,
		router:      rt,
		registry:    reg,
		supervisor:  sup,
		manager:     manager,
		logger:      logger,
		pluginRoots: roots,
		done:        make(chan struct{}),
	}

	d.monitor = health.New(rt, bus, d.loadedPluginIDs, opts.Health)
	d.obs = observability.NewServer(opts.MetricsAddr, d.workerReady)
	if opts.EventsAddr != "" {
		d.events = newEventServer(opts.EventsAddr, bus, logger)
	}
	d.socket = newSocketService(paths.Socket, d)

	sup.OnNotify(d.handleWorkerNotification)
	return d, nil
}

// Start runs the daemon until Shutdown is called or a fatal error occurs.
func (d *Daemon) Start() error {
	if err := WritePIDFile(d.paths.PIDFile, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	defer RemovePIDFile(d.paths.PIDFile)

	d.startedAt = time.Now()
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if _, err := d.obs.Start(); err != nil {
		return fmt.Errorf("daemon: start metrics server: %w", err)
	}
	if d.events != nil {
		if err := d.events.Start(); err != nil {
			d.teardownObservers()
			return fmt.Errorf("daemon: start event stream: %w", err)
		}
	}

	manifests, warnings := d.registry.Rescan(d.pluginRoots...)
	d.logger.Printf("[Daemon] discovered %d plugin(s), %d manifest warning(s)", len(manifests), len(warnings))

	if err := d.supervisor.Start(d.ctx); err != nil {
		d.teardownObservers()
		return fmt.Errorf("daemon: start worker: %w", err)
	}

	reconcileCtx, cancelReconcile := context.WithTimeout(d.ctx, serviceOpTimeout)
	if err := d.manager.Reconcile(reconcileCtx); err != nil {
		d.logger.Printf("[Daemon] reconcile: %v", err)
	}
	cancelReconcile()

	go d.monitor.Run(d.ctx)
	d.startMetricsBridges()

	if err := d.socket.Start(d.ctx); err != nil {
		d.teardownObservers()
		return fmt.Errorf("daemon: start invoke socket: %w", err)
	}

	d.logger.Printf("[Daemon] started (pid=%d, socket=%s)", os.Getpid(), d.paths.Socket)

	<-d.done

	d.teardown()
	return d.getRunError()
}

// Shutdown signals Start to unwind. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.done) })
}

// setStopGrace overrides the worker's graceful-stop window for this
// shutdown, as requested over the invoke surface.
func (d *Daemon) setStopGrace(grace time.Duration) {
	d.graceMu.Lock()
	d.stopGrace = grace
	d.graceMu.Unlock()
}

func (d *Daemon) stopGraceValue() time.Duration {
	d.graceMu.Lock()
	defer d.graceMu.Unlock()
	if d.stopGrace > 0 {
		return d.stopGrace
	}
	return defaultStopGrace
}

func (d *Daemon) teardown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	defer cancel()

	if err := d.socket.Shutdown(shutdownCtx); err != nil {
		d.logger.Printf("[Daemon] socket shutdown: %v", err)
	}
	if d.cancel != nil {
		d.cancel()
	}

	// Stop fails pending requests before closing the pipe, so clients see
	// worker_unavailable rather than hanging.
	if err := d.supervisor.Stop(shutdownCtx, d.stopGraceValue()); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		d.logger.Printf("[Daemon] worker stop: %v", err)
	}

	d.teardownObservers()
	d.bus.Shutdown()

	if err := d.store.Close(); err != nil {
		d.logger.Printf("[Daemon] store close: %v", err)
	}
	d.logger.Printf("[Daemon] stopped")
}

func (d *Daemon) teardownObservers() {
	ctx, cancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	defer cancel()
	if err := d.obs.Stop(ctx); err != nil {
		d.logger.Printf("[Daemon] metrics server stop: %v", err)
	}
	if d.events != nil {
		if err := d.events.Stop(ctx); err != nil {
			d.logger.Printf("[Daemon] event stream stop: %v", err)
		}
	}
}

func (d *Daemon) setRunError(err error) {
	d.errMu.Lock()
	if d.runErr == nil {
		d.runErr = err
	}
	d.errMu.Unlock()
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// restartWorker stops and relaunches the worker, then reloads slot bindings.
func (d *Daemon) restartWorker(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, serviceOpTimeout)
	defer cancel()
	if err := d.supervisor.Stop(stopCtx, defaultStopGrace); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		return fmt.Errorf("stop worker: %w", err)
	}
	if err := d.supervisor.Start(d.ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	if err := d.manager.Reconcile(ctx); err != nil {
		d.logger.Printf("[Daemon] reconcile after restart: %v", err)
	}
	return nil
}

// loadedPluginIDs feeds the health monitor's plugin probe set.
func (d *Daemon) loadedPluginIDs() []string {
	var ids []string
	for _, inst := range d.registry.Snapshot() {
		if inst.State == registry.StateLoaded {
			ids = append(ids, inst.Manifest.ID)
		}
	}
	return ids
}

// workerReady is the readiness gate for /healthz/readiness.
func (d *Daemon) workerReady() bool {
	switch d.supervisor.Status().State {
	case supervisor.StateRunning, supervisor.StateDegraded:
		return true
	default:
		return false
	}
}

// handleWorkerNotification routes unsolicited worker frames. Only plugin log
// lines are expected; anything else gets logged and dropped.
func (d *Daemon) handleWorkerNotification(msg *wire.Message) {
	switch msg.Method {
	case "plugin/log":
		var payload struct {
			Plugin string `json:"plugin,omitempty"`
			Level  string `json:"level,omitempty"`
			Line   string `json:"line"`
		}
		if err := json.Unmarshal(msg.Params, &payload); err != nil {
			d.logger.Printf("[Daemon] malformed plugin/log frame: %v", err)
			return
		}
		level := eventbus.LogLevelInfo
		if payload.Level == "error" {
			level = eventbus.LogLevelError
		}
		eventbus.Publish(context.Background(), d.bus, eventbus.PluginLog, eventbus.SourceWorker, eventbus.PluginLogEvent{
			PluginID: payload.Plugin,
			Level:    level,
			Line:     payload.Line,
		})
	default:
		d.logger.Printf("[Daemon] unexpected worker notification %q", msg.Method)
	}
}

// startMetricsBridges mirrors bus events into Prometheus series.
func (d *Daemon) startMetricsBridges() {
	metrics := d.obs.Metrics()

	healthSub := d.bus.Subscribe(eventbus.TopicHealthChanged,
		eventbus.WithSubscriptionName("metrics-health"), eventbus.WithContext(d.ctx))
	go eventbus.Consume(d.ctx, healthSub, nil, func(ev eventbus.HealthChangedEvent) {
		metrics.SetHealth(ev.Entity, health.Severity(health.Status(ev.Status)))
	})

	swapSub := d.bus.Subscribe(eventbus.TopicSwapResult,
		eventbus.WithSubscriptionName("metrics-swaps"), eventbus.WithContext(d.ctx))
	go eventbus.Consume(d.ctx, swapSub, nil, func(ev eventbus.SwapResultEvent) {
		metrics.RecordSwap(ev.Slot, ev.State)
	})

	lifecycleSub := d.bus.Subscribe(eventbus.TopicWorkerLifecycle,
		eventbus.WithSubscriptionName("metrics-lifecycle"), eventbus.WithContext(d.ctx))
	go func() {
		lastRestarts := 0
		eventbus.Consume(d.ctx, lifecycleSub, nil, func(ev eventbus.WorkerLifecycleEvent) {
			if ev.Restarts > lastRestarts {
				for i := lastRestarts; i < ev.Restarts; i++ {
					metrics.WorkerRestarts.Inc()
				}
				lastRestarts = ev.Restarts
			}
		})
	}()
}

func defaultWorkerBinary(paths config.InstancePaths) string {
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "loom-worker")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return filepath.Join(paths.BinDir, "loom-worker")
}
