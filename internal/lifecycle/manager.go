// Package lifecycle drives plugin load/unload and slot hot-swap through the
// worker. All worker interaction goes through the correlation router; the
// per-slot lock is the only exclusive lock and is never held across an
// unbounded wait.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/loomstudio/loom/internal/config/store"
	"github.com/loomstudio/loom/internal/eventbus"
	"github.com/loomstudio/loom/internal/registry"
	"github.com/loomstudio/loom/internal/router"
)

// Worker methods issued by the lifecycle manager.
const (
	methodPluginLoad   = "plugin/load"
	methodPluginUnload = "plugin/unload"
	methodPluginPing   = "plugin/ping"
)

var (
	// ErrSwapInProgress indicates another swap already holds the slot lock.
	ErrSwapInProgress = errors.New("lifecycle: swap already in progress for slot")
	// ErrSlotContract indicates the candidate plugin does not implement the
	// slot's contract.
	ErrSlotContract = errors.New("lifecycle: plugin contract does not match slot")
)

// LoadError wraps a worker-side load failure.
type LoadError struct {
	Plugin string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %s: %v", e.Plugin, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// UnloadError wraps a worker-side unload failure.
type UnloadError struct {
	Plugin string
	Err    error
}

func (e *UnloadError) Error() string {
	return fmt.Sprintf("unload plugin %s: %v", e.Plugin, e.Err)
}

func (e *UnloadError) Unwrap() error { return e.Err }

// PhaseTimeouts bound each swap phase. Zero values pick the defaults.
type PhaseTimeouts struct {
	Load   time.Duration
	Unload time.Duration
	Verify time.Duration
}

func (t *PhaseTimeouts) applyDefaults() {
	if t.Load <= 0 {
		t.Load = 30 * time.Second
	}
	if t.Unload <= 0 {
		t.Unload = 10 * time.Second
	}
	if t.Verify <= 0 {
		t.Verify = 10 * time.Second
	}
}

// Manager owns plugin load state and slot bindings.
type Manager struct {
	router   *router.Router
	registry *registry.Registry
	store    *store.Store
	bus      *eventbus.Bus
	logger   *log.Logger
	timeouts PhaseTimeouts

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-slot swap locks
}

// New constructs a lifecycle manager.
func New(rt *router.Router, reg *registry.Registry, st *store.Store, bus *eventbus.Bus, timeouts PhaseTimeouts) *Manager {
	timeouts.applyDefaults()
	return &Manager{
		router:   rt,
		registry: reg,
		store:    st,
		bus:      bus,
		logger:   log.Default(),
		timeouts: timeouts,
		locks:    make(map[string]*sync.Mutex),
	}
}

type loadParams struct {
	ID       string   `json:"id"`
	Entry    string   `json:"entry"`
	Contract string   `json:"contract"`
	Methods  []string `json:"methods"`
}

type pluginParams struct {
	ID string `json:"id"`
}

// Load moves a plugin through loading into loaded by instructing the worker
// to execute its entry script. Dependencies are resolved first.
func (m *Manager) Load(ctx context.Context, id string) error {
	inst, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if inst.State == registry.StateLoaded {
		return nil
	}
	if err := m.registry.ResolveDependencies(id); err != nil {
		return &LoadError{Plugin: id, Err: err}
	}
	if err := m.registry.Transition(id, registry.StateLoading); err != nil {
		return err
	}

	params, err := json.Marshal(loadParams{
		ID:       id,
		Entry:    inst.Manifest.EntryPath(),
		Contract: inst.Manifest.Contract,
		Methods:  inst.Manifest.Methods,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: marshal load params: %w", err)
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.timeouts.Load)
	defer cancel()
	if _, err := m.router.Call(loadCtx, methodPluginLoad, params); err != nil {
		if ferr := m.registry.Fail(id, err); ferr != nil {
			m.logger.Printf("[Lifecycle] record load failure for %s: %v", id, ferr)
		}
		m.publishStatus(id, string(registry.StateError), err.Error())
		return &LoadError{Plugin: id, Err: err}
	}

	if err := m.registry.Transition(id, registry.StateLoaded); err != nil {
		return err
	}
	m.publishStatus(id, string(registry.StateLoaded), "")
	m.logger.Printf("[Lifecycle] plugin %s loaded", id)
	return nil
}

// Unload instructs the worker to drop a plugin and marks it unloaded.
func (m *Manager) Unload(ctx context.Context, id string) error {
	inst, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if inst.State == registry.StateUnloaded {
		return nil
	}

	params, err := json.Marshal(pluginParams{ID: id})
	if err != nil {
		return fmt.Errorf("lifecycle: marshal unload params: %w", err)
	}

	unloadCtx, cancel := context.WithTimeout(ctx, m.timeouts.Unload)
	defer cancel()
	if _, err := m.router.Call(unloadCtx, methodPluginUnload, params); err != nil {
		if ferr := m.registry.Fail(id, err); ferr != nil {
			m.logger.Printf("[Lifecycle] record unload failure for %s: %v", id, ferr)
		}
		m.publishStatus(id, string(registry.StateError), err.Error())
		return &UnloadError{Plugin: id, Err: err}
	}

	if err := m.registry.Transition(id, registry.StateUnloaded); err != nil {
		return err
	}
	m.publishStatus(id, string(registry.StateUnloaded), "")
	m.logger.Printf("[Lifecycle] plugin %s unloaded", id)
	return nil
}

// verify pings one plugin inside the worker.
func (m *Manager) verify(ctx context.Context, id string) error {
	params, err := json.Marshal(pluginParams{ID: id})
	if err != nil {
		return err
	}
	verifyCtx, cancel := context.WithTimeout(ctx, m.timeouts.Verify)
	defer cancel()
	_, err = m.router.Call(verifyCtx, methodPluginPing, params)
	return err
}

// Reconcile loads the plugin bound to every slot whose binding persisted
// across a restart. Failures mark the slot errored but never abort the whole
// reconcile pass.
func (m *Manager) Reconcile(ctx context.Context) error {
	slots, err := m.store.ListSlots(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, slot := range slots {
		if slot.PluginID == "" || slot.Status != store.SlotStatusBound {
			continue
		}
		if err := m.Load(ctx, slot.PluginID); err != nil {
			m.logger.Printf("[Lifecycle] reconcile slot %s: %v", slot.Name, err)
			if merr := m.store.MarkSlotError(ctx, slot.Name, err.Error()); merr != nil {
				m.logger.Printf("[Lifecycle] mark slot %s errored: %v", slot.Name, merr)
			}
			errs = append(errs, fmt.Errorf("slot %s: %w", slot.Name, err))
		}
	}
	return errors.Join(errs...)
}

// LoadedCount reports how many catalogued plugins are currently loaded.
func (m *Manager) LoadedCount() int {
	count := 0
	for _, inst := range m.registry.Snapshot() {
		if inst.State == registry.StateLoaded {
			count++
		}
	}
	return count
}

func (m *Manager) slotLock(slot string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[slot]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[slot] = lock
	}
	return lock
}

func (m *Manager) publishStatus(id, state, detail string) {
	eventbus.Publish(context.Background(), m.bus, eventbus.PluginStatus, eventbus.SourceLifecycle, eventbus.PluginStatusEvent{
		PluginID: id,
		Status:   state,
		Error:    detail,
	})
}
