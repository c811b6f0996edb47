package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// InstanceState tracks a plugin through its load lifecycle.
type InstanceState string

const (
	StateUnloaded InstanceState = "unloaded"
	StateLoading  InstanceState = "loading"
	StateLoaded   InstanceState = "loaded"
	StateError    InstanceState = "error"
)

// legalTransitions encodes the allowed state machine. There is no shortcut
// from unloaded to loaded: every load passes through loading.
var legalTransitions = map[InstanceState][]InstanceState{
	StateUnloaded: {StateLoading},
	StateLoading:  {StateLoaded, StateError, StateUnloaded},
	StateLoaded:   {StateLoading, StateUnloaded, StateError},
	StateError:    {StateLoading, StateUnloaded},
}

var (
	// ErrPluginNotFound indicates the catalogue holds no such plugin id.
	ErrPluginNotFound = errors.New("registry: plugin not found")
)

// TransitionError reports an illegal instance state change.
type TransitionError struct {
	ID   string
	From InstanceState
	To   InstanceState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("registry: plugin %s cannot transition %s -> %s", e.ID, e.From, e.To)
}

// Instance is a point-in-time view of a catalogued plugin.
type Instance struct {
	Manifest *Manifest
	State    InstanceState
	Error    string
	LoadedAt time.Time
}

type entry struct {
	manifest *Manifest
	state    InstanceState
	errMsg   string
	loadedAt time.Time
}

// Registry is the plugin catalogue. Mutations rebuild the internal map;
// Snapshot hands out copies so readers never observe partial updates.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Rescan discovers manifests under the given roots and replaces the
// catalogue with the result.
func (r *Registry) Rescan(roots ...string) ([]*Manifest, []DiscoveryWarning) {
	manifests, warnings := DiscoverWithWarnings(roots...)
	r.Replace(manifests)
	return manifests, warnings
}

// Replace swaps the catalogue for the given manifests. Instance state is
// preserved for plugins whose id survives the rescan; vanished plugins are
// dropped unless they are currently loaded, in which case the stale entry is
// kept so the host can still unload them.
func (r *Registry) Replace(manifests []*Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*entry, len(manifests))
	for _, m := range manifests {
		if prev, ok := r.entries[m.ID]; ok {
			next[m.ID] = &entry{
				manifest: m,
				state:    prev.state,
				errMsg:   prev.errMsg,
				loadedAt: prev.loadedAt,
			}
			continue
		}
		next[m.ID] = &entry{manifest: m, state: StateUnloaded}
	}
	for id, prev := range r.entries {
		if _, ok := next[id]; !ok && prev.state == StateLoaded {
			next[id] = prev
		}
	}
	r.entries = next
}

// Get returns the instance for a plugin id.
func (r *Registry) Get(id string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return e.view(), nil
}

// Snapshot returns a copy of every catalogued instance. Order is
// unspecified; callers sort as needed.
func (r *Registry) Snapshot() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.view())
	}
	return out
}

// Transition moves a plugin to the target state, enforcing the legal state
// machine. Entering loaded stamps LoadedAt; leaving error clears the message.
func (r *Registry) Transition(id string, to InstanceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if !transitionAllowed(e.state, to) {
		return &TransitionError{ID: id, From: e.state, To: to}
	}
	e.state = to
	switch to {
	case StateLoaded:
		e.loadedAt = time.Now()
		e.errMsg = ""
	case StateUnloaded, StateLoading:
		e.errMsg = ""
	}
	return nil
}

// Fail moves a plugin into the error state with a message.
func (r *Registry) Fail(id string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if !transitionAllowed(e.state, StateError) {
		return &TransitionError{ID: id, From: e.state, To: StateError}
	}
	e.state = StateError
	if cause != nil {
		e.errMsg = cause.Error()
	}
	return nil
}

// ResolveDependencies checks that every dependency of the plugin is present
// in the catalogue and satisfies its version constraint.
func (r *Registry) ResolveDependencies(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}

	var errs []error
	for _, dep := range e.manifest.Dependencies {
		target, ok := r.entries[dep.ID]
		if !ok {
			errs = append(errs, fmt.Errorf("dependency %q is not installed", dep.ID))
			continue
		}
		if dep.Version == "" {
			continue
		}
		constraint, err := semver.NewConstraint(dep.Version)
		if err != nil {
			errs = append(errs, fmt.Errorf("dependency %q constraint %q: %w", dep.ID, dep.Version, err))
			continue
		}
		version, err := target.manifest.SemVersion()
		if err != nil {
			errs = append(errs, fmt.Errorf("dependency %q version %q: %w", dep.ID, target.manifest.Version, err))
			continue
		}
		if !constraint.Check(version) {
			errs = append(errs, fmt.Errorf("dependency %q version %s does not satisfy %q", dep.ID, version, dep.Version))
		}
	}
	return errors.Join(errs...)
}

func (e *entry) view() Instance {
	return Instance{
		Manifest: e.manifest,
		State:    e.state,
		Error:    e.errMsg,
		LoadedAt: e.loadedAt,
	}
}

func transitionAllowed(from, to InstanceState) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
