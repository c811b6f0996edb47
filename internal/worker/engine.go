// Package worker implements the plugin engine hosted by the loom-worker
// process: goja VMs executing plugin entry scripts, with exported functions
// becoming invocable methods.
//
// goja runtimes are not goroutine-safe. The engine relies on the serve loop
// processing frames sequentially, so no locking guards the VMs themselves.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/dop251/goja"
)

// Error kinds reported to the host inside response frames.
const (
	kindLoadError        = "load_error"
	kindUnloadError      = "unload_error"
	kindContractMismatch = "contract_mismatch"
	kindNotFound         = "not_found"
	kindBadRequest       = "bad_request"
	kindInternal         = "internal"
)

// EngineError carries a machine-readable kind back to the host.
type EngineError struct {
	Kind    string
	Message string
}

func (e *EngineError) Error() string {
	return e.Kind + ": " + e.Message
}

func engineErrorf(kind, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

type loadedPlugin struct {
	id       string
	contract string
	vm       *goja.Runtime
	methods  map[string]goja.Callable
}

// Engine tracks loaded plugins by id.
type Engine struct {
	plugins map[string]*loadedPlugin
}

// NewEngine constructs an empty engine.
func NewEngine() *Engine {
	return &Engine{plugins: make(map[string]*loadedPlugin)}
}

// Load executes a plugin entry script in a fresh VM and registers its
// exported functions. Every declared method must be exported as a function;
// a missing or non-function export fails the load with a contract mismatch.
func (e *Engine) Load(id, entry, contract string, methods []string) error {
	if id == "" || entry == "" {
		return engineErrorf(kindBadRequest, "load requires id and entry")
	}
	if _, loaded := e.plugins[id]; loaded {
		return nil // idempotent: host retries after reconnect
	}

	source, err := os.ReadFile(entry)
	if err != nil {
		return engineErrorf(kindLoadError, "read entry %s: %v", entry, err)
	}

	vm := goja.New()
	exports := vm.NewObject()
	module := vm.NewObject()
	module.Set("exports", exports)
	vm.Set("module", module)
	vm.Set("exports", exports)

	if _, err := vm.RunString(string(source)); err != nil {
		return engineErrorf(kindLoadError, "execute %s: %v", entry, err)
	}

	// CommonJS style: module.exports wins when the script reassigned it.
	if moduleObj := vm.Get("module"); moduleObj != nil {
		if moduleExports := moduleObj.ToObject(vm).Get("exports"); moduleExports != nil {
			exports = moduleExports.ToObject(vm)
		}
	}

	plugin := &loadedPlugin{
		id:       id,
		contract: contract,
		vm:       vm,
		methods:  make(map[string]goja.Callable, len(methods)),
	}
	var missing []string
	for _, name := range methods {
		value := exports.Get(name)
		if value == nil {
			missing = append(missing, name)
			continue
		}
		fn, ok := goja.AssertFunction(value)
		if !ok {
			missing = append(missing, name)
			continue
		}
		plugin.methods[name] = fn
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return engineErrorf(kindContractMismatch, "plugin %s does not export functions: %v", id, missing)
	}

	e.plugins[id] = plugin
	return nil
}

// Unload drops a plugin and its VM.
func (e *Engine) Unload(id string) error {
	if _, ok := e.plugins[id]; !ok {
		return engineErrorf(kindUnloadError, "plugin %s is not loaded", id)
	}
	delete(e.plugins, id)
	return nil
}

// Ping verifies a plugin is loaded.
func (e *Engine) Ping(id string) error {
	if _, ok := e.plugins[id]; !ok {
		return engineErrorf(kindNotFound, "plugin %s is not loaded", id)
	}
	return nil
}

// List returns the loaded plugin ids, sorted.
func (e *Engine) List() []string {
	ids := make([]string, 0, len(e.plugins))
	for id := range e.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke calls an exported plugin function with JSON params and marshals the
// returned value back to JSON.
func (e *Engine) Invoke(id, method string, params json.RawMessage) (json.RawMessage, error) {
	plugin, ok := e.plugins[id]
	if !ok {
		return nil, engineErrorf(kindNotFound, "plugin %s is not loaded", id)
	}
	fn, ok := plugin.methods[method]
	if !ok {
		return nil, engineErrorf(kindNotFound, "plugin %s has no method %s", id, method)
	}

	var arg any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &arg); err != nil {
			return nil, engineErrorf(kindBadRequest, "invalid params for %s.%s: %v", id, method, err)
		}
	}

	value, err := fn(goja.Undefined(), plugin.vm.ToValue(arg))
	if err != nil {
		return nil, engineErrorf(kindInternal, "%s.%s: %v", id, method, err)
	}

	exported := value.Export()
	if exported == nil {
		return json.RawMessage("null"), nil
	}
	result, err := json.Marshal(exported)
	if err != nil {
		return nil, engineErrorf(kindInternal, "marshal result of %s.%s: %v", id, method, err)
	}
	return result, nil
}
