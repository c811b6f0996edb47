package protocol

import "encoding/json"

// Request represents a client invoke call to the daemon.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a daemon response to a client invoke call.
type Response struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo carries a machine-readable error kind alongside the message.
// The kind lets the UI distinguish a failed call from a downed backend
// without parsing message text.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// ErrorKind classifies invoke failures.
type ErrorKind string

const (
	// KindProtocolError indicates a malformed frame on the worker stream.
	KindProtocolError ErrorKind = "protocol_error"
	// KindTimeout indicates no response arrived within the deadline.
	KindTimeout ErrorKind = "timeout"
	// KindWorkerUnavailable indicates the worker crashed or is not running.
	KindWorkerUnavailable ErrorKind = "worker_unavailable"
	// KindLoadError indicates the worker rejected a plugin load.
	KindLoadError ErrorKind = "load_error"
	// KindUnloadError indicates the worker failed to unload a plugin.
	KindUnloadError ErrorKind = "unload_error"
	// KindContractMismatch indicates manifest validation failed.
	KindContractMismatch ErrorKind = "contract_mismatch"
	// KindSwapInProgress indicates another swap holds the slot lock.
	KindSwapInProgress ErrorKind = "swap_in_progress"
	// KindSwapRolledBack indicates a swap failed verification and was rolled back.
	KindSwapRolledBack ErrorKind = "swap_rolled_back"
	// KindBadRequest indicates the client sent an invalid invoke payload.
	KindBadRequest ErrorKind = "bad_request"
	// KindNotFound indicates an unknown method, plugin, or slot.
	KindNotFound ErrorKind = "not_found"
	// KindInternal indicates an unexpected host-side failure.
	KindInternal ErrorKind = "internal"
)

// Invoke methods understood by the daemon. Named operations are ordinary
// method values on the single invoke surface.
const (
	MethodStatus          = "host/status"
	MethodShutdown        = "host/shutdown"
	MethodRestart         = "host/restart"
	MethodDiscoverPlugins = "plugin/discover"
	MethodListPlugins     = "plugin/list"
	MethodLoadPlugin      = "plugin/load"
	MethodUnloadPlugin    = "plugin/unload"
	MethodListSlots       = "slot/list"
	MethodSwapSlot        = "slot/swap"
	MethodSlotHistory     = "slot/history"
	MethodHealth          = "health/snapshot"
	MethodIPCCall         = "ipc_call"
)

// StatusResult is the payload returned by host/status.
type StatusResult struct {
	Version      string `json:"version"`
	State        string `json:"state"`
	PID          int    `json:"pid"`
	WorkerPID    int    `json:"worker_pid"`
	UptimeMs     int64  `json:"uptime_ms"`
	Restarts     int    `json:"restarts"`
	LastExit     string `json:"last_exit,omitempty"`
	LoadedCount  int    `json:"loaded_plugins"`
	HealthStatus string `json:"health"`
}

// IPCCallParams is the inner envelope for plugin-directed calls.
type IPCCallParams struct {
	Plugin  string          `json:"plugin"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout int64           `json:"timeout_ms,omitempty"`
}

// SwapParams names the slot and candidate for slot/swap.
type SwapParams struct {
	Slot   string `json:"slot"`
	Plugin string `json:"plugin"`
}

// SlotHistoryParams selects the slot for slot/history. A zero limit returns
// the full history.
type SlotHistoryParams struct {
	Slot  string `json:"slot"`
	Limit int    `json:"limit,omitempty"`
}

// ShutdownParams carries the graceful timeout for host/shutdown.
type ShutdownParams struct {
	GraceMs int64 `json:"grace_ms,omitempty"`
}
