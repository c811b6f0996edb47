package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomstudio/loom/internal/config/store"
	"github.com/loomstudio/loom/internal/lifecycle"
	"github.com/loomstudio/loom/internal/protocol"
	"github.com/loomstudio/loom/internal/registry"
	"github.com/loomstudio/loom/internal/router"
	"github.com/loomstudio/loom/internal/supervisor"
	"github.com/loomstudio/loom/internal/version"
	"github.com/loomstudio/loom/internal/wire"
)

// defaultInvokeTimeout bounds plugin calls that do not carry their own.
const defaultInvokeTimeout = 30 * time.Second

// socketService accepts invoke connections on the instance unix socket.
type socketService struct {
	socketPath string
	daemon     *Daemon

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func newSocketService(socketPath string, d *Daemon) *socketService {
	return &socketService{socketPath: socketPath, daemon: d}
}

func (s *socketService) Start(ctx context.Context) error {
	if s.socketPath == "" {
		return errors.New("socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on unix socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)
	return nil
}

func (s *socketService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *socketService) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.daemon.logger.Printf("[Daemon] accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newInvokeHandler(s.daemon, conn).handle(ctx)
		}()
	}
}

// invokeHandler serves one client connection: newline-delimited JSON
// requests in, responses out. Requests on one connection are handled in
// order; concurrency comes from separate connections. The encoder mutex
// serializes writes so a whole response always hits the socket intact.
type invokeHandler struct {
	daemon    *Daemon
	conn      net.Conn
	encoder   *json.Encoder
	decoder   *json.Decoder
	encoderMu sync.Mutex
}

func newInvokeHandler(d *Daemon, conn net.Conn) *invokeHandler {
	return &invokeHandler{
		daemon:  d,
		conn:    conn,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}
}

func (h *invokeHandler) handle(ctx context.Context) {
	defer h.conn.Close()
	for {
		var req protocol.Request
		if err := h.decoder.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				h.sendError(req.ID, protocol.KindBadRequest, fmt.Sprintf("decode request: %v", err))
			}
			return
		}
		h.dispatch(ctx, &req)
	}
}

func (h *invokeHandler) dispatch(ctx context.Context, req *protocol.Request) {
	metrics := h.daemon.obs.Metrics()
	metrics.RequestsInFlight.Inc()
	start := time.Now()

	result, err := h.call(ctx, req)

	status := "ok"
	if err != nil {
		status = string(errorKind(err))
	}
	metrics.ObserveRequest(req.Method, status, time.Since(start))
	metrics.RequestsInFlight.Dec()

	if err != nil {
		h.sendError(req.ID, errorKind(err), err.Error())
		return
	}
	h.send(protocol.Response{ID: req.ID, Result: result})
}

func (h *invokeHandler) call(ctx context.Context, req *protocol.Request) (any, error) {
	d := h.daemon
	switch req.Method {
	case protocol.MethodStatus:
		return d.statusResult(), nil

	case protocol.MethodShutdown:
		var params protocol.ShutdownParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, badRequest("invalid shutdown params: %v", err)
			}
		}
		if params.GraceMs > 0 {
			d.setStopGrace(time.Duration(params.GraceMs) * time.Millisecond)
		}
		// Reply before unwinding so the client sees an acknowledgement.
		go func() {
			time.Sleep(100 * time.Millisecond)
			d.Shutdown()
		}()
		return map[string]any{"stopping": true}, nil

	case protocol.MethodRestart:
		if err := d.restartWorker(ctx); err != nil {
			return nil, err
		}
		return d.statusResult(), nil

	case protocol.MethodDiscoverPlugins:
		manifests, warnings := d.registry.Rescan(d.pluginRoots...)
		warnList := make([]map[string]string, 0, len(warnings))
		for _, w := range warnings {
			warnList = append(warnList, map[string]string{"dir": w.Dir, "error": w.Err.Error()})
		}
		return map[string]any{
			"discovered": len(manifests),
			"plugins":    pluginViews(d.registry.Snapshot()),
			"warnings":   warnList,
		}, nil

	case protocol.MethodListPlugins:
		return map[string]any{"plugins": pluginViews(d.registry.Snapshot())}, nil

	case protocol.MethodLoadPlugin:
		id, err := pluginIDParam(req.Params)
		if err != nil {
			return nil, err
		}
		if err := d.manager.Load(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "state": string(registry.StateLoaded)}, nil

	case protocol.MethodUnloadPlugin:
		id, err := pluginIDParam(req.Params)
		if err != nil {
			return nil, err
		}
		if err := d.manager.Unload(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "state": string(registry.StateUnloaded)}, nil

	case protocol.MethodListSlots:
		slots, err := d.store.ListSlots(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"slots": slotViews(slots)}, nil

	case protocol.MethodSwapSlot:
		var params protocol.SwapParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, badRequest("invalid swap params: %v", err)
		}
		if params.Slot == "" || params.Plugin == "" {
			return nil, badRequest("swap requires slot and plugin")
		}
		result, err := d.manager.Swap(ctx, params.Slot, params.Plugin)
		if err != nil {
			return nil, err
		}
		return result, nil

	case protocol.MethodSlotHistory:
		var params protocol.SlotHistoryParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, badRequest("invalid history params: %v", err)
		}
		if params.Slot == "" {
			return nil, badRequest("history requires slot")
		}
		if _, err := d.store.GetSlot(ctx, params.Slot); err != nil {
			return nil, err
		}
		records, err := d.store.SwapHistory(ctx, params.Slot, params.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"slot": params.Slot, "swaps": swapRecordViews(records)}, nil

	case protocol.MethodHealth:
		return d.monitor.Snapshot(), nil

	case protocol.MethodIPCCall:
		var params protocol.IPCCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, badRequest("invalid ipc_call params: %v", err)
		}
		return d.invokePlugin(ctx, params)

	default:
		return nil, &protocol.ErrorInfo{Kind: protocol.KindNotFound, Message: fmt.Sprintf("unknown method %s", req.Method)}
	}
}

// invokePlugin forwards a plugin-directed call to the worker.
func (d *Daemon) invokePlugin(ctx context.Context, params protocol.IPCCallParams) (any, error) {
	if params.Plugin == "" || params.Method == "" {
		return nil, badRequest("ipc_call requires plugin and method")
	}
	inst, err := d.registry.Get(params.Plugin)
	if err != nil {
		return nil, err
	}
	if inst.State != registry.StateLoaded {
		return nil, &protocol.ErrorInfo{
			Kind:    protocol.KindNotFound,
			Message: fmt.Sprintf("plugin %s is %s, not loaded", params.Plugin, inst.State),
		}
	}

	timeout := defaultInvokeTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	forwarded, err := supervisor.MarshalParams(map[string]any{
		"plugin": params.Plugin,
		"method": params.Method,
		"params": params.Params,
	})
	if err != nil {
		return nil, err
	}
	result, err := d.router.Call(callCtx, "plugin/invoke", forwarded)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(result), nil
}

func (d *Daemon) statusResult() protocol.StatusResult {
	st := d.supervisor.Status()
	res := protocol.StatusResult{
		Version:     version.String(),
		State:       string(st.State),
		PID:         os.Getpid(),
		WorkerPID:   st.PID,
		UptimeMs:    time.Since(d.startedAt).Milliseconds(),
		Restarts:    st.Restarts,
		LastExit:    st.LastExit,
		LoadedCount: d.manager.LoadedCount(),
	}
	if snap := d.monitor.Snapshot(); snap != nil {
		res.HealthStatus = string(snap.System)
	}
	return res
}

func (h *invokeHandler) send(resp protocol.Response) {
	h.encoderMu.Lock()
	defer h.encoderMu.Unlock()
	if err := h.encoder.Encode(resp); err != nil {
		h.daemon.logger.Printf("[Daemon] write response: %v", err)
	}
}

func (h *invokeHandler) sendError(id string, kind protocol.ErrorKind, message string) {
	h.send(protocol.Response{ID: id, Error: &protocol.ErrorInfo{Kind: kind, Message: message}})
}

func pluginIDParam(raw json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", badRequest("invalid params: %v", err)
	}
	if params.ID == "" {
		return "", badRequest("plugin id is required")
	}
	return params.ID, nil
}

func badRequest(format string, args ...any) *protocol.ErrorInfo {
	return &protocol.ErrorInfo{Kind: protocol.KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// pluginView is the list-surface projection of a registry instance.
type pluginView struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Contract string   `json:"contract"`
	Methods  []string `json:"methods"`
	State    string   `json:"state"`
	Error    string   `json:"error,omitempty"`
}

// slotView is the list-surface projection of a slot row.
type slotView struct {
	Name     string `json:"name"`
	Contract string `json:"contract"`
	Required bool   `json:"required"`
	PluginID string `json:"plugin_id,omitempty"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

func slotViews(slots []store.Slot) []slotView {
	views := make([]slotView, 0, len(slots))
	for _, s := range slots {
		views = append(views, slotView{
			Name:     s.Name,
			Contract: s.Contract,
			Required: s.Required,
			PluginID: s.PluginID,
			Status:   s.Status,
			Detail:   s.Detail,
		})
	}
	return views
}

// swapRecordView is the history-surface projection of a swap record.
type swapRecordView struct {
	TransactionID string    `json:"transaction_id"`
	Slot          string    `json:"slot"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func swapRecordViews(records []store.SwapRecord) []swapRecordView {
	views := make([]swapRecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, swapRecordView{
			TransactionID: rec.ID,
			Slot:          rec.Slot,
			From:          rec.FromPlugin,
			To:            rec.ToPlugin,
			Outcome:       rec.Outcome,
			Detail:        rec.Detail,
			CreatedAt:     rec.CreatedAt,
		})
	}
	return views
}

func pluginViews(instances []registry.Instance) []pluginView {
	views := make([]pluginView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, pluginView{
			ID:       inst.Manifest.ID,
			Name:     inst.Manifest.Name,
			Version:  inst.Manifest.Version,
			Contract: inst.Manifest.Contract,
			Methods:  inst.Manifest.Methods,
			State:    string(inst.State),
			Error:    inst.Error,
		})
	}
	return views
}

// errorKind maps internal errors onto the protocol taxonomy so clients can
// tell a failed call from a downed backend.
func errorKind(err error) protocol.ErrorKind {
	var info *protocol.ErrorInfo
	if errors.As(err, &info) {
		return info.Kind
	}

	var remote *wire.RemoteError
	if errors.As(err, &remote) {
		switch kind := protocol.ErrorKind(remote.Kind); kind {
		case protocol.KindLoadError, protocol.KindUnloadError, protocol.KindContractMismatch,
			protocol.KindBadRequest, protocol.KindNotFound, protocol.KindProtocolError:
			return kind
		default:
			return protocol.KindInternal
		}
	}

	var (
		loadErr   *lifecycle.LoadError
		unloadErr *lifecycle.UnloadError
		rolled    *lifecycle.RolledBackError
		protoErr  *wire.ProtocolError
		notFound  store.NotFoundError
	)
	switch {
	case errors.Is(err, router.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return protocol.KindTimeout
	case errors.Is(err, router.ErrWorkerUnavailable):
		return protocol.KindWorkerUnavailable
	case errors.As(err, &rolled):
		return protocol.KindSwapRolledBack
	case errors.Is(err, lifecycle.ErrSwapInProgress):
		return protocol.KindSwapInProgress
	case errors.Is(err, lifecycle.ErrSlotContract):
		return protocol.KindContractMismatch
	case errors.As(err, &loadErr):
		return protocol.KindLoadError
	case errors.As(err, &unloadErr):
		return protocol.KindUnloadError
	case errors.Is(err, registry.ErrPluginNotFound) || errors.As(err, &notFound):
		return protocol.KindNotFound
	case errors.As(err, &protoErr):
		return protocol.KindProtocolError
	default:
		return protocol.KindInternal
	}
}
