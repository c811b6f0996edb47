// Package client talks to the daemon over the instance unix socket using
// the invoke protocol: one JSON request per call, correlated by request ID.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomstudio/loom/internal/config"
	"github.com/loomstudio/loom/internal/protocol"
)

// DefaultTimeout bounds a single invoke round trip.
const DefaultTimeout = 30 * time.Second

// Client is a connection to the daemon's invoke socket. Safe for concurrent
// use; requests are serialized on the wire.
type Client struct {
	socketPath string

	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
}

// New returns a client for the given socket path. Empty path uses the
// default instance socket.
func New(socketPath string) *Client {
	if socketPath == "" {
		socketPath = config.GetInstancePaths("").Socket
	}
	return &Client{socketPath: socketPath}
}

// Connect dials the daemon. Invoke connects lazily, so calling this is only
// needed to probe reachability.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w", c.socketPath, err)
	}
	c.conn = conn
	c.encoder = json.NewEncoder(conn)
	c.decoder = json.NewDecoder(conn)
	return nil
}

// Close releases the socket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.encoder = nil
	c.decoder = nil
	return err
}

// Invoke performs one request/response round trip. A non-nil *ErrorInfo
// from the daemon is returned as the error.
func (c *Client) Invoke(ctx context.Context, method string, params any, result any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	req := protocol.Request{ID: uuid.NewString(), Method: method, Params: raw}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Now().Add(DefaultTimeout))
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := c.encoder.Encode(req); err != nil {
		c.resetLocked()
		return fmt.Errorf("send request: %w", err)
	}

	// The daemon answers each request on the same connection. Skip any
	// response whose ID does not match (stale reply after a timeout).
	for {
		var resp struct {
			ID     string              `json:"id"`
			Result json.RawMessage     `json:"result,omitempty"`
			Error  *protocol.ErrorInfo `json:"error,omitempty"`
		}
		if err := c.decoder.Decode(&resp); err != nil {
			c.resetLocked()
			return fmt.Errorf("read response: %w", err)
		}
		if resp.ID != req.ID {
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	}
}

func (c *Client) resetLocked() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.encoder = nil
	c.decoder = nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// Status fetches the daemon/worker state summary.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	var result protocol.StatusResult
	if err := c.Invoke(ctx, protocol.MethodStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Shutdown asks the daemon to stop, optionally naming a graceful-stop
// window for the worker.
func (c *Client) Shutdown(ctx context.Context, grace time.Duration) error {
	var params *protocol.ShutdownParams
	if grace > 0 {
		params = &protocol.ShutdownParams{GraceMs: grace.Milliseconds()}
	}
	return c.Invoke(ctx, protocol.MethodShutdown, params, nil)
}

// Restart cycles the worker process and returns the post-restart status.
func (c *Client) Restart(ctx context.Context) (*protocol.StatusResult, error) {
	var result protocol.StatusResult
	if err := c.Invoke(ctx, protocol.MethodRestart, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Plugin is the list-surface view of a catalogued plugin.
type Plugin struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Contract string   `json:"contract"`
	Methods  []string `json:"methods"`
	State    string   `json:"state"`
	Error    string   `json:"error,omitempty"`
}

// DiscoveryWarning reports a directory skipped during a manifest scan.
type DiscoveryWarning struct {
	Dir   string `json:"dir"`
	Error string `json:"error"`
}

// DiscoverResult is the payload of plugin/discover.
type DiscoverResult struct {
	Discovered int                `json:"discovered"`
	Plugins    []Plugin           `json:"plugins"`
	Warnings   []DiscoveryWarning `json:"warnings"`
}

// ListPlugins returns the current plugin catalogue.
func (c *Client) ListPlugins(ctx context.Context) ([]Plugin, error) {
	var result struct {
		Plugins []Plugin `json:"plugins"`
	}
	if err := c.Invoke(ctx, protocol.MethodListPlugins, nil, &result); err != nil {
		return nil, err
	}
	return result.Plugins, nil
}

// DiscoverPlugins rescans the plugin roots and returns the refreshed
// catalogue with any per-directory warnings.
func (c *Client) DiscoverPlugins(ctx context.Context) (*DiscoverResult, error) {
	var result DiscoverResult
	if err := c.Invoke(ctx, protocol.MethodDiscoverPlugins, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LoadPlugin loads a plugin into the worker.
func (c *Client) LoadPlugin(ctx context.Context, id string) error {
	return c.Invoke(ctx, protocol.MethodLoadPlugin, map[string]string{"id": id}, nil)
}

// UnloadPlugin unloads a plugin from the worker.
func (c *Client) UnloadPlugin(ctx context.Context, id string) error {
	return c.Invoke(ctx, protocol.MethodUnloadPlugin, map[string]string{"id": id}, nil)
}

// Slot mirrors the store's slot row.
type Slot struct {
	Name     string `json:"name"`
	Contract string `json:"contract"`
	Required bool   `json:"required"`
	PluginID string `json:"plugin_id,omitempty"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

// ListSlots returns the capability slot table.
func (c *Client) ListSlots(ctx context.Context) ([]Slot, error) {
	var result struct {
		Slots []Slot `json:"slots"`
	}
	if err := c.Invoke(ctx, protocol.MethodListSlots, nil, &result); err != nil {
		return nil, err
	}
	return result.Slots, nil
}

// SwapOutcome is the terminal record of a swap transaction.
type SwapOutcome struct {
	TransactionID string `json:"transaction_id"`
	Slot          string `json:"slot"`
	From          string `json:"from,omitempty"`
	To            string `json:"to"`
	State         string `json:"state"`
}

// SwapSlot atomically rebinds a slot to a new plugin.
func (c *Client) SwapSlot(ctx context.Context, slot, plugin string) (*SwapOutcome, error) {
	var result SwapOutcome
	params := protocol.SwapParams{Slot: slot, Plugin: plugin}
	if err := c.Invoke(ctx, protocol.MethodSwapSlot, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SwapHistoryEntry is one recorded swap attempt on a slot.
type SwapHistoryEntry struct {
	TransactionID string    `json:"transaction_id"`
	Slot          string    `json:"slot"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SlotHistory fetches the recorded swap attempts for a slot, newest first.
// A zero limit returns everything.
func (c *Client) SlotHistory(ctx context.Context, slot string, limit int) ([]SwapHistoryEntry, error) {
	var result struct {
		Swaps []SwapHistoryEntry `json:"swaps"`
	}
	params := protocol.SlotHistoryParams{Slot: slot, Limit: limit}
	if err := c.Invoke(ctx, protocol.MethodSlotHistory, params, &result); err != nil {
		return nil, err
	}
	return result.Swaps, nil
}

// Health fetches the latest health snapshot as raw JSON for display.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.Invoke(ctx, protocol.MethodHealth, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Call invokes a plugin method through the daemon.
func (c *Client) Call(ctx context.Context, plugin, method string, params json.RawMessage) (json.RawMessage, error) {
	var result json.RawMessage
	req := protocol.IPCCallParams{Plugin: plugin, Method: method, Params: params}
	if err := c.Invoke(ctx, protocol.MethodIPCCall, req, &result); err != nil {
		return nil, err
	}
	return result, nil
}
