package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/loomstudio/loom/internal/wire"
)

// Methods the host sends to the worker.
const (
	methodWorkerPing     = "worker/ping"
	methodWorkerShutdown = "worker/shutdown"
	methodWorkerCancel   = "worker/cancel"
	methodPluginLoad     = "plugin/load"
	methodPluginUnload   = "plugin/unload"
	methodPluginPing     = "plugin/ping"
	methodPluginInvoke   = "plugin/invoke"
)

// ErrShutdown is returned by Serve when the host requested an orderly exit.
var ErrShutdown = errors.New("worker: shutdown requested")

type loadRequest struct {
	ID       string   `json:"id"`
	Entry    string   `json:"entry"`
	Contract string   `json:"contract"`
	Methods  []string `json:"methods"`
}

type pluginRequest struct {
	ID string `json:"id"`
}

type invokeRequest struct {
	Plugin string          `json:"plugin"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Server answers host frames on a byte stream pair. One goroutine owns both
// directions, which also keeps the goja VMs single-threaded.
type Server struct {
	engine *Engine
	in     io.Reader
	out    io.Writer
	logger *log.Logger
}

// NewServer wires an engine to the host pipes.
func NewServer(engine *Engine, in io.Reader, out io.Writer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{engine: engine, in: in, out: out, logger: logger}
}

// Serve reads frames until the stream closes or the host asks for shutdown.
// Shutdown returns ErrShutdown; a closed stream returns nil so a parent exit
// reads as orderly teardown.
func (s *Server) Serve() error {
	dec := wire.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, readErr := s.in.Read(buf)
		if n > 0 {
			msgs, err := dec.Feed(buf[:n])
			if err != nil {
				if dec.Unrecoverable() {
					return fmt.Errorf("decode host frame: %w", err)
				}
				s.logger.Printf("[Worker] skipping malformed frame: %v", err)
			}
			for _, msg := range msgs {
				if err := s.handle(msg); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read host stream: %w", readErr)
		}
	}
}

func (s *Server) handle(msg *wire.Message) error {
	switch msg.Method {
	case methodWorkerShutdown:
		return ErrShutdown
	case methodWorkerCancel:
		// Cancellation is advisory; in-flight invokes run to completion and
		// the host has already stopped waiting. No reply.
		return nil
	case methodWorkerPing:
		return s.reply(msg.ID, map[string]any{"plugins": s.engine.List()}, nil)
	case methodPluginLoad:
		var req loadRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return s.reply(msg.ID, nil, engineErrorf(kindBadRequest, "invalid load params: %v", err))
		}
		return s.reply(msg.ID, map[string]any{"id": req.ID}, s.engine.Load(req.ID, req.Entry, req.Contract, req.Methods))
	case methodPluginUnload:
		var req pluginRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return s.reply(msg.ID, nil, engineErrorf(kindBadRequest, "invalid unload params: %v", err))
		}
		return s.reply(msg.ID, map[string]any{"id": req.ID}, s.engine.Unload(req.ID))
	case methodPluginPing:
		var req pluginRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return s.reply(msg.ID, nil, engineErrorf(kindBadRequest, "invalid ping params: %v", err))
		}
		return s.reply(msg.ID, map[string]any{"id": req.ID}, s.engine.Ping(req.ID))
	case methodPluginInvoke:
		var req invokeRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return s.reply(msg.ID, nil, engineErrorf(kindBadRequest, "invalid invoke params: %v", err))
		}
		result, err := s.engine.Invoke(req.Plugin, req.Method, req.Params)
		if err != nil {
			return s.reply(msg.ID, nil, err)
		}
		return s.replyRaw(msg.ID, result)
	default:
		return s.reply(msg.ID, nil, engineErrorf(kindNotFound, "unknown method %s", msg.Method))
	}
}

func (s *Server) reply(id uint64, result any, err error) error {
	if err != nil {
		resp := &wire.Message{ID: id, Error: remoteError(err)}
		return wire.WriteMessage(s.out, resp)
	}
	raw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		resp := &wire.Message{ID: id, Error: &wire.RemoteError{Kind: kindInternal, Message: marshalErr.Error()}}
		return wire.WriteMessage(s.out, resp)
	}
	return s.replyRaw(id, raw)
}

func (s *Server) replyRaw(id uint64, result json.RawMessage) error {
	return wire.WriteMessage(s.out, &wire.Message{ID: id, Result: result})
}

func remoteError(err error) *wire.RemoteError {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return &wire.RemoteError{Kind: engErr.Kind, Message: engErr.Message}
	}
	return &wire.RemoteError{Kind: kindInternal, Message: err.Error()}
}
