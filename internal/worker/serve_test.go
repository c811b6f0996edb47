package worker

import (
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/loomstudio/loom/internal/wire"
)

// harness drives a Server over in-memory pipes the way the host drives the
// worker over stdin/stdout.
type harness struct {
	t      *testing.T
	toSrv  io.WriteCloser
	frames chan *wire.Message
	done   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := &harness{
		t:      t,
		toSrv:  inW,
		frames: make(chan *wire.Message, 16),
		done:   make(chan error, 1),
	}

	srv := NewServer(NewEngine(), inR, outW, log.New(io.Discard, "", 0))
	go func() {
		h.done <- srv.Serve()
		outW.Close()
	}()
	go func() {
		dec := wire.NewDecoder()
		buf := make([]byte, 4096)
		for {
			n, err := outR.Read(buf)
			if n > 0 {
				msgs, _ := dec.Feed(buf[:n])
				for _, m := range msgs {
					h.frames <- m
				}
			}
			if err != nil {
				close(h.frames)
				return
			}
		}
	}()
	t.Cleanup(func() { inW.Close() })
	return h
}

func (h *harness) send(msg *wire.Message) {
	h.t.Helper()
	if err := wire.WriteMessage(h.toSrv, msg); err != nil {
		h.t.Fatalf("send frame: %v", err)
	}
}

func (h *harness) recv() *wire.Message {
	h.t.Helper()
	select {
	case m, ok := <-h.frames:
		if !ok {
			h.t.Fatal("worker output closed before reply")
		}
		return m
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for worker reply")
		return nil
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for serve loop to exit")
		return nil
	}
}

func loadFrame(t *testing.T, id uint64, pluginID, entry string, methods []string) *wire.Message {
	t.Helper()
	params, err := json.Marshal(loadRequest{ID: pluginID, Entry: entry, Contract: "llm", Methods: methods})
	if err != nil {
		t.Fatalf("marshal load params: %v", err)
	}
	return &wire.Message{ID: id, Method: methodPluginLoad, Params: params}
}

func TestServePingRoundTrip(t *testing.T) {
	h := newHarness(t)

	h.send(&wire.Message{ID: 1, Method: methodWorkerPing})
	reply := h.recv()
	if reply.ID != 1 || reply.Error != nil {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	var status struct {
		Plugins []string `json:"plugins"`
	}
	if err := json.Unmarshal(reply.Result, &status); err != nil {
		t.Fatalf("unmarshal ping result: %v", err)
	}
	if len(status.Plugins) != 0 {
		t.Fatalf("fresh worker should report no plugins: %v", status.Plugins)
	}
}

func TestServeLoadInvokeUnload(t *testing.T) {
	h := newHarness(t)
	entry := writeScript(t, "main.js", echoScript)

	h.send(loadFrame(t, 1, "echo-llm", entry, []string{"complete"}))
	if reply := h.recv(); reply.Error != nil {
		t.Fatalf("load failed: %v", reply.Error)
	}

	params, _ := json.Marshal(invokeRequest{Plugin: "echo-llm", Method: "complete", Params: json.RawMessage(`{"prompt":"hi"}`)})
	h.send(&wire.Message{ID: 2, Method: methodPluginInvoke, Params: params})
	reply := h.recv()
	if reply.Error != nil {
		t.Fatalf("invoke failed: %v", reply.Error)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(reply.Result, &out); err != nil || out.Text != "echo: hi" {
		t.Fatalf("unexpected invoke result %s (err %v)", reply.Result, err)
	}

	unloadParams, _ := json.Marshal(pluginRequest{ID: "echo-llm"})
	h.send(&wire.Message{ID: 3, Method: methodPluginUnload, Params: unloadParams})
	if reply := h.recv(); reply.Error != nil {
		t.Fatalf("unload failed: %v", reply.Error)
	}

	h.send(&wire.Message{ID: 4, Method: methodPluginPing, Params: unloadParams})
	if reply := h.recv(); reply.Error == nil || reply.Error.Kind != kindNotFound {
		t.Fatalf("ping after unload should be not_found, got %+v", reply)
	}
}

func TestServeLoadErrorKindOnWire(t *testing.T) {
	h := newHarness(t)
	entry := writeScript(t, "main.js", `module.exports = {};`)

	h.send(loadFrame(t, 1, "empty", entry, []string{"complete"}))
	reply := h.recv()
	if reply.Error == nil || reply.Error.Kind != kindContractMismatch {
		t.Fatalf("want contract_mismatch on the wire, got %+v", reply)
	}
}

func TestServeShutdown(t *testing.T) {
	h := newHarness(t)

	h.send(&wire.Message{ID: 0, Method: methodWorkerShutdown})
	if err := h.wait(); err != ErrShutdown {
		t.Fatalf("want ErrShutdown, got %v", err)
	}
}

func TestServeCancelHasNoReply(t *testing.T) {
	h := newHarness(t)

	h.send(&wire.Message{ID: 5, Method: methodWorkerCancel})
	h.send(&wire.Message{ID: 6, Method: methodWorkerPing})
	reply := h.recv()
	if reply.ID != 6 {
		t.Fatalf("cancel must not produce a reply; got frame for id %d", reply.ID)
	}
}

func TestServeEOFIsOrderlyExit(t *testing.T) {
	h := newHarness(t)

	h.toSrv.Close()
	if err := h.wait(); err != nil {
		t.Fatalf("EOF should end serve loop cleanly, got %v", err)
	}
}

func TestServeUnknownMethod(t *testing.T) {
	h := newHarness(t)

	h.send(&wire.Message{ID: 9, Method: "worker/teleport"})
	reply := h.recv()
	if reply.Error == nil || reply.Error.Kind != kindNotFound {
		t.Fatalf("unknown method should be not_found, got %+v", reply)
	}
}
