package worker

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const echoScript = `
module.exports = {
	complete: function (params) {
		return { text: "echo: " + (params && params.prompt), model: "echo-1" };
	},
	embed: function (params) {
		return { vector: [0.1, 0.2, 0.3] };
	},
};
`

const exportsOnlyScript = `
exports.store = function (params) { return { stored: true, key: params.key }; };
exports.recall = function (params) { return null; };
exports.forget = function (params) { return { forgotten: params.key }; };
`

func writeScript(t *testing.T, name, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestLoadAndInvoke(t *testing.T) {
	engine := NewEngine()
	entry := writeScript(t, "main.js", echoScript)

	if err := engine.Load("echo-llm", entry, "llm", []string{"complete", "embed"}); err != nil {
		t.Fatalf("load: %v", err)
	}

	result, err := engine.Invoke("echo-llm", "complete", json.RawMessage(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var out struct {
		Text  string `json:"text"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.Text != "echo: hi" || out.Model != "echo-1" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestLoadExportsAssignment(t *testing.T) {
	engine := NewEngine()
	entry := writeScript(t, "main.js", exportsOnlyScript)

	if err := engine.Load("mem", entry, "memory", []string{"store", "recall", "forget"}); err != nil {
		t.Fatalf("load: %v", err)
	}
	result, err := engine.Invoke("mem", "recall", json.RawMessage(`{"key":"k"}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(result) != "null" {
		t.Fatalf("want null result, got %s", result)
	}
}

func TestLoadMissingMethodIsContractMismatch(t *testing.T) {
	engine := NewEngine()
	entry := writeScript(t, "main.js", `module.exports = { complete: function () {} };`)

	err := engine.Load("partial", entry, "llm", []string{"complete", "embed"})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Kind != kindContractMismatch {
		t.Fatalf("want contract mismatch, got %v", err)
	}
	if !strings.Contains(engErr.Message, "embed") {
		t.Fatalf("error should name missing method: %v", engErr)
	}
	if err := engine.Ping("partial"); err == nil {
		t.Fatal("failed load must not register the plugin")
	}
}

func TestLoadNonFunctionExportIsContractMismatch(t *testing.T) {
	engine := NewEngine()
	entry := writeScript(t, "main.js", `module.exports = { complete: "not a function" };`)

	err := engine.Load("bad", entry, "llm", []string{"complete"})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Kind != kindContractMismatch {
		t.Fatalf("want contract mismatch, got %v", err)
	}
}

func TestLoadScriptErrorIsLoadError(t *testing.T) {
	engine := NewEngine()
	entry := writeScript(t, "main.js", `throw new Error("boot failure");`)

	err := engine.Load("broken", entry, "llm", []string{"complete"})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Kind != kindLoadError {
		t.Fatalf("want load error, got %v", err)
	}
}

func TestLoadMissingEntryIsLoadError(t *testing.T) {
	engine := NewEngine()
	err := engine.Load("ghost", filepath.Join(t.TempDir(), "nope.js"), "llm", []string{"complete"})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Kind != kindLoadError {
		t.Fatalf("want load error, got %v", err)
	}
}

func TestInvokeThrownErrorIsInternal(t *testing.T) {
	engine := NewEngine()
	entry := writeScript(t, "main.js", `module.exports = { complete: function () { throw new Error("kaboom"); } };`)
	if err := engine.Load("thrower", entry, "llm", []string{"complete"}); err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err := engine.Invoke("thrower", "complete", nil)
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Kind != kindInternal {
		t.Fatalf("want internal error, got %v", err)
	}
	if !strings.Contains(engErr.Message, "kaboom") {
		t.Fatalf("error should carry script message: %v", engErr)
	}
}

func TestInvokeUnknownPluginAndMethod(t *testing.T) {
	engine := NewEngine()
	entry := writeScript(t, "main.js", echoScript)
	if err := engine.Load("echo-llm", entry, "llm", []string{"complete"}); err != nil {
		t.Fatalf("load: %v", err)
	}

	var engErr *EngineError
	if _, err := engine.Invoke("missing", "complete", nil); !errors.As(err, &engErr) || engErr.Kind != kindNotFound {
		t.Fatalf("want not_found for unknown plugin, got %v", err)
	}
	if _, err := engine.Invoke("echo-llm", "embed", nil); !errors.As(err, &engErr) || engErr.Kind != kindNotFound {
		t.Fatalf("want not_found for undeclared method, got %v", err)
	}
}

func TestUnloadAndList(t *testing.T) {
	engine := NewEngine()
	entry := writeScript(t, "main.js", echoScript)
	if err := engine.Load("b-llm", entry, "llm", []string{"complete"}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := engine.Load("a-llm", entry, "llm", []string{"complete"}); err != nil {
		t.Fatalf("load: %v", err)
	}

	ids := engine.List()
	if len(ids) != 2 || ids[0] != "a-llm" || ids[1] != "b-llm" {
		t.Fatalf("want sorted ids, got %v", ids)
	}

	if err := engine.Unload("a-llm"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := engine.Unload("a-llm"); err == nil {
		t.Fatal("double unload must fail")
	}
	if _, err := engine.Invoke("a-llm", "complete", nil); err == nil {
		t.Fatal("invoke after unload must fail")
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	engine := NewEngine()
	entry := writeScript(t, "main.js", echoScript)
	if err := engine.Load("echo-llm", entry, "llm", []string{"complete"}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := engine.Load("echo-llm", entry, "llm", []string{"complete"}); err != nil {
		t.Fatalf("second load must be a no-op, got %v", err)
	}
}
