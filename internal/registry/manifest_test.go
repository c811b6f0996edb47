package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validManifestYAML = `id: echo-llm
name: Echo LLM
version: 1.2.0
contract: llm
entry: main.js
methods:
  - complete
  - embed
  - stream
dependencies:
  - id: token-memory
    version: ">=1.0.0"
`

func TestParseManifestYAML(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestYAML), "plugin.yaml")
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.ID != "echo-llm" || m.Contract != "llm" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if len(m.Methods) != 3 {
		t.Fatalf("methods = %v", m.Methods)
	}
	if m.Dependencies[0].Version != ">=1.0.0" {
		t.Fatalf("dependency constraint = %q", m.Dependencies[0].Version)
	}
}

func TestParseManifestJSON(t *testing.T) {
	data := `{
  "id": "vault-memory",
  "name": "Vault Memory",
  "version": "0.3.1",
  "contract": "memory",
  "methods": ["store", "recall", "forget"]
}`
	m, err := ParseManifest([]byte(data), "plugin.json")
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Contract != "memory" {
		t.Fatalf("contract = %q", m.Contract)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Manifest {
		return &Manifest{
			ID:       "echo-llm",
			Name:     "Echo LLM",
			Version:  "1.0.0",
			Contract: "llm",
			Methods:  []string{"complete", "embed"},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Manifest)
		wantSub string
	}{
		{"uppercase id", func(m *Manifest) { m.ID = "EchoLLM" }, "must start with a-z"},
		{"trailing hyphen", func(m *Manifest) { m.ID = "echo-" }, "must start with a-z"},
		{"missing name", func(m *Manifest) { m.Name = " " }, "name is required"},
		{"bad version", func(m *Manifest) { m.Version = "one.two" }, "not valid semver"},
		{"unknown contract", func(m *Manifest) { m.Contract = "vision" }, "unknown contract"},
		{"no methods", func(m *Manifest) { m.Methods = nil }, "methods list is required"},
		{"duplicate method", func(m *Manifest) { m.Methods = []string{"complete", "embed", "complete"} }, "duplicate method"},
		{"self dependency", func(m *Manifest) { m.Dependencies = []Dependency{{ID: "echo-llm"}} }, "depend on itself"},
		{"bad constraint", func(m *Manifest) { m.Dependencies = []Dependency{{ID: "other", Version: "not-a-range!!"}} }, "invalid version constraint"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := base()
			tc.mutate(m)
			err := m.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidateContractMismatch(t *testing.T) {
	m := &Manifest{
		ID:       "half-memory",
		Name:     "Half Memory",
		Version:  "1.0.0",
		Contract: "memory",
		Methods:  []string{"store"},
	}
	err := m.Validate()
	var cerr *ContractError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want ContractError", err)
	}
	if len(cerr.Missing) != 2 {
		t.Fatalf("missing = %v, want recall and forget", cerr.Missing)
	}
}

func TestGenerateSchemaAndValidate(t *testing.T) {
	raw, err := GenerateSchema()
	if err != nil {
		t.Fatalf("GenerateSchema: %v", err)
	}
	if !strings.Contains(string(raw), SchemaID) {
		t.Fatal("schema missing $id")
	}

	if err := ValidateSchema([]byte(validManifestYAML), "plugin.yaml"); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	bad := `id: echo-llm
name: Echo LLM
version: 1.0.0
contract: llm
methods: complete
`
	if err := ValidateSchema([]byte(bad), "plugin.yaml"); err == nil {
		t.Fatal("scalar methods field must fail schema validation")
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(validManifestYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir: %v", err)
	}
	if m.Dir != dir {
		t.Fatalf("Dir = %q", m.Dir)
	}
	if got := m.EntryPath(); got != filepath.Join(dir, "main.js") {
		t.Fatalf("EntryPath = %q", got)
	}
}

func TestLoadFromDirNoManifest(t *testing.T) {
	if _, err := LoadFromDir(t.TempDir()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}
