// Package registry discovers plugin manifests, validates them, and tracks
// plugin instance state. The catalogue is replaced wholesale on each rescan;
// readers always see an immutable snapshot.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

const (
	manifestYAML = "plugin.yaml"
	manifestYML  = "plugin.yml"
	manifestJSON = "plugin.json"

	defaultEntry = "main.js"

	maxIDLength = 64
)

// idPattern validates plugin IDs: lowercase, digits, hyphens, must start
// with a letter and not end with a hyphen.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// Dependency declares a required plugin, optionally constrained to a semver
// range.
type Dependency struct {
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
}

// Manifest represents a plugin.yaml (or plugin.json) file.
type Manifest struct {
	ID           string       `yaml:"id" json:"id"`
	Name         string       `yaml:"name" json:"name"`
	Version      string       `yaml:"version" json:"version"`
	Contract     string       `yaml:"contract" json:"contract"`
	Entry        string       `yaml:"entry,omitempty" json:"entry,omitempty"`
	Methods      []string     `yaml:"methods" json:"methods"`
	Dependencies []Dependency `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// Dir and File record where the manifest was discovered.
	Dir  string `yaml:"-" json:"-"`
	File string `yaml:"-" json:"-"`
}

// EntryPath returns the absolute path of the plugin's entry script.
func (m *Manifest) EntryPath() string {
	entry := m.Entry
	if entry == "" {
		entry = defaultEntry
	}
	return filepath.Join(m.Dir, entry)
}

// SemVersion returns the parsed manifest version. Validate guarantees it
// parses, so callers after validation may ignore the error.
func (m *Manifest) SemVersion() (*semver.Version, error) {
	return semver.NewVersion(m.Version)
}

// ParseManifest decodes and validates manifest bytes. The format is chosen
// from the file extension; empty file means YAML.
func ParseManifest(data []byte, file string) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest %s is empty", file)
	}

	var m Manifest
	if strings.HasSuffix(file, ".json") {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", file, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", file, err)
		}
	}
	m.File = file

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", file, err)
	}
	return &m, nil
}

// LoadFromDir locates and parses the manifest inside a plugin directory.
// Returns fs.ErrNotExist when the directory holds no manifest file.
func LoadFromDir(dir string) (*Manifest, error) {
	file, err := locateManifestFile(dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", file, err)
	}
	if err := ValidateSchema(data, file); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", file, err)
	}
	m, err := ParseManifest(data, file)
	if err != nil {
		return nil, err
	}
	m.Dir = dir
	return m, nil
}

// Validate checks structural manifest constraints: ID shape, semver version,
// known contract, non-empty unique methods, parseable dependency constraints.
func (m *Manifest) Validate() error {
	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return fmt.Errorf("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("name is required")
	}

	if m.Version == "" {
		return errors.New("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
	}

	if m.Contract == "" {
		return errors.New("contract is required")
	}
	contract, ok := BuiltinContracts[m.Contract]
	if !ok {
		return fmt.Errorf("unknown contract %q (known: %s)", m.Contract, strings.Join(ContractNames(), ", "))
	}

	if len(m.Methods) == 0 {
		return errors.New("methods list is required")
	}
	seen := make(map[string]struct{}, len(m.Methods))
	for _, method := range m.Methods {
		if strings.TrimSpace(method) == "" {
			return errors.New("methods must not contain empty entries")
		}
		if _, dup := seen[method]; dup {
			return fmt.Errorf("duplicate method %q", method)
		}
		seen[method] = struct{}{}
	}

	if err := contract.Satisfies(m.Methods); err != nil {
		return err
	}

	for _, dep := range m.Dependencies {
		if dep.ID == "" || !idPattern.MatchString(dep.ID) {
			return fmt.Errorf("dependency id %q is not a valid plugin id", dep.ID)
		}
		if dep.ID == m.ID {
			return fmt.Errorf("plugin cannot depend on itself")
		}
		if dep.Version != "" {
			if _, err := semver.NewConstraint(dep.Version); err != nil {
				return fmt.Errorf("dependency %q has invalid version constraint %q: %w", dep.ID, dep.Version, err)
			}
		}
	}

	return nil
}

func locateManifestFile(dir string) (string, error) {
	for _, name := range []string{manifestYAML, manifestYML, manifestJSON} {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("stat manifest %s: %w", candidate, err)
		}
		if info.IsDir() {
			continue
		}
		return candidate, nil
	}
	return "", fs.ErrNotExist
}
