package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Contract names a capability slot category and the method set every plugin
// bound to that category must export.
type Contract struct {
	Name     string
	Required []string
}

// BuiltinContracts are the capability contracts the host understands. Slots
// are typed by contract name; a plugin may only be bound to a slot whose
// contract it satisfies.
var BuiltinContracts = map[string]Contract{
	"llm": {
		Name:     "llm",
		Required: []string{"complete", "embed"},
	},
	"tts": {
		Name:     "tts",
		Required: []string{"synthesize", "voices"},
	},
	"memory": {
		Name:     "memory",
		Required: []string{"store", "recall", "forget"},
	},
}

// ContractNames returns the known contract names sorted.
func ContractNames() []string {
	names := make([]string, 0, len(BuiltinContracts))
	for name := range BuiltinContracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContractError reports methods a plugin declares but the contract requires
// and the plugin lacks.
type ContractError struct {
	Contract string
	Missing  []string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("contract %q not satisfied: missing methods %s", e.Contract, strings.Join(e.Missing, ", "))
}

// Satisfies checks that every required contract method appears in the
// declared method list. Extra methods are allowed.
func (c Contract) Satisfies(methods []string) error {
	declared := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		declared[m] = struct{}{}
	}
	var missing []string
	for _, required := range c.Required {
		if _, ok := declared[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return &ContractError{Contract: c.Name, Missing: missing}
	}
	return nil
}
