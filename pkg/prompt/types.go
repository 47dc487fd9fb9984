package prompt

import "errors"

// Module is a named, ordered fragment of a system prompt. Modules are
// read-only data loaded from the module library.
type Module struct {
	Name     string            `json:"name" yaml:"name"`
	Order    int               `json:"order" yaml:"order"`
	Template string            `json:"template" yaml:"template"`
	Bindings map[string]string `json:"bindings,omitempty" yaml:"bindings,omitempty"`
}

var (
	// ErrModuleNotFound is returned when a referenced module name is absent
	// from the library.
	ErrModuleNotFound = errors.New("prompt module not found")

	// ErrMissingBinding is returned when a template references a variable
	// with no binding.
	ErrMissingBinding = errors.New("missing template binding")

	// ErrInvalidSchema is returned for a structured-output schema that does
	// not compile.
	ErrInvalidSchema = errors.New("invalid output schema")
)
