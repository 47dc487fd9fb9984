package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds a single tool invocation when the tool declares none.
const DefaultTimeout = 30 * time.Second

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Tool defines a named capability: a typed invocation contract plus its handler
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	ArgsSchema  map[string]interface{} `json:"args_schema"`
	Handler     Handler                `json:"-"`
	Timeout     time.Duration          `json:"-"`
}

// Result represents the outcome of a tool invocation. A tool error is data,
// not a failure of the invocation machinery.
type Result struct {
	Output   interface{}   `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
}

// Render serializes a result into the text form fed back to the model
func (r Result) Render() string {
	if r.Error != "" {
		return "Error: " + r.Error
	}
	if s, ok := r.Output.(string); ok {
		return s
	}
	raw, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Sprintf("%v", r.Output)
	}
	return string(raw)
}

// Registry maps tool names to invocation contracts. Argument schemas are
// compiled at registration so a bad contract surfaces at startup, not mid-run.
type Registry struct {
	tools   map[string]*Tool
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty capability registry
func NewRegistry() *Registry {
	observability.EnsureRegistered()
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool to the registry, compiling its argument schema
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", tool.Name)
	}

	var schema *gojsonschema.Schema
	if tool.ArgsSchema != nil {
		raw, err := json.Marshal(tool.ArgsSchema)
		if err != nil {
			return fmt.Errorf("tool %q: failed to marshal args schema: %w", tool.Name, err)
		}
		schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return fmt.Errorf("tool %q: invalid args schema: %w", tool.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %q is already registered", tool.Name)
	}

	r.tools[tool.Name] = &tool
	if schema != nil {
		r.schemas[tool.Name] = schema
	}

	log.Debug().Str("tool", tool.Name).Msg("Tool registered")
	return nil
}

// Has reports whether a tool name is registered. Used by the agent config
// loader to reject configs referencing unknown tools at load time.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns the tool definition for a name, or nil
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Invoke validates arguments against the tool's schema and runs its handler
// under a bounded timeout. Handler errors come back inside the Result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) Result {
	start := time.Now()

	r.mu.RLock()
	tool := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if tool == nil {
		return Result{
			Error:    fmt.Sprintf("tool not found: %s", name),
			Duration: time.Since(start),
		}
	}

	if schema != nil {
		doc := gojsonschema.NewGoLoader(args)
		validation, err := schema.Validate(doc)
		if err != nil {
			return r.finish(name, start, Result{Error: fmt.Sprintf("argument validation failed: %v", err)})
		}
		if !validation.Valid() {
			msg := "invalid arguments:"
			for _, desc := range validation.Errors() {
				msg += " " + desc.String() + ";"
			}
			return r.finish(name, start, Result{Error: msg})
		}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := tool.Handler(callCtx, args)
	if err != nil {
		return r.finish(name, start, Result{Error: err.Error()})
	}
	return r.finish(name, start, Result{Output: output})
}

func (r *Registry) finish(name string, start time.Time, result Result) Result {
	result.Duration = time.Since(start)
	observability.RecordToolExecution(name, result.Duration, result.Error == "")
	return result
}
