package agents

import (
	"errors"
	"fmt"
	"time"

	"github.com/strandlabs/strand/pkg/capability"
	"github.com/strandlabs/strand/pkg/prompt"
)

var (
	// ErrNotFound is returned when no agent exists for an identifier.
	// Terminal for the run that requested it; a retry cannot help.
	ErrNotFound = errors.New("agent not found")

	// ErrInvalid is returned for a config that fails validation. Also
	// terminal: a bad config will not become valid by retrying.
	ErrInvalid = errors.New("agent config invalid")
)

// Config is an agent's validated configuration. Immutable once loaded for a
// given run; the loader may refresh it for future runs.
type Config struct {
	ID               string                 `json:"id" yaml:"id"`
	Name             string                 `json:"name" yaml:"name"`
	Model            string                 `json:"model" yaml:"model"`
	Tools            []string               `json:"tools,omitempty" yaml:"tools,omitempty"`
	Modules          []string               `json:"modules,omitempty" yaml:"modules,omitempty"`
	Vars             map[string]string      `json:"vars,omitempty" yaml:"vars,omitempty"`
	OutputSchema     map[string]interface{} `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Temperature      float64                `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens        int                    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxSteps         int                    `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	WallClockSeconds int                    `json:"wall_clock_seconds,omitempty" yaml:"wall_clock_seconds,omitempty"`
	ParallelTools    bool                   `json:"parallel_tools,omitempty" yaml:"parallel_tools,omitempty"`
	Version          string                 `json:"version,omitempty" yaml:"version,omitempty"`
}

// WallClock returns the configured wall-clock budget, or zero when unset
func (c *Config) WallClock() time.Duration {
	return time.Duration(c.WallClockSeconds) * time.Second
}

// Validate checks required fields and tool references against the
// capability registry. A nil registry skips tool checking.
func (c *Config) Validate(registry *capability.Registry) error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: %s: model is required", ErrInvalid, c.ID)
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("%w: %s: temperature must be between 0 and 1", ErrInvalid, c.ID)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: %s: max_tokens cannot be negative", ErrInvalid, c.ID)
	}
	if registry != nil {
		for _, tool := range c.Tools {
			if !registry.Has(tool) {
				return fmt.Errorf("%w: %s: unknown tool %q", ErrInvalid, c.ID, tool)
			}
		}
	}
	if c.OutputSchema != nil {
		if err := prompt.ValidateSchema(c.OutputSchema); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, c.ID, err)
		}
	}
	return nil
}
