package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Store resolves an agent identifier to its raw configuration
type Store interface {
	Get(ctx context.Context, id string) (*Config, error)
}

// DirStore reads agent definitions from a directory, one file per agent,
// named <id>.yaml, <id>.yml, or <id>.json.
type DirStore struct {
	dir string
}

// NewDirStore creates a directory-backed agent store
func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("agents directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("agents directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("agents directory %s is not a directory", dir)
	}
	return &DirStore{dir: dir}, nil
}

// Get loads the agent definition file for id
func (s *DirStore) Get(ctx context.Context, id string) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(s.dir, id+ext)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read agent file %s: %w", path, err)
		}

		var cfg Config
		if ext == ".json" {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, id, err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, id, err)
			}
		}
		if cfg.ID == "" {
			cfg.ID = id
		}
		return &cfg, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}
