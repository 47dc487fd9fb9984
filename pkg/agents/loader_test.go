package agents

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/strandlabs/strand/pkg/capability"
)

func writeAgent(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newRegistry(t *testing.T, tools ...string) *capability.Registry {
	t.Helper()
	registry := capability.NewRegistry()
	for _, name := range tools {
		require.NoError(t, registry.Register(capability.Tool{
			Name:        name,
			Description: "test tool",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return nil, nil
			},
		}))
	}
	return registry
}

func TestDirStore(t *testing.T) {
	t.Run("reads yaml agents", func(t *testing.T) {
		dir := t.TempDir()
		writeAgent(t, dir, "summarizer.yaml", "model: claude-sonnet-4-5\nname: Summarizer\n")

		store, err := NewDirStore(dir)
		require.NoError(t, err)

		cfg, err := store.Get(context.Background(), "summarizer")
		require.NoError(t, err)
		assert.Equal(t, "summarizer", cfg.ID)
		assert.Equal(t, "claude-sonnet-4-5", cfg.Model)
	})

	t.Run("reads json agents", func(t *testing.T) {
		dir := t.TempDir()
		writeAgent(t, dir, "coder.json", `{"model": "gpt-4o", "temperature": 0.2}`)

		store, err := NewDirStore(dir)
		require.NoError(t, err)

		cfg, err := store.Get(context.Background(), "coder")
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", cfg.Model)
		assert.Equal(t, 0.2, cfg.Temperature)
	})

	t.Run("unknown agent fails with ErrNotFound", func(t *testing.T) {
		store, err := NewDirStore(t.TempDir())
		require.NoError(t, err)

		_, err = store.Get(context.Background(), "ghost")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("malformed file fails with ErrInvalid", func(t *testing.T) {
		dir := t.TempDir()
		writeAgent(t, dir, "broken.json", `{not json`)

		store, err := NewDirStore(dir)
		require.NoError(t, err)

		_, err = store.Get(context.Background(), "broken")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalid))
	})
}

func TestConfigValidate(t *testing.T) {
	registry := newRegistry(t, "search")

	t.Run("accepts a complete config", func(t *testing.T) {
		cfg := &Config{ID: "a", Model: "claude-sonnet-4-5", Tools: []string{"search"}}
		assert.NoError(t, cfg.Validate(registry))
	})

	t.Run("requires a model", func(t *testing.T) {
		cfg := &Config{ID: "a"}
		err := cfg.Validate(registry)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalid))
	})

	t.Run("rejects unknown tools", func(t *testing.T) {
		cfg := &Config{ID: "a", Model: "m", Tools: []string{"unknown"}}
		err := cfg.Validate(registry)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown")
	})

	t.Run("rejects out-of-range temperature", func(t *testing.T) {
		cfg := &Config{ID: "a", Model: "m", Temperature: 1.5}
		assert.Error(t, cfg.Validate(registry))
	})

	t.Run("rejects a malformed output schema", func(t *testing.T) {
		cfg := &Config{ID: "a", Model: "m", OutputSchema: map[string]interface{}{"type": 42}}
		assert.Error(t, cfg.Validate(registry))
	})
}

func TestLoader(t *testing.T) {
	t.Run("loads and validates", func(t *testing.T) {
		dir := t.TempDir()
		writeAgent(t, dir, "helper.yaml", "model: claude-sonnet-4-5\ntools: [search]\n")

		store, err := NewDirStore(dir)
		require.NoError(t, err)
		loader := NewLoader(store, newRegistry(t, "search"), 0, zerolog.Nop())

		cfg, err := loader.Load(context.Background(), "helper")
		require.NoError(t, err)
		assert.Equal(t, "helper", cfg.ID)
	})

	t.Run("invalid config fails", func(t *testing.T) {
		dir := t.TempDir()
		writeAgent(t, dir, "bad.yaml", "tools: [search]\n")

		store, err := NewDirStore(dir)
		require.NoError(t, err)
		loader := NewLoader(store, newRegistry(t, "search"), 0, zerolog.Nop())

		_, err = loader.Load(context.Background(), "bad")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalid))
	})

	t.Run("caches within the TTL", func(t *testing.T) {
		dir := t.TempDir()
		writeAgent(t, dir, "helper.yaml", "model: first\n")

		store, err := NewDirStore(dir)
		require.NoError(t, err)
		loader := NewLoader(store, nil, time.Minute, zerolog.Nop())

		cfg, err := loader.Load(context.Background(), "helper")
		require.NoError(t, err)
		assert.Equal(t, "first", cfg.Model)

		writeAgent(t, dir, "helper.yaml", "model: second\n")

		cfg, err = loader.Load(context.Background(), "helper")
		require.NoError(t, err)
		assert.Equal(t, "first", cfg.Model, "cached config should still be served")

		loader.Invalidate("helper")
		cfg, err = loader.Load(context.Background(), "helper")
		require.NoError(t, err)
		assert.Equal(t, "second", cfg.Model)
	})
}
