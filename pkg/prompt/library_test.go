package prompt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModule(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLibrary(t *testing.T) {
	t.Run("resolves modules in requested order", func(t *testing.T) {
		dir := t.TempDir()
		writeModule(t, dir, "identity.yaml", "order: 10\ntemplate: You are an assistant.\n")
		writeModule(t, dir, "style.yaml", "order: 20\ntemplate: Be brief.\n")

		lib, err := NewLibrary(dir, zerolog.Nop())
		require.NoError(t, err)
		defer lib.Close()

		modules, err := lib.Resolve([]string{"style", "identity"})
		require.NoError(t, err)
		require.Len(t, modules, 2)
		assert.Equal(t, "style", modules[0].Name)
		assert.Equal(t, "identity", modules[1].Name)
	})

	t.Run("name defaults to filename", func(t *testing.T) {
		dir := t.TempDir()
		writeModule(t, dir, "greeting.yaml", "template: Hello.\n")

		lib, err := NewLibrary(dir, zerolog.Nop())
		require.NoError(t, err)
		defer lib.Close()

		modules, err := lib.Resolve([]string{"greeting"})
		require.NoError(t, err)
		assert.Equal(t, "greeting", modules[0].Name)
	})

	t.Run("loads JSON modules", func(t *testing.T) {
		dir := t.TempDir()
		writeModule(t, dir, "identity.json", `{"order": 1, "template": "From JSON."}`)

		lib, err := NewLibrary(dir, zerolog.Nop())
		require.NoError(t, err)
		defer lib.Close()

		modules, err := lib.Resolve([]string{"identity"})
		require.NoError(t, err)
		assert.Equal(t, "From JSON.", modules[0].Template)
	})

	t.Run("missing module fails", func(t *testing.T) {
		dir := t.TempDir()
		writeModule(t, dir, "identity.yaml", "template: Hi.\n")

		lib, err := NewLibrary(dir, zerolog.Nop())
		require.NoError(t, err)
		defer lib.Close()

		_, err = lib.Resolve([]string{"nope"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrModuleNotFound))
	})

	t.Run("duplicate names across files fail", func(t *testing.T) {
		dir := t.TempDir()
		writeModule(t, dir, "a.yaml", "name: shared\ntemplate: one\n")
		writeModule(t, dir, "b.yaml", "name: shared\ntemplate: two\n")

		lib, err := NewLibrary(dir, zerolog.Nop())
		require.NoError(t, err)
		defer lib.Close()

		_, err = lib.Resolve([]string{"shared"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("invalidate picks up edits", func(t *testing.T) {
		dir := t.TempDir()
		writeModule(t, dir, "identity.yaml", "template: Before.\n")

		lib, err := NewLibrary(dir, zerolog.Nop())
		require.NoError(t, err)
		defer lib.Close()

		modules, err := lib.Resolve([]string{"identity"})
		require.NoError(t, err)
		assert.Equal(t, "Before.", modules[0].Template)

		writeModule(t, dir, "identity.yaml", "template: After.\n")
		lib.Invalidate()

		modules, err = lib.Resolve([]string{"identity"})
		require.NoError(t, err)
		assert.Equal(t, "After.", modules[0].Template)
	})

	t.Run("missing directory fails", func(t *testing.T) {
		_, err := NewLibrary(filepath.Join(t.TempDir(), "absent"), zerolog.Nop())
		assert.Error(t, err)
	})
}
