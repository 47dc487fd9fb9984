package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemble(t *testing.T) {
	t.Run("concatenates in ascending order", func(t *testing.T) {
		modules := []Module{
			{Name: "closing", Order: 20, Template: "Be concise."},
			{Name: "identity", Order: 10, Template: "You are a helpful assistant."},
		}

		text, err := Assemble(modules, nil)
		require.NoError(t, err)
		assert.Equal(t, "You are a helpful assistant.\n\nBe concise.", text)
	})

	t.Run("name breaks order ties deterministically", func(t *testing.T) {
		modules := []Module{
			{Name: "b", Order: 1, Template: "second"},
			{Name: "a", Order: 1, Template: "first"},
		}

		text, err := Assemble(modules, nil)
		require.NoError(t, err)
		assert.Equal(t, "first\n\nsecond", text)
	})

	t.Run("substitutes bindings", func(t *testing.T) {
		modules := []Module{
			{
				Name:     "identity",
				Template: "You are ${name}, working for ${org}.",
				Bindings: map[string]string{"name": "Ada", "org": "Strand"},
			},
		}

		text, err := Assemble(modules, nil)
		require.NoError(t, err)
		assert.Equal(t, "You are Ada, working for Strand.", text)
	})

	t.Run("vars override module bindings", func(t *testing.T) {
		modules := []Module{
			{
				Name:     "identity",
				Template: "You are ${name}.",
				Bindings: map[string]string{"name": "Ada"},
			},
		}

		text, err := Assemble(modules, map[string]string{"name": "Grace"})
		require.NoError(t, err)
		assert.Equal(t, "You are Grace.", text)
	})

	t.Run("unbound placeholder fails", func(t *testing.T) {
		modules := []Module{
			{Name: "identity", Template: "You are ${name}."},
		}

		_, err := Assemble(modules, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMissingBinding))
		assert.Contains(t, err.Error(), "identity")
		assert.Contains(t, err.Error(), "name")
	})

	t.Run("is deterministic", func(t *testing.T) {
		modules := []Module{
			{Name: "a", Order: 2, Template: "two"},
			{Name: "b", Order: 1, Template: "one"},
			{Name: "c", Order: 3, Template: "three"},
		}

		first, err := Assemble(modules, nil)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			again, err := Assemble(modules, nil)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	})
}

func TestAssembleWithSchema(t *testing.T) {
	modules := []Module{{Name: "identity", Template: "You summarize text."}}
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"summary": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"summary"},
	}

	t.Run("appends output format section", func(t *testing.T) {
		text, err := AssembleWithSchema(modules, nil, schema)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(text, "You summarize text."))
		assert.Contains(t, text, "# Output Format")
		assert.Contains(t, text, `"summary"`)
	})

	t.Run("nil schema leaves prompt untouched", func(t *testing.T) {
		text, err := AssembleWithSchema(modules, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "You summarize text.", text)
	})
}

func TestValidateSchema(t *testing.T) {
	t.Run("accepts a valid schema", func(t *testing.T) {
		err := ValidateSchema(map[string]interface{}{"type": "object"})
		assert.NoError(t, err)
	})

	t.Run("rejects a malformed schema", func(t *testing.T) {
		err := ValidateSchema(map[string]interface{}{"type": 42})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidSchema))
	})
}

func TestModuleSetHash(t *testing.T) {
	modules := []Module{
		{Name: "a", Order: 1, Template: "one", Bindings: map[string]string{"k": "v"}},
		{Name: "b", Order: 2, Template: "two"},
	}

	t.Run("stable across ordering", func(t *testing.T) {
		reversed := []Module{modules[1], modules[0]}
		assert.Equal(t, ModuleSetHash(modules), ModuleSetHash(reversed))
	})

	t.Run("changes when content changes", func(t *testing.T) {
		changed := []Module{
			{Name: "a", Order: 1, Template: "different", Bindings: map[string]string{"k": "v"}},
			modules[1],
		}
		assert.NotEqual(t, ModuleSetHash(modules), ModuleSetHash(changed))
	})
}
