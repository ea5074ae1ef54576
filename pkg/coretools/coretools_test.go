package coretools

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-ai/steward/pkg/memory"
	"github.com/calder-ai/steward/pkg/tool"
	"github.com/calder-ai/steward/pkg/user"
)

func newRegistry(t *testing.T, opts Options) *tool.Registry {
	t.Helper()

	registry := tool.NewRegistry(tool.RegistryConfig{Logger: zerolog.Nop()})
	require.NoError(t, RegisterCoreTools(registry, opts))
	return registry
}

func execute(t *testing.T, registry *tool.Registry, name string, args map[string]interface{}) tool.Result {
	t.Helper()

	return registry.Execute(context.Background(), tool.Call{ID: "call_1", Name: name, Args: args}, &tool.Context{
		User:   &user.User{ID: "alice"},
		Logger: zerolog.Nop(),
	})
}

func TestCalculator(t *testing.T) {
	registry := newRegistry(t, Options{})

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"add", map[string]interface{}{"operation": "add", "a": float64(5), "b": float64(3)}, "8"},
		{"subtract", map[string]interface{}{"operation": "subtract", "a": float64(5), "b": float64(3)}, "2"},
		{"multiply", map[string]interface{}{"operation": "multiply", "a": float64(2.5), "b": float64(4)}, "10"},
		{"divide", map[string]interface{}{"operation": "divide", "a": float64(5), "b": float64(2)}, "2.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := execute(t, registry, "calculator", tt.args)
			require.True(t, result.Success, result.Error)
			assert.Equal(t, tt.want, result.ResultForLLM)
		})
	}

	t.Run("division by zero fails", func(t *testing.T) {
		result := execute(t, registry, "calculator", map[string]interface{}{
			"operation": "divide", "a": float64(1), "b": float64(0),
		})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "division by zero")
	})
}

func TestCurrentTime(t *testing.T) {
	registry := newRegistry(t, Options{})

	t.Run("defaults to UTC", func(t *testing.T) {
		result := execute(t, registry, "current_time", map[string]interface{}{})
		require.True(t, result.Success, result.Error)
		assert.Contains(t, result.ResultForLLM, "UTC")
	})

	t.Run("unknown timezone fails", func(t *testing.T) {
		result := execute(t, registry, "current_time", map[string]interface{}{"timezone": "Mars/Olympus"})
		assert.False(t, result.Success)
	})
}

func TestMemorySearch(t *testing.T) {
	store, err := memory.NewStore(memory.StoreConfig{
		DBPath: filepath.Join(t.TempDir(), "memory.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.IndexNote(context.Background(), "note-1", "Deploy checklist", "Run migrations first."))

	registry := newRegistry(t, Options{Memory: store})

	t.Run("registered only with a store", func(t *testing.T) {
		bare := newRegistry(t, Options{})
		result := execute(t, bare, "memory_search", map[string]interface{}{"query": "x"})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "tool not found")
	})

	t.Run("finds indexed notes", func(t *testing.T) {
		result := execute(t, registry, "memory_search", map[string]interface{}{"query": "migrations"})
		require.True(t, result.Success, result.Error)
		assert.Contains(t, result.ResultForLLM, "Deploy checklist")
	})

	t.Run("reports empty recall", func(t *testing.T) {
		result := execute(t, registry, "memory_search", map[string]interface{}{"query": "zebras"})
		require.True(t, result.Success, result.Error)
		assert.Contains(t, result.ResultForLLM, "No matching memories")
	})
}
