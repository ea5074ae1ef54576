package tool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-ai/steward/pkg/user"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{
		Timeout: 5 * time.Second,
		Logger:  zerolog.Nop(),
	})
}

func echoDefinition(name string) Definition {
	return Definition{
		Name:        name,
		Description: "Echoes the input text",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(_ context.Context, _ *Context, args map[string]interface{}) (*Result, error) {
			return Ok(args["text"].(string)), nil
		},
	}
}

func TestRegister(t *testing.T) {
	t.Run("registers tool", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(echoDefinition("echo")))
		assert.Equal(t, 1, r.Count())
		assert.NotNil(t, r.Get("echo"))
	})

	t.Run("replaces existing tool with same name", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(echoDefinition("echo")))

		replacement := echoDefinition("echo")
		replacement.Description = "Updated description"
		require.NoError(t, r.Register(replacement))

		assert.Equal(t, 1, r.Count())
		assert.Equal(t, "Updated description", r.Get("echo").Description)
	})

	t.Run("rejects invalid definitions", func(t *testing.T) {
		r := newTestRegistry(t)

		err := r.Register(Definition{Description: "no name", Handler: func(context.Context, *Context, map[string]interface{}) (*Result, error) { return Ok(""), nil }})
		assert.Error(t, err)

		err = r.Register(Definition{Name: "no-handler", Description: "missing handler"})
		assert.Error(t, err)

		def := echoDefinition("bad-param")
		def.Parameters[0].Type = "unknown"
		err = r.Register(def)
		assert.Error(t, err)
	})
}

func TestSchemasFor(t *testing.T) {
	r := newTestRegistry(t)

	public := echoDefinition("public_tool")
	require.NoError(t, r.Register(public))

	restricted := echoDefinition("admin_tool")
	restricted.AccessGroups = []string{"admin"}
	require.NoError(t, r.Register(restricted))

	t.Run("empty access groups are visible to everyone", func(t *testing.T) {
		u := &user.User{ID: "u1"}
		schemas := r.SchemasFor(u)

		names := map[string]bool{}
		for _, s := range schemas {
			names[s.Name] = true
		}
		assert.True(t, names["public_tool"])
		assert.False(t, names["admin_tool"])
	})

	t.Run("group member sees restricted tool", func(t *testing.T) {
		u := &user.User{ID: "u2", Groups: []string{"admin"}}
		schemas := r.SchemasFor(u)
		assert.Len(t, schemas, 2)
	})

	t.Run("schema carries required parameters", func(t *testing.T) {
		u := &user.User{ID: "u3", Groups: []string{"admin"}}
		for _, s := range r.SchemasFor(u) {
			if s.Name != "public_tool" {
				continue
			}
			required, ok := s.InputSchema["required"].([]string)
			require.True(t, ok)
			assert.Contains(t, required, "text")
		}
	})
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("successful execution", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(echoDefinition("echo")))

		result := r.Execute(ctx, Call{ID: "c1", Name: "echo", Args: map[string]interface{}{"text": "hello"}}, nil)
		assert.True(t, result.Success)
		assert.Equal(t, "hello", result.ResultForLLM)
	})

	t.Run("unknown tool returns failed result", func(t *testing.T) {
		r := newTestRegistry(t)

		result := r.Execute(ctx, Call{ID: "c1", Name: "nope"}, nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "tool not found")
	})

	t.Run("argument validation failure returns failed result", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(echoDefinition("echo")))

		result := r.Execute(ctx, Call{ID: "c1", Name: "echo", Args: map[string]interface{}{}}, nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "validation")
	})

	t.Run("handler error becomes failed result", func(t *testing.T) {
		r := newTestRegistry(t)
		def := echoDefinition("broken")
		def.Handler = func(context.Context, *Context, map[string]interface{}) (*Result, error) {
			return nil, fmt.Errorf("boom")
		}
		require.NoError(t, r.Register(def))

		result := r.Execute(ctx, Call{ID: "c1", Name: "broken", Args: map[string]interface{}{"text": "x"}}, nil)
		assert.False(t, result.Success)
		assert.Equal(t, "boom", result.Error)
	})

	t.Run("handler panic becomes failed result", func(t *testing.T) {
		r := newTestRegistry(t)
		def := echoDefinition("panicky")
		def.Handler = func(context.Context, *Context, map[string]interface{}) (*Result, error) {
			panic("unexpected state")
		}
		require.NoError(t, r.Register(def))

		result := r.Execute(ctx, Call{ID: "c1", Name: "panicky", Args: map[string]interface{}{"text": "x"}}, nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "panicked")
	})

	t.Run("access group blocks execution for outsiders", func(t *testing.T) {
		r := newTestRegistry(t)
		def := echoDefinition("admin_tool")
		def.AccessGroups = []string{"admin"}
		require.NoError(t, r.Register(def))

		tc := &Context{User: &user.User{ID: "u1"}}
		result := r.Execute(ctx, Call{ID: "c1", Name: "admin_tool", Args: map[string]interface{}{"text": "x"}}, tc)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "tool not found")
	})

	t.Run("records duration metadata", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(echoDefinition("echo")))

		result := r.Execute(ctx, Call{ID: "c1", Name: "echo", Args: map[string]interface{}{"text": "x"}}, nil)
		assert.Contains(t, result.Metadata, "duration_ms")
	})
}

type rejectingTransformer struct {
	blocked string
}

func (tr *rejectingTransformer) TransformArgs(_ context.Context, _ *Context, toolName string, args map[string]interface{}) (map[string]interface{}, error) {
	if toolName == tr.blocked {
		return nil, Reject("quota exceeded for this tool")
	}
	args["injected"] = true
	return args, nil
}

func TestArgTransformer(t *testing.T) {
	ctx := context.Background()

	t.Run("rejection short-circuits with failed result", func(t *testing.T) {
		r := NewRegistry(RegistryConfig{
			Transformer: &rejectingTransformer{blocked: "echo"},
			Logger:      zerolog.Nop(),
		})
		require.NoError(t, r.Register(echoDefinition("echo")))

		result := r.Execute(ctx, Call{ID: "c1", Name: "echo", Args: map[string]interface{}{"text": "x"}}, nil)
		assert.False(t, result.Success)
		assert.Equal(t, "quota exceeded for this tool", result.Error)
		assert.Equal(t, true, result.Metadata["rejected"])
	})

	t.Run("transformed args reach the handler", func(t *testing.T) {
		r := NewRegistry(RegistryConfig{
			Transformer: &rejectingTransformer{blocked: "other"},
			Logger:      zerolog.Nop(),
		})

		var seen map[string]interface{}
		def := echoDefinition("echo")
		def.Handler = func(_ context.Context, _ *Context, args map[string]interface{}) (*Result, error) {
			seen = args
			return Ok("done"), nil
		}
		require.NoError(t, r.Register(def))

		result := r.Execute(ctx, Call{ID: "c1", Name: "echo", Args: map[string]interface{}{"text": "x"}}, nil)
		require.True(t, result.Success)
		assert.Equal(t, true, seen["injected"])
	})
}

func TestExecuteBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("results correlate to calls regardless of completion order", func(t *testing.T) {
		r := newTestRegistry(t)

		def := Definition{
			Name:        "sleepy_echo",
			Description: "Echoes after a delay",
			Parameters: []Parameter{
				{Name: "text", Type: "string", Description: "Text to echo", Required: true},
				{Name: "delay_ms", Type: "integer", Description: "Delay before echoing", Required: true},
			},
			Handler: func(_ context.Context, _ *Context, args map[string]interface{}) (*Result, error) {
				delay := int(args["delay_ms"].(float64))
				time.Sleep(time.Duration(delay) * time.Millisecond)
				return Ok(args["text"].(string)), nil
			},
		}
		require.NoError(t, r.Register(def))

		calls := []Call{
			{ID: "slow", Name: "sleepy_echo", Args: map[string]interface{}{"text": "first", "delay_ms": float64(50)}},
			{ID: "fast", Name: "sleepy_echo", Args: map[string]interface{}{"text": "second", "delay_ms": float64(1)}},
		}

		byID := map[string]Result{}
		for item := range r.ExecuteBatch(ctx, calls, nil) {
			byID[item.Call.ID] = item.Result
		}
		require.Len(t, byID, 2)
		assert.Equal(t, "first", byID["slow"].ResultForLLM)
		assert.Equal(t, "second", byID["fast"].ResultForLLM)
	})

	t.Run("results stream as calls complete", func(t *testing.T) {
		r := newTestRegistry(t)

		release := make(chan struct{})
		require.NoError(t, r.Register(Definition{
			Name:        "parked",
			Description: "Waits until released",
			Handler: func(context.Context, *Context, map[string]interface{}) (*Result, error) {
				<-release
				return Ok("late"), nil
			},
		}))
		require.NoError(t, r.Register(Definition{
			Name:        "instant",
			Description: "Returns immediately",
			Handler: func(context.Context, *Context, map[string]interface{}) (*Result, error) {
				return Ok("early"), nil
			},
		}))

		items := r.ExecuteBatch(ctx, []Call{
			{ID: "p", Name: "parked"},
			{ID: "i", Name: "instant"},
		}, nil)

		select {
		case item := <-items:
			assert.Equal(t, "i", item.Call.ID)
			assert.Equal(t, "early", item.Result.ResultForLLM)
		case <-time.After(2 * time.Second):
			t.Fatal("instant result held back behind a parked call")
		}

		close(release)
		item, ok := <-items
		require.True(t, ok)
		assert.Equal(t, "p", item.Call.ID)

		_, ok = <-items
		assert.False(t, ok, "channel must close after the last item")
	})

	t.Run("calls run concurrently", func(t *testing.T) {
		r := newTestRegistry(t)

		var mu sync.Mutex
		inFlight, peak := 0, 0

		def := Definition{
			Name:        "tracker",
			Description: "Tracks concurrent executions",
			Handler: func(context.Context, *Context, map[string]interface{}) (*Result, error) {
				mu.Lock()
				inFlight++
				if inFlight > peak {
					peak = inFlight
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return Ok("ok"), nil
			},
		}
		require.NoError(t, r.Register(def))

		calls := []Call{
			{ID: "a", Name: "tracker"},
			{ID: "b", Name: "tracker"},
			{ID: "c", Name: "tracker"},
		}
		for range r.ExecuteBatch(ctx, calls, nil) {
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Greater(t, peak, 1)
	})

	t.Run("each call sees its own call id", func(t *testing.T) {
		r := newTestRegistry(t)

		var mu sync.Mutex
		seen := map[string]string{}

		def := Definition{
			Name:        "recorder",
			Description: "Records its call id",
			Handler: func(_ context.Context, tc *Context, _ map[string]interface{}) (*Result, error) {
				mu.Lock()
				seen[tc.CallID] = tc.CallID
				mu.Unlock()
				return Ok("ok"), nil
			},
		}
		require.NoError(t, r.Register(def))

		tc := &Context{User: &user.User{ID: "u1"}}
		for range r.ExecuteBatch(ctx, []Call{{ID: "x", Name: "recorder"}, {ID: "y", Name: "recorder"}}, tc) {
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Contains(t, seen, "x")
		assert.Contains(t, seen, "y")
	})
}
