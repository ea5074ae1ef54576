// Package coretools registers the baseline tools every deployment gets:
// arithmetic, clock access, and recall over the long-term memory store.
package coretools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/calder-ai/steward/pkg/memory"
	"github.com/calder-ai/steward/pkg/tool"
)

// Options configures core tool registration.
type Options struct {
	// Memory enables the memory_search tool when set.
	Memory *memory.Store
}

// RegisterCoreTools registers the baseline tools on the registry.
func RegisterCoreTools(registry *tool.Registry, opts Options) error {
	if registry == nil {
		return errors.New("registry is required")
	}

	tools := []tool.Definition{
		calculatorTool(),
		currentTimeTool(),
	}
	if opts.Memory != nil {
		tools = append(tools, memorySearchTool(opts.Memory))
	}

	for _, def := range tools {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func calculatorTool() tool.Definition {
	return tool.Definition{
		Name:        "calculator",
		Description: "Perform basic arithmetic on two numbers.",
		Parameters: []tool.Parameter{
			{Name: "operation", Type: "string", Description: "One of add, subtract, multiply, divide", Required: true, Enum: []string{"add", "subtract", "multiply", "divide"}},
			{Name: "a", Type: "number", Description: "First operand", Required: true},
			{Name: "b", Type: "number", Description: "Second operand", Required: true},
		},
		Handler: func(ctx context.Context, tc *tool.Context, args map[string]interface{}) (*tool.Result, error) {
			op, _ := args["operation"].(string)
			a, aok := args["a"].(float64)
			b, bok := args["b"].(float64)
			if !aok || !bok {
				return nil, fmt.Errorf("operands must be numbers")
			}

			var result float64
			switch op {
			case "add":
				result = a + b
			case "subtract":
				result = a - b
			case "multiply":
				result = a * b
			case "divide":
				if b == 0 {
					return nil, fmt.Errorf("division by zero")
				}
				result = a / b
			default:
				return nil, fmt.Errorf("unknown operation: %s", op)
			}

			return tool.Ok(strconv.FormatFloat(result, 'f', -1, 64)), nil
		},
	}
}

func currentTimeTool() tool.Definition {
	return tool.Definition{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a named timezone.",
		Parameters: []tool.Parameter{
			{Name: "timezone", Type: "string", Description: "IANA timezone name, defaults to UTC", Required: false},
		},
		Handler: func(ctx context.Context, tc *tool.Context, args map[string]interface{}) (*tool.Result, error) {
			loc := time.UTC
			if name, ok := args["timezone"].(string); ok && name != "" {
				parsed, err := time.LoadLocation(name)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone: %s", name)
				}
				loc = parsed
			}
			return tool.Ok(time.Now().In(loc).Format(time.RFC1123)), nil
		},
	}
}

func memorySearchTool(store *memory.Store) tool.Definition {
	return tool.Definition{
		Name:        "memory_search",
		Description: "Search long-term memory for notes and past tool usage relevant to a question.",
		Parameters: []tool.Parameter{
			{Name: "query", Type: "string", Description: "What to look for", Required: true},
			{Name: "limit", Type: "number", Description: "Maximum results, defaults to 5", Required: false},
		},
		Handler: func(ctx context.Context, tc *tool.Context, args map[string]interface{}) (*tool.Result, error) {
			query, _ := args["query"].(string)
			limit := 5
			if n, ok := args["limit"].(float64); ok && n > 0 {
				limit = int(n)
			}

			userID := ""
			if tc.User != nil {
				userID = tc.User.ID
			}

			entries, err := store.Search(ctx, query, memory.SearchOptions{
				Limit:  limit,
				UserID: userID,
			})
			if err != nil {
				return nil, fmt.Errorf("memory search failed: %w", err)
			}
			if len(entries) == 0 {
				return tool.Ok("No matching memories found."), nil
			}

			var sb strings.Builder
			for i, entry := range entries {
				fmt.Fprintf(&sb, "%d. [%s] %s: %s\n", i+1, entry.Kind, entry.Question, entry.Content)
			}
			return tool.Ok(sb.String()), nil
		},
	}
}
