package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/calder-ai/steward/internal/observability"
	"github.com/calder-ai/steward/pkg/user"
)

const defaultExecutionTimeout = 30 * time.Second

// Registry holds tool definitions and executes calls against them.
type Registry struct {
	tools       map[string]*Definition
	schemas     map[string]*gojsonschema.Schema
	transformer ArgTransformer
	timeout     time.Duration
	logger      zerolog.Logger
	mu          sync.RWMutex
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Transformer ArgTransformer // optional
	Timeout     time.Duration  // per-execution, defaults to 30s
	Logger      zerolog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	observability.EnsureRegistered()

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExecutionTimeout
	}

	return &Registry{
		tools:       make(map[string]*Definition),
		schemas:     make(map[string]*gojsonschema.Schema),
		transformer: cfg.Transformer,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger.With().Str("component", "tool_registry").Logger(),
	}
}

// Register adds a tool. Registering a name that already exists replaces the
// previous definition.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	_, replaced := r.tools[def.Name]
	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema
	r.mu.Unlock()

	r.logger.Info().
		Str("tool", def.Name).
		Bool("replaced", replaced).
		Msg("Tool registered")

	return nil
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	delete(r.schemas, name)
	r.mu.Unlock()

	r.logger.Info().Str("tool", name).Msg("Tool unregistered")
}

// Get returns a tool definition by name, or nil when absent.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SchemasFor returns LLM-facing schemas for every tool the user may see. A
// tool with an empty access-group list is visible to everyone; otherwise the
// user must belong to at least one listed group.
func (r *Registry) SchemasFor(u *user.User) []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]Schema, 0, len(r.tools))
	for _, def := range r.tools {
		if u != nil && !u.InAnyGroup(def.AccessGroups) {
			continue
		}
		schemas = append(schemas, def.Schema())
	}
	return schemas
}

// Execute runs a single tool call and always returns a Result. Unknown
// tools, invalid arguments, rejected transformations, handler errors, and
// handler panics all become failed Results; no error escapes.
func (r *Registry) Execute(ctx context.Context, call Call, tc *Context) Result {
	start := time.Now()

	result := r.execute(ctx, call, tc)

	duration := time.Since(start)
	observability.RecordToolExecution(call.Name, duration, result.Success)

	if result.Metadata == nil {
		result.Metadata = map[string]interface{}{}
	}
	result.Metadata["duration_ms"] = duration.Milliseconds()

	return result
}

func (r *Registry) execute(ctx context.Context, call Call, tc *Context) Result {
	r.mu.RLock()
	def := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	if def == nil {
		r.logger.Warn().Str("tool", call.Name).Msg("Tool not found")
		return *Fail(fmt.Sprintf("tool not found: %s", call.Name))
	}

	if tc != nil && tc.User != nil && !tc.User.InAnyGroup(def.AccessGroups) {
		r.logger.Warn().
			Str("tool", call.Name).
			Str("user_id", tc.User.ID).
			Msg("Tool execution blocked by access policy")
		return *Fail(fmt.Sprintf("tool not found: %s", call.Name))
	}

	args := call.Args
	if args == nil {
		args = map[string]interface{}{}
	}

	if err := validateArgs(schema, args); err != nil {
		r.logger.Warn().Str("tool", call.Name).Err(err).Msg("Argument validation failed")
		return *Fail(fmt.Sprintf("argument validation failed: %v", err))
	}

	if r.transformer != nil {
		transformed, err := r.transformer.TransformArgs(ctx, tc, call.Name, args)
		if err != nil {
			var rejection *RejectionError
			if errors.As(err, &rejection) {
				r.logger.Info().
					Str("tool", call.Name).
					Str("reason", rejection.Reason).
					Msg("Tool call rejected by argument transformer")
				res := Fail(rejection.Reason)
				res.Metadata = map[string]interface{}{"rejected": true}
				return *res
			}
			r.logger.Error().Str("tool", call.Name).Err(err).Msg("Argument transformation failed")
			return *Fail(fmt.Sprintf("argument transformation failed: %v", err))
		}
		if transformed != nil {
			args = transformed
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.Debug().Str("tool", call.Name).Str("call_id", call.ID).Msg("Executing tool")

	resultCh := make(chan *Result, 1)
	errCh := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errCh <- fmt.Errorf("tool panicked: %v", rec)
			}
		}()
		res, err := def.Handler(execCtx, tc, args)
		if err != nil {
			errCh <- err
			return
		}
		if res == nil {
			res = Ok("")
		}
		resultCh <- res
	}()

	select {
	case res := <-resultCh:
		return *res
	case err := <-errCh:
		r.logger.Error().Str("tool", call.Name).Err(err).Msg("Tool execution failed")
		return *Fail(err.Error())
	case <-execCtx.Done():
		if ctx.Err() != nil {
			r.logger.Warn().Str("tool", call.Name).Msg("Tool execution cancelled")
			return *Fail("tool execution cancelled")
		}
		r.logger.Error().Str("tool", call.Name).Dur("timeout", r.timeout).Msg("Tool execution timeout")
		return *Fail(fmt.Sprintf("tool execution timeout after %v", r.timeout))
	}
}

// BatchItem pairs a call with its result, preserving correlation when calls
// execute concurrently.
type BatchItem struct {
	Call   Call
	Result Result
}

// ExecuteBatch runs all calls concurrently and delivers each item as soon as
// its call finishes, so a fast call is never held behind a slow one. The
// channel is buffered for the full batch and closes after the last item.
// Each call gets its own Context copy carrying the call id.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []Call, tc *Context) <-chan BatchItem {
	items := make(chan BatchItem, len(calls))

	var wg sync.WaitGroup
	for _, call := range calls {
		wg.Add(1)
		go func(call Call) {
			defer wg.Done()

			callCtx := tc
			if tc != nil {
				cp := *tc
				cp.CallID = call.ID
				callCtx = &cp
			}

			items <- BatchItem{
				Call:   call,
				Result: r.Execute(ctx, call, callCtx),
			}
		}(call)
	}

	go func() {
		wg.Wait()
		close(items)
	}()

	return items
}

// Schema builds the LLM-facing schema for a definition.
func (d *Definition) Schema() Schema {
	properties := make(map[string]interface{})
	required := []string{}

	for _, p := range d.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop

		if p.Required {
			required = append(required, p.Name)
		}
	}

	input := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		input["required"] = required
	}

	return Schema{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: input,
	}
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", p.Type, p.Name)
		}
	}

	return nil
}

func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, p := range def.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop

		if p.Required {
			required = append(required, p.Name)
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := []string{}
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}

	return nil
}
