package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// ErrToolNotFound is returned when a requested tool name has no entry in
// the registry. An unregistered tool is a configuration error, not a
// runtime retry condition.
var ErrToolNotFound = errors.New("toolexec: tool not found")

// ToolParameter defines a parameter for a tool.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution. The result
// must be JSON-serializable.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Result is the outcome of one tool execution.
type Result struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Registry is a static table mapping tool names to capabilities. It is
// built once at configuration time; there is no dynamic registration
// during a run.
type Registry struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	timeout time.Duration
	logger  zerolog.Logger
}

const defaultToolTimeout = 30 * time.Second

// NewRegistry creates an empty tool registry. The timeout bounds every
// tool invocation.
func NewRegistry(timeout time.Duration, logger zerolog.Logger) *Registry {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &Registry{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(def ToolDefinition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	schema, err := generateSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", def.Name, err)
	}

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	r.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Get returns a tool definition by name, or nil.
func (r *Registry) Get(name string) *ToolDefinition {
	return r.tools[name]
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// InputSchema renders a tool's parameter list as a JSON-schema object of
// the shape model providers expect.
func (r *Registry) InputSchema(name string) (map[string]interface{}, error) {
	def := r.tools[name]
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return schemaMap(*def), nil
}

// Execute runs the named tool with the given arguments, bounded by the
// registry timeout. A missing tool fails with ErrToolNotFound; handler
// failures and timeouts are reported in the Result rather than as errors,
// since they are part of the conversation the model sees.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	def := r.tools[name]
	if def == nil {
		r.logger.Error().Str("tool", name).Msg("Tool not registered")
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if err := r.validateArgs(r.schemas[name], args); err != nil {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("argument validation failed: %v", err),
		}, nil
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)

	go func() {
		output, err := def.Handler(execCtx, args)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- output
	}()

	select {
	case output := <-resultCh:
		output, truncated := truncateOutput(output)
		duration := time.Since(start)

		r.logger.Debug().
			Str("tool", name).
			Dur("duration", duration).
			Msg("Tool execution completed")

		return Result{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Metadata:  map[string]interface{}{"duration_ms": duration.Milliseconds()},
		}, nil

	case err := <-errCh:
		r.logger.Error().Str("tool", name).Err(err).Msg("Tool execution failed")
		return Result{
			Success:  false,
			Error:    err.Error(),
			Metadata: map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()},
		}, nil

	case <-execCtx.Done():
		r.logger.Error().Str("tool", name).Msg("Tool execution timeout")
		return Result{
			Success:  false,
			Error:    fmt.Sprintf("tool execution timeout after %v", r.timeout),
			Metadata: map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()},
		}, nil
	}
}

func validateDefinition(def ToolDefinition) error {
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
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

func schemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

func generateSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap(def)))
}

func (r *Registry) validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		details := []string{}
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return fmt.Errorf("validation errors: %v", details)
	}

	return nil
}

const maxOutputBytes = 10 * 1024

// truncateOutput caps serialized tool output so a runaway tool cannot
// flood the message history. The cut backs up to a rune boundary so the
// truncated payload stays valid UTF-8.
func truncateOutput(output interface{}) (interface{}, bool) {
	data, err := json.Marshal(output)
	if err != nil {
		return output, false
	}
	if len(data) <= maxOutputBytes {
		return output, false
	}

	cut := maxOutputBytes
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut]) + "\n... [output truncated]", true
}
