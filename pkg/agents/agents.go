// Package agents defines the built-in agent catalog: each agent pairs a
// system prompt and model profile with the tool set it may call.
package agents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/pkg/agent"
	"github.com/atelier-ai/atelier/pkg/toolexec"
)

// ArtifactStore persists artifacts produced by tool handlers.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, sessionID, artifactType, name, content string, metadata map[string]interface{}) (string, error)
}

// Definition describes one agent's loop configuration.
type Definition struct {
	Name         string
	Description  string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Tools        []string
}

// Config renders the definition as a runnable agent configuration.
func (d Definition) Config() agent.Config {
	return agent.Config{
		Model:        d.Model,
		Temperature:  d.Temperature,
		MaxTokens:    d.MaxTokens,
		SystemPrompt: d.SystemPrompt,
		Tools:        d.Tools,
	}
}

// Catalog holds the registered agent definitions.
type Catalog struct {
	defs   map[string]Definition
	logger zerolog.Logger
}

const (
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.7
)

// NewCatalog registers the built-in agents and their tools. Artifacts
// produced during a run (generated code, migration SQL) are written
// through the given store.
func NewCatalog(registry *toolexec.Registry, artifacts ArtifactStore, logger zerolog.Logger) (*Catalog, error) {
	if registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}

	c := &Catalog{
		defs:   make(map[string]Definition),
		logger: logger,
	}

	if err := registerBuilderTools(registry, artifacts, logger); err != nil {
		return nil, fmt.Errorf("failed to register builder tools: %w", err)
	}
	if err := registerDatabaseTools(registry, artifacts, logger); err != nil {
		return nil, fmt.Errorf("failed to register database tools: %w", err)
	}

	c.defs["builder"] = builderDefinition()
	c.defs["database"] = databaseDefinition()

	return c, nil
}

// Get returns an agent definition by name.
func (c *Catalog) Get(name string) (Definition, bool) {
	def, ok := c.defs[name]
	return def, ok
}

// Names returns the registered agent names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	return names
}

// saveArtifact records a tool-produced artifact against the originating
// session. Tools invoked outside a run produce no artifact.
func saveArtifact(ctx context.Context, artifacts ArtifactStore, logger zerolog.Logger, artifactType, name, content string, metadata map[string]interface{}) {
	execCtx := toolexec.ExecContextFromContext(ctx)
	if execCtx == nil {
		return
	}

	if _, err := artifacts.SaveArtifact(ctx, execCtx.SessionID, artifactType, name, content, metadata); err != nil {
		logger.Error().
			Err(err).
			Str("session_id", execCtx.SessionID).
			Str("artifact", name).
			Msg("Failed to save artifact")
	}
}
