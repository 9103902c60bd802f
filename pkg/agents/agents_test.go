package agents

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/pkg/toolexec"
)

type savedArtifact struct {
	sessionID    string
	artifactType string
	name         string
	content      string
	metadata     map[string]interface{}
}

type recordingArtifacts struct {
	mu    sync.Mutex
	saved []savedArtifact
}

func (r *recordingArtifacts) SaveArtifact(ctx context.Context, sessionID, artifactType, name, content string, metadata map[string]interface{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, savedArtifact{sessionID, artifactType, name, content, metadata})
	return "artifact-1", nil
}

func newTestCatalog(t *testing.T) (*Catalog, *toolexec.Registry, *recordingArtifacts) {
	t.Helper()

	registry := toolexec.NewRegistry(5*time.Second, zerolog.Nop())
	artifacts := &recordingArtifacts{}
	catalog, err := NewCatalog(registry, artifacts, zerolog.Nop())
	require.NoError(t, err)
	return catalog, registry, artifacts
}

func TestNewCatalog(t *testing.T) {
	t.Run("requires registry", func(t *testing.T) {
		_, err := NewCatalog(nil, &recordingArtifacts{}, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("requires artifact store", func(t *testing.T) {
		_, err := NewCatalog(toolexec.NewRegistry(0, zerolog.Nop()), nil, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("registers agents and tools", func(t *testing.T) {
		catalog, registry, _ := newTestCatalog(t)

		assert.ElementsMatch(t, []string{"builder", "database"}, catalog.Names())

		builder, ok := catalog.Get("builder")
		require.True(t, ok)
		assert.NotEmpty(t, builder.SystemPrompt)

		for _, def := range []string{"builder", "database"} {
			agentDef, ok := catalog.Get(def)
			require.True(t, ok)
			for _, tool := range agentDef.Tools {
				assert.NotNil(t, registry.Get(tool), "tool %s must be registered", tool)
			}
		}
	})

	t.Run("definition renders runnable config", func(t *testing.T) {
		catalog, _, _ := newTestCatalog(t)

		def, ok := catalog.Get("database")
		require.True(t, ok)

		cfg := def.Config()
		assert.Equal(t, def.Model, cfg.Model)
		assert.Equal(t, def.SystemPrompt, cfg.SystemPrompt)
		assert.Equal(t, def.Tools, cfg.Tools)
	})
}

func TestBuilderTools(t *testing.T) {
	_, registry, artifacts := newTestCatalog(t)
	ctx := toolexec.WithExecContext(context.Background(), toolexec.ExecContext{
		SessionID: "session-1",
		AgentType: "builder",
	})

	t.Run("analyze_requirements", func(t *testing.T) {
		result, err := registry.Execute(ctx, "analyze_requirements", map[string]interface{}{
			"user_input": "I need a todo app",
		})
		require.NoError(t, err)
		require.True(t, result.Success)

		output := result.Output.(map[string]interface{})
		assert.Equal(t, "web_application", output["app_type"])
	})

	t.Run("generate_component_code saves a code artifact", func(t *testing.T) {
		result, err := registry.Execute(ctx, "generate_component_code", map[string]interface{}{
			"component_spec": map[string]interface{}{"name": "MyComponent"},
		})
		require.NoError(t, err)
		require.True(t, result.Success)
		assert.Contains(t, result.Output.(string), "React")

		require.Len(t, artifacts.saved, 1)
		assert.Equal(t, "session-1", artifacts.saved[0].sessionID)
		assert.Equal(t, "code", artifacts.saved[0].artifactType)
		assert.Equal(t, "component.tsx", artifacts.saved[0].name)
	})

	t.Run("no artifact outside a run", func(t *testing.T) {
		before := len(artifacts.saved)
		_, err := registry.Execute(context.Background(), "generate_component_code", map[string]interface{}{
			"component_spec": map[string]interface{}{},
		})
		require.NoError(t, err)
		assert.Len(t, artifacts.saved, before)
	})
}

func TestDatabaseTools(t *testing.T) {
	_, registry, artifacts := newTestCatalog(t)
	ctx := toolexec.WithExecContext(context.Background(), toolexec.ExecContext{
		SessionID: "session-2",
		AgentType: "database",
	})

	t.Run("design_database_schema", func(t *testing.T) {
		result, err := registry.Execute(ctx, "design_database_schema", map[string]interface{}{
			"entities": []interface{}{map[string]interface{}{"name": "User"}},
			"db_type":  "PostgreSQL",
		})
		require.NoError(t, err)
		require.True(t, result.Success)

		schema := result.Output.(map[string]interface{})
		tables := schema["tables"].([]interface{})
		assert.Len(t, tables, 3)
	})

	t.Run("generate_migration_sql renders DDL and saves a schema artifact", func(t *testing.T) {
		result, err := registry.Execute(ctx, "generate_migration_sql", map[string]interface{}{
			"schema": blogSchema(),
		})
		require.NoError(t, err)
		require.True(t, result.Success)

		sql := result.Output.(string)
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS users")
		assert.Contains(t, sql, "ADD CONSTRAINT fk_posts_author_id")
		assert.Contains(t, sql, "CREATE INDEX IF NOT EXISTS idx_comments_post_id")
		assert.Contains(t, sql, "ON DELETE CASCADE")

		require.Len(t, artifacts.saved, 1)
		assert.Equal(t, "schema", artifacts.saved[0].artifactType)
		assert.Equal(t, "migration.sql", artifacts.saved[0].name)
	})

	t.Run("suggest_indexes uses the table name", func(t *testing.T) {
		result, err := registry.Execute(ctx, "suggest_indexes", map[string]interface{}{
			"table_name":     "posts",
			"query_patterns": []interface{}{"SELECT * FROM posts WHERE status = ?"},
		})
		require.NoError(t, err)
		require.True(t, result.Success)

		suggestions := result.Output.([]map[string]interface{})
		require.Len(t, suggestions, 2)
		assert.Equal(t, "idx_posts_composite", suggestions[0]["index_name"])
	})

	t.Run("generate_orm_models defaults to prisma", func(t *testing.T) {
		before := len(artifacts.saved)
		result, err := registry.Execute(ctx, "generate_orm_models", map[string]interface{}{
			"schema": blogSchema(),
		})
		require.NoError(t, err)
		require.True(t, result.Success)
		assert.True(t, strings.Contains(result.Output.(string), "generator client"))
		assert.Len(t, artifacts.saved, before+1)
	})

	t.Run("generate_orm_models rejects unknown flavors gracefully", func(t *testing.T) {
		before := len(artifacts.saved)
		result, err := registry.Execute(ctx, "generate_orm_models", map[string]interface{}{
			"schema":   blogSchema(),
			"orm_type": "typeorm",
		})
		require.NoError(t, err)
		require.True(t, result.Success)
		assert.Contains(t, result.Output.(string), "not yet implemented")
		assert.Len(t, artifacts.saved, before)
	})
}
