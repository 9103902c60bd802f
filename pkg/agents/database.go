package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/pkg/toolexec"
)

const databaseSystemPrompt = `You are a professional database architect and DBA.

Your responsibilities:
1. Analyze data requirements
2. Design efficient database schemas
3. Generate migration scripts
4. Provide index optimization recommendations
5. Generate ORM model code

You should:
- Follow database design best practices
- Consider performance, scalability and data integrity
- Produce clear, commented SQL scripts
- Give concrete optimization advice

Design principles:
- Use UUIDs as primary keys
- Add created_at and updated_at timestamps
- Index judiciously, not exhaustively
- Set appropriate foreign key constraints with cascade deletes
- Keep query performance in mind

Call the available tools to complete each step of the task.`

func databaseDefinition() Definition {
	return Definition{
		Name:         "database",
		Description:  "Designs database schemas, migrations and index strategies",
		Model:        defaultModel,
		Temperature:  defaultTemperature,
		SystemPrompt: databaseSystemPrompt,
		Tools: []string{
			"analyze_data_requirements",
			"select_database_type",
			"design_database_schema",
			"generate_migration_sql",
			"suggest_indexes",
			"generate_orm_models",
		},
	}
}

func registerDatabaseTools(registry *toolexec.Registry, artifacts ArtifactStore, logger zerolog.Logger) error {
	tools := []toolexec.ToolDefinition{
		analyzeDataRequirementsTool(),
		selectDatabaseTypeTool(),
		designDatabaseSchemaTool(),
		generateMigrationSQLTool(artifacts, logger),
		suggestIndexesTool(),
		generateORMModelsTool(artifacts, logger),
	}

	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func analyzeDataRequirementsTool() toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        "analyze_data_requirements",
		Description: "Analyze a description of the application's data needs and extract entities.",
		Parameters: []toolexec.ToolParameter{
			{Name: "description", Type: "string", Description: "Data requirements description", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"entities": []map[string]interface{}{
					{
						"name":          "User",
						"attributes":    []string{"id", "email", "password", "name", "created_at"},
						"relationships": []string{"has_many: posts", "has_many: comments"},
					},
					{
						"name":          "Post",
						"attributes":    []string{"id", "title", "content", "author_id", "created_at"},
						"relationships": []string{"belongs_to: user", "has_many: comments"},
					},
					{
						"name":          "Comment",
						"attributes":    []string{"id", "content", "user_id", "post_id", "created_at"},
						"relationships": []string{"belongs_to: user", "belongs_to: post"},
					},
				},
				"expected_scale":   "medium",
				"read_write_ratio": "80:20",
				"concurrent_users": 1000,
			}, nil
		},
	}
}

func selectDatabaseTypeTool() toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        "select_database_type",
		Description: "Recommend a database engine for the analyzed requirements.",
		Parameters: []toolexec.ToolParameter{
			{Name: "requirements", Type: "object", Description: "Data requirements", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"recommended": "PostgreSQL",
				"alternatives": []map[string]interface{}{
					{"name": "MySQL", "use_case": "simple relational data"},
					{"name": "MongoDB", "use_case": "document-shaped data"},
					{"name": "Redis", "use_case": "caching and session storage"},
				},
				"reasons": []string{
					"strong ACID guarantees",
					"excellent JSON support",
					"rich index types",
					"active community",
					"suits medium to large applications",
				},
				"recommended_version": "16.x",
			}, nil
		},
	}
}

func designDatabaseSchemaTool() toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        "design_database_schema",
		Description: "Design a complete database schema for the given entities.",
		Parameters: []toolexec.ToolParameter{
			{Name: "entities", Type: "array", Description: "Entity list", Required: true},
			{Name: "db_type", Type: "string", Description: "Target database engine", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return blogSchema(), nil
		},
	}
}

func generateMigrationSQLTool(artifacts ArtifactStore, logger zerolog.Logger) toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        "generate_migration_sql",
		Description: "Render a schema design as an executable SQL migration script.",
		Parameters: []toolexec.ToolParameter{
			{Name: "schema", Type: "object", Description: "Database schema design", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			schema, ok := args["schema"].(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("schema must be an object")
			}

			sql := renderMigrationSQL(schema)
			saveArtifact(ctx, artifacts, logger, "schema", "migration.sql", sql, map[string]interface{}{
				"dialect": "postgresql",
				"tool":    "generate_migration_sql",
			})
			return sql, nil
		},
	}
}

func suggestIndexesTool() toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        "suggest_indexes",
		Description: "Suggest indexes for a table based on its query patterns.",
		Parameters: []toolexec.ToolParameter{
			{Name: "table_name", Type: "string", Description: "Table name", Required: true},
			{Name: "query_patterns", Type: "array", Description: "Representative query patterns", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			tableName, _ := args["table_name"].(string)
			return []map[string]interface{}{
				{
					"index_name":            fmt.Sprintf("idx_%s_composite", tableName),
					"columns":               []string{"status", "created_at"},
					"type":                  "BTREE",
					"reason":                "speeds up status and time-range queries",
					"estimated_improvement": "3-5x faster",
				},
				{
					"index_name":            fmt.Sprintf("idx_%s_fulltext", tableName),
					"columns":               []string{"title", "content"},
					"type":                  "GIN",
					"reason":                "enables full-text search",
					"estimated_improvement": "10x faster for text search",
				},
			}, nil
		},
	}
}

func generateORMModelsTool(artifacts ArtifactStore, logger zerolog.Logger) toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        "generate_orm_models",
		Description: "Generate ORM model definitions from a schema design.",
		Parameters: []toolexec.ToolParameter{
			{Name: "schema", Type: "object", Description: "Database schema design", Required: true},
			{Name: "orm_type", Type: "string", Description: "ORM flavor (prisma, sequelize, typeorm)", Required: false, Default: "prisma"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			ormType, _ := args["orm_type"].(string)
			if ormType == "" {
				ormType = "prisma"
			}
			if ormType != "prisma" {
				return "// ORM model generation for other types not yet implemented", nil
			}

			saveArtifact(ctx, artifacts, logger, "code", "schema.prisma", prismaModels, map[string]interface{}{
				"orm":  "prisma",
				"tool": "generate_orm_models",
			})
			return prismaModels, nil
		},
	}
}

// renderMigrationSQL turns a schema design into PostgreSQL DDL: tables,
// then foreign keys, then indexes.
func renderMigrationSQL(schema map[string]interface{}) string {
	database, _ := schema["database"].(string)
	if database == "" {
		database = "app_db"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "-- Database Migration Script\n-- Database: %s\n\n", database)
	b.WriteString("-- Enable UUID extension\nCREATE EXTENSION IF NOT EXISTS \"uuid-ossp\";\n")

	tables, _ := schema["tables"].([]interface{})
	for _, raw := range tables {
		table, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := table["name"].(string)

		fmt.Fprintf(&b, "\n-- Table: %s\n", name)
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", name)

		var columns []string
		if cols, ok := table["columns"].([]interface{}); ok {
			for _, rawCol := range cols {
				col, ok := rawCol.(map[string]interface{})
				if !ok {
					continue
				}
				colName, _ := col["name"].(string)
				colType, _ := col["type"].(string)
				def := fmt.Sprintf("  %s %s", colName, colType)
				if constraints, ok := col["constraints"].([]interface{}); ok && len(constraints) > 0 {
					parts := make([]string, 0, len(constraints))
					for _, c := range constraints {
						if s, ok := c.(string); ok {
							parts = append(parts, s)
						}
					}
					def += " " + strings.Join(parts, " ")
				}
				columns = append(columns, def)
			}
		}
		b.WriteString(strings.Join(columns, ",\n"))
		b.WriteString("\n);\n")

		if fks, ok := table["foreign_keys"].([]interface{}); ok {
			for _, rawFK := range fks {
				fk, ok := rawFK.(map[string]interface{})
				if !ok {
					continue
				}
				column, _ := fk["column"].(string)
				references, _ := fk["references"].(string)
				onDelete, _ := fk["on_delete"].(string)
				if onDelete == "" {
					onDelete = "CASCADE"
				}
				fmt.Fprintf(&b, "\nALTER TABLE %s\n  ADD CONSTRAINT fk_%s_%s\n  FOREIGN KEY (%s)\n  REFERENCES %s\n  ON DELETE %s;\n",
					name, name, column, column, references, onDelete)
			}
		}

		if indexes, ok := table["indexes"].([]interface{}); ok {
			for _, rawIdx := range indexes {
				idx, ok := rawIdx.(map[string]interface{})
				if !ok {
					continue
				}
				idxName, _ := idx["name"].(string)
				var cols []string
				if idxCols, ok := idx["columns"].([]interface{}); ok {
					for _, c := range idxCols {
						if s, ok := c.(string); ok {
							cols = append(cols, s)
						}
					}
				}
				fmt.Fprintf(&b, "\nCREATE INDEX IF NOT EXISTS %s\n  ON %s (%s);\n", idxName, name, strings.Join(cols, ", "))
			}
		}
	}

	b.WriteString("\n-- Migration completed\n")
	return b.String()
}

func blogSchema() map[string]interface{} {
	return map[string]interface{}{
		"database": "ai_builder_app",
		"tables": []interface{}{
			map[string]interface{}{
				"name": "users",
				"columns": []interface{}{
					map[string]interface{}{"name": "id", "type": "UUID", "constraints": []interface{}{"PRIMARY KEY", "DEFAULT gen_random_uuid()"}},
					map[string]interface{}{"name": "email", "type": "VARCHAR(255)", "constraints": []interface{}{"NOT NULL", "UNIQUE"}},
					map[string]interface{}{"name": "password_hash", "type": "VARCHAR(255)", "constraints": []interface{}{"NOT NULL"}},
					map[string]interface{}{"name": "name", "type": "VARCHAR(100)", "constraints": []interface{}{"NOT NULL"}},
					map[string]interface{}{"name": "created_at", "type": "TIMESTAMP", "constraints": []interface{}{"DEFAULT NOW()"}},
					map[string]interface{}{"name": "updated_at", "type": "TIMESTAMP", "constraints": []interface{}{"DEFAULT NOW()"}},
				},
				"indexes": []interface{}{
					map[string]interface{}{"name": "idx_users_email", "columns": []interface{}{"email"}, "type": "BTREE"},
					map[string]interface{}{"name": "idx_users_created_at", "columns": []interface{}{"created_at"}, "type": "BTREE"},
				},
			},
			map[string]interface{}{
				"name": "posts",
				"columns": []interface{}{
					map[string]interface{}{"name": "id", "type": "UUID", "constraints": []interface{}{"PRIMARY KEY", "DEFAULT gen_random_uuid()"}},
					map[string]interface{}{"name": "title", "type": "VARCHAR(200)", "constraints": []interface{}{"NOT NULL"}},
					map[string]interface{}{"name": "content", "type": "TEXT", "constraints": []interface{}{"NOT NULL"}},
					map[string]interface{}{"name": "author_id", "type": "UUID", "constraints": []interface{}{"NOT NULL"}},
					map[string]interface{}{"name": "status", "type": "VARCHAR(20)", "constraints": []interface{}{"DEFAULT 'draft'"}},
					map[string]interface{}{"name": "created_at", "type": "TIMESTAMP", "constraints": []interface{}{"DEFAULT NOW()"}},
					map[string]interface{}{"name": "updated_at", "type": "TIMESTAMP", "constraints": []interface{}{"DEFAULT NOW()"}},
				},
				"foreign_keys": []interface{}{
					map[string]interface{}{"column": "author_id", "references": "users(id)", "on_delete": "CASCADE"},
				},
				"indexes": []interface{}{
					map[string]interface{}{"name": "idx_posts_author_id", "columns": []interface{}{"author_id"}, "type": "BTREE"},
					map[string]interface{}{"name": "idx_posts_status", "columns": []interface{}{"status"}, "type": "BTREE"},
					map[string]interface{}{"name": "idx_posts_created_at", "columns": []interface{}{"created_at"}, "type": "BTREE"},
				},
			},
			map[string]interface{}{
				"name": "comments",
				"columns": []interface{}{
					map[string]interface{}{"name": "id", "type": "UUID", "constraints": []interface{}{"PRIMARY KEY", "DEFAULT gen_random_uuid()"}},
					map[string]interface{}{"name": "content", "type": "TEXT", "constraints": []interface{}{"NOT NULL"}},
					map[string]interface{}{"name": "user_id", "type": "UUID", "constraints": []interface{}{"NOT NULL"}},
					map[string]interface{}{"name": "post_id", "type": "UUID", "constraints": []interface{}{"NOT NULL"}},
					map[string]interface{}{"name": "created_at", "type": "TIMESTAMP", "constraints": []interface{}{"DEFAULT NOW()"}},
					map[string]interface{}{"name": "updated_at", "type": "TIMESTAMP", "constraints": []interface{}{"DEFAULT NOW()"}},
				},
				"foreign_keys": []interface{}{
					map[string]interface{}{"column": "user_id", "references": "users(id)", "on_delete": "CASCADE"},
					map[string]interface{}{"column": "post_id", "references": "posts(id)", "on_delete": "CASCADE"},
				},
				"indexes": []interface{}{
					map[string]interface{}{"name": "idx_comments_post_id", "columns": []interface{}{"post_id"}, "type": "BTREE"},
					map[string]interface{}{"name": "idx_comments_user_id", "columns": []interface{}{"user_id"}, "type": "BTREE"},
				},
			},
		},
		"views":             []interface{}{},
		"stored_procedures": []interface{}{},
	}
}

const prismaModels = `// Prisma Schema

generator client {
  provider = "prisma-client-js"
}

datasource db {
  provider = "postgresql"
  url      = env("DATABASE_URL")
}

model User {
  id          String   @id @default(uuid()) @db.Uuid
  email       String   @unique @db.VarChar(255)
  passwordHash String  @map("password_hash") @db.VarChar(255)
  name        String   @db.VarChar(100)
  createdAt   DateTime @default(now()) @map("created_at")
  updatedAt   DateTime @default(now()) @updatedAt @map("updated_at")

  posts       Post[]
  comments    Comment[]

  @@index([email])
  @@index([createdAt])
  @@map("users")
}

model Post {
  id        String   @id @default(uuid()) @db.Uuid
  title     String   @db.VarChar(200)
  content   String   @db.Text
  authorId  String   @map("author_id") @db.Uuid
  status    String   @default("draft") @db.VarChar(20)
  createdAt DateTime @default(now()) @map("created_at")
  updatedAt DateTime @default(now()) @updatedAt @map("updated_at")

  author    User     @relation(fields: [authorId], references: [id], onDelete: Cascade)
  comments  Comment[]

  @@index([authorId])
  @@index([status])
  @@index([createdAt])
  @@map("posts")
}

model Comment {
  id        String   @id @default(uuid()) @db.Uuid
  content   String   @db.Text
  userId    String   @map("user_id") @db.Uuid
  postId    String   @map("post_id") @db.Uuid
  createdAt DateTime @default(now()) @map("created_at")
  updatedAt DateTime @default(now()) @updatedAt @map("updated_at")

  user      User     @relation(fields: [userId], references: [id], onDelete: Cascade)
  post      Post     @relation(fields: [postId], references: [id], onDelete: Cascade)

  @@index([postId])
  @@index([userId])
  @@map("comments")
}
`
