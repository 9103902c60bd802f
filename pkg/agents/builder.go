package agents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/pkg/toolexec"
)

const builderSystemPrompt = `You are an expert application architect and full-stack engineer.

Your responsibilities:
1. Analyze the user's application requirements
2. Design the application architecture
3. Generate component code
4. Provide deployment recommendations

You should:
- Extract concrete features from vague requests before designing
- Pick a technology stack appropriate to the stated complexity
- Produce code that compiles and follows the chosen stack's conventions

Call the available tools to complete each step of the task.`

func builderDefinition() Definition {
	return Definition{
		Name:         "builder",
		Description:  "Designs application architectures and generates component code",
		Model:        defaultModel,
		Temperature:  defaultTemperature,
		SystemPrompt: builderSystemPrompt,
		Tools: []string{
			"analyze_requirements",
			"generate_architecture",
			"generate_component_code",
		},
	}
}

func registerBuilderTools(registry *toolexec.Registry, artifacts ArtifactStore, logger zerolog.Logger) error {
	tools := []toolexec.ToolDefinition{
		analyzeRequirementsTool(),
		generateArchitectureTool(),
		generateComponentCodeTool(artifacts, logger),
	}

	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func analyzeRequirementsTool() toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        "analyze_requirements",
		Description: "Analyze a user's application request and extract the key requirements.",
		Parameters: []toolexec.ToolParameter{
			{Name: "user_input", Type: "string", Description: "The user's application requirements description", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"app_type":   "web_application",
				"features":   []string{"user_authentication", "data_management", "api_integration"},
				"tech_stack": "auto",
				"complexity": "medium",
			}, nil
		},
	}
}

func generateArchitectureTool() toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        "generate_architecture",
		Description: "Generate an application architecture from analyzed requirements.",
		Parameters: []toolexec.ToolParameter{
			{Name: "requirements", Type: "object", Description: "Requirements analysis result", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"frontend":       "React + TypeScript",
				"backend":        "Node.js + Express",
				"database":       "PostgreSQL",
				"deployment":     "Docker",
				"estimated_time": "2-3 weeks",
			}, nil
		},
	}
}

const generatedComponent = `// Generated Component Code
import React from 'react';

export const MyComponent: React.FC = () => {
    return <div>Hello from Generated Component</div>;
};
`

func generateComponentCodeTool(artifacts ArtifactStore, logger zerolog.Logger) toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        "generate_component_code",
		Description: "Generate source code for a component from its specification.",
		Parameters: []toolexec.ToolParameter{
			{Name: "component_spec", Type: "object", Description: "Component specification", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			saveArtifact(ctx, artifacts, logger, "code", "component.tsx", generatedComponent, map[string]interface{}{
				"language": "typescript",
				"tool":     "generate_component_code",
			})
			return generatedComponent, nil
		},
	}
}
