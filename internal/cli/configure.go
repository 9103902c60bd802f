package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/config"
)

var (
	configureProvider string
	configureAPIKey   string
	configureModel    string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the Atelier configuration file",
	Long: `Write the Atelier configuration file with the given provider
credential. Existing settings are preserved; the credential is added or
replaced by provider name.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureProvider, "provider", "", "AI provider (anthropic, openai)")
	configureCmd.Flags().StringVar(&configureAPIKey, "api-key", "", "provider API key")
	configureCmd.Flags().StringVar(&configureModel, "model", "", "default model")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	if configureProvider == "" || configureAPIKey == "" {
		return fmt.Errorf("--provider and --api-key are required")
	}
	validator := config.NewValidator()
	if err := validator.ValidateProvider(configureProvider); err != nil {
		return err
	}
	if err := validator.ValidateAPIKey(configureAPIKey, configureProvider); err != nil {
		return err
	}

	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Replace any existing credential for the same provider.
	updated := false
	for i, profile := range cfg.AI.Profiles {
		if profile.Provider == configureProvider {
			cfg.AI.Profiles[i].APIKey = configureAPIKey
			updated = true
			break
		}
	}
	if !updated {
		cfg.AI.Profiles = append(cfg.AI.Profiles, config.AIProfile{
			ID:       configureProvider,
			Provider: configureProvider,
			APIKey:   configureAPIKey,
			Priority: len(cfg.AI.Profiles),
		})
	}

	if configureModel != "" {
		cfg.Models.Default = configureModel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(cmd.OutOrStdout(), "Start the server with: atelier serve")

	return nil
}
