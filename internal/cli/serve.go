package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/logger"
	"github.com/atelier-ai/atelier/internal/observability"
	"github.com/atelier-ai/atelier/pkg/agent"
	"github.com/atelier-ai/atelier/pkg/agents"
	"github.com/atelier-ai/atelier/pkg/maintenance"
	"github.com/atelier-ai/atelier/pkg/server"
	"github.com/atelier-ai/atelier/pkg/storage"
	"github.com/atelier-ai/atelier/pkg/store"
	"github.com/atelier-ai/atelier/pkg/toolexec"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Atelier API server",
	Long: `Start the Atelier API server in the foreground.
The server exposes the threads, runs, and agents API and keeps running
until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Redaction: cfg.Logging.Redaction,
		MaxSizeMB: cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	db, err := storage.New(storage.Config{
		DSN:             cfg.Database.DSN,
		MinConns:        cfg.Database.MinConns,
		MaxConns:        cfg.Database.MaxConns,
		ConnWaitTimeout: time.Duration(cfg.Database.ConnWaitSeconds) * time.Second,
		Logger:          log.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.InitSchema(cmd.Context()); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	sessions, err := store.New(db, log.Zerolog())
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	registry := toolexec.NewRegistry(
		time.Duration(cfg.Agent.ToolTimeoutSeconds)*time.Second,
		log.Zerolog(),
	)
	artifacts := observability.NewCountingArtifacts(sessions, metrics)
	catalog, err := agents.NewCatalog(registry, artifacts, log.Zerolog())
	if err != nil {
		return fmt.Errorf("failed to build agent catalog: %w", err)
	}

	provider, err := selectProvider(cfg)
	if err != nil {
		return err
	}

	audit, err := observability.NewAuditLogger(filepath.Join(cfg.DataDir, "audit.log"))
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer audit.Close()

	runner, err := agent.NewRunner(agent.RunnerConfig{
		Store:         sessions,
		Registry:      registry,
		Provider:      provider,
		Observer:      observability.NewStepMetricsObserver(metrics),
		Logger:        log.Zerolog(),
		MaxIterations: cfg.Agent.MaxIterations,
		StepTimeout:   time.Duration(cfg.Agent.StepTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	srv, err := server.NewServer(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Store:        sessions,
		Runner:       runner,
		Catalog:      catalog,
		Metrics:      metrics,
		Audit:        audit,
		Logger:       log.Zerolog(),
		DefaultModel: cfg.Models.Default,
		ModelAliases: cfg.Models.Aliases,
		MaxRetries:   cfg.Agent.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	var retention *maintenance.Retention
	if cfg.Retention.Enabled {
		retention, err = maintenance.NewRetention(maintenance.RetentionConfig{
			Store:    sessions,
			MaxAge:   time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
			Schedule: cfg.Retention.Schedule,
			Metrics:  metrics,
			Audit:    audit,
			Logger:   log.Zerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to configure retention: %w", err)
		}
		retention.Start()
		defer retention.Stop()
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Str("provider", provider.Name()).
		Msg("Atelier server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	return srv.Stop()
}

// selectProvider builds the model provider from the highest-priority
// configured credential.
func selectProvider(cfg *config.Config) (agent.Provider, error) {
	profiles := append([]config.AIProfile(nil), cfg.AI.Profiles...)
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no AI provider configured; run 'atelier configure' first")
	}

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	profile := profiles[0]
	provider, err := agent.NewProvider(profile.Provider, profile.APIKey)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", profile.ID, err)
	}
	return provider, nil
}
