package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/pkg/storage"
)

var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the session database schema",
	Long: `Create the session database and its schema without starting the
server. Safe to run repeatedly; existing tables are left untouched.`,
	RunE: runInitDB,
}

func init() {
	rootCmd.AddCommand(initdbCmd)
}

func runInitDB(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	db, err := storage.New(storage.Config{
		DSN:             cfg.Database.DSN,
		MinConns:        cfg.Database.MinConns,
		MaxConns:        cfg.Database.MaxConns,
		ConnWaitTimeout: time.Duration(cfg.Database.ConnWaitSeconds) * time.Second,
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.InitSchema(cmd.Context()); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Database initialized: %s\n", cfg.Database.DSN)
	return nil
}
