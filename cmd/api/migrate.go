package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/civic-assistant/internal/config"
	"github.com/capitalize-ai/civic-assistant/internal/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			if err := store.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			cmd.Println("schema applied")
			return nil
		},
	}
}
