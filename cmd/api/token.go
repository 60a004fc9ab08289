package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/civic-assistant/internal/config"
	"github.com/capitalize-ai/civic-assistant/internal/middleware"
)

// newTokenCommand mints an admin session token for local testing.
func newTokenCommand() *cobra.Command {
	var (
		session middleware.Session
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a staff session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if !cfg.IsDevelopment() {
				return errors.New("token issuing is only available with ENV=development")
			}
			token, err := middleware.SignSession(cfg.SessionSecret, session, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&session.CityID, "city-id", "", "city (tenant) id")
	cmd.Flags().StringVar(&session.CityCode, "city-code", "", "city code")
	cmd.Flags().StringVar(&session.Role, "role", middleware.RoleInbox, "admin or inbox")
	cmd.Flags().StringVar(&session.Subject, "subject", "", "staff member identifier")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("city-id")
	return cmd
}
