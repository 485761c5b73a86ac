package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-policy/internal/api"
	"github.com/danielpatrickdp/adaptive-policy/internal/config"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
)

// tokenCmd signs a development token with the configured secret.
func tokenCmd() *cobra.Command {
	var (
		user    identity.User
		created string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if created != "" {
				if user.AccountCreated, err = time.Parse(time.DateOnly, created); err != nil {
					return fmt.Errorf("--account-created: %w", err)
				}
			}
			token, err := api.NewAuthenticator(cfg.Auth.JWTSecret, false).Token(user, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user.ID, "user", "", "user id")
	cmd.Flags().StringVar(&user.Role, "role", "clinician", "role claim")
	cmd.Flags().StringVar(&user.Specialty, "specialty", "", "specialty claim")
	cmd.Flags().StringVar(&created, "account-created", "", "account creation date (YYYY-MM-DD)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
