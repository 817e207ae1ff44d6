package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chatbridge/internal/httpapi"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Issue a bearer token for a server started with an auth secret",
		Example: "  chatbridge token --secret s3cret --subject ops --ttl 24h",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("secret") {
				cfg.AuthSecret = secret
			}
			tok, err := httpapi.IssueToken(cfg.AuthSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret (defaults to auth_secret from the config)")
	cmd.Flags().StringVar(&subject, "subject", "chatbridge", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime (0 = no expiry)")
	return cmd
}
