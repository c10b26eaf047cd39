package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/clawbridge/clawbridge/internal/config"
	"github.com/clawbridge/clawbridge/internal/oauth"
)

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in with your Google account",
		Long: "Runs the browser OAuth flow and saves credentials to the configured " +
			"path (default ~/.gemini/oauth_creds.json).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context())
		},
	}
}

func runLogin(ctx context.Context) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	return oauth.Login(ctx, config.ExpandHome(cfg.OAuth.CredentialsPath))
}
