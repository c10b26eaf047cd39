package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawbridge/clawbridge/internal/cache"
	"github.com/clawbridge/clawbridge/internal/config"
	"github.com/clawbridge/clawbridge/internal/eventlog"
	"github.com/clawbridge/clawbridge/internal/gemini"
	"github.com/clawbridge/clawbridge/internal/logging"
	"github.com/clawbridge/clawbridge/internal/oauth"
	"github.com/clawbridge/clawbridge/internal/retry"
	"github.com/clawbridge/clawbridge/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger := logging.Setup(cfg.Logging)

	tokens, err := oauth.NewManager(config.ExpandHome(cfg.OAuth.CredentialsPath),
		oauth.WithRefreshBuffer(time.Duration(cfg.OAuth.RefreshBufferSeconds)*time.Second),
		oauth.WithAutoRefresh(cfg.OAuth.AutoRefresh),
	)
	if err != nil {
		return fmt.Errorf("load credentials: %w (run `clawbridge login` first)", err)
	}

	retryCfg := retry.DefaultConfig()
	if cfg.Gemini.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.Gemini.MaxRetries + 1
	}

	health := gemini.NewHealthTracker()
	client := gemini.NewClient(tokens, health,
		gemini.WithBaseURL(cfg.Gemini.APIBaseURL),
		gemini.WithTimeout(time.Duration(cfg.Gemini.TimeoutSeconds)*time.Second),
		gemini.WithPoolSize(cfg.Performance.ConnectionPoolSize),
		gemini.WithCompression(cfg.Performance.EnableCompression),
		gemini.WithRetryConfig(retryCfg),
	)
	if err := client.Bootstrap(ctx); err != nil {
		return err
	}

	var cacheMgr *cache.Manager
	if cfg.Cache.Enabled {
		cacheMgr, err = cache.NewManager(client, cfg.Cache.MaxEntries, logger)
		if err != nil {
			return err
		}
		logger.Info("context caching enabled", "max_entries", cfg.Cache.MaxEntries)
	}

	events := eventlog.New(config.ExpandHome(cfg.EventLog.Path))

	srv := server.New(cfg, server.NewUpstream(client), health, cacheMgr, events, logger)
	return srv.ListenAndServe(ctx)
}
