package commands

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/runbox/internal/app"
	"github.com/seantiz/runbox/internal/config"
)

func (c *CLI) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP execution service",
		Long: "Start the HTTP execution service. Configuration comes from RUNBOX_* " +
			"environment variables and an optional .env file in the working directory.",
		Args: cobra.NoArgs,
		RunE: c.runServe,
	}
}

func (c *CLI) runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.LogOutput(), cfg.LogLevel)

	logger.Info("runbox: starting",
		"version", c.version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"cache_dir", cfg.CacheDir,
		"cache_max_bytes", cfg.CacheMaxBytes,
		"sandbox", cfg.Sandbox,
		"fetcher", cfg.Fetcher,
	)

	a, err := app.New(ctx, cfg, c.version, logger)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
