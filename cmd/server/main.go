// Wikirewards - token rewards for wiki contributions
package main

import (
	"context"
	"os"

	"github.com/wctlabs/wikirewards/internal/config"
	"github.com/wctlabs/wikirewards/internal/logging"
	"github.com/wctlabs/wikirewards/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting wikirewards",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.NewWithFile(cfg.LogLevel, cfg.LogFormat, logging.FileOptions{Path: cfg.LogFile})
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"ledger", cfg.LedgerMode,
		"chain_id", cfg.ChainID,
		"token_contract", cfg.TokenContract,
		"schedule", cfg.ScheduleEnabled,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
