// chainsettle - multi-chain merchant escrow and fiat settlement
package main

import (
	"context"
	"os"

	"github.com/chainsettle/chainsettle/internal/config"
	"github.com/chainsettle/chainsettle/internal/logging"
	"github.com/chainsettle/chainsettle/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config says otherwise
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting chainsettle",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	chains := make([]string, 0, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		chains = append(chains, cc.Name+"/"+cc.Family)
	}
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chains", chains,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"kafka", len(cfg.KafkaBrokers) > 0,
		"auto_settle", cfg.AutoSettle,
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
