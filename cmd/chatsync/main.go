package main

import (
	"context"
	"flag"
	"log"

	"github.com/joho/godotenv"

	"chatsync/internal/app"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/shutdown"
)

// version is set via ldflags during release builds.
var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config yaml (optional; env and defaults apply)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.Init(cfg.Logging.Level)

	a, err := app.New(cfg, version)
	if err != nil {
		shutdown.Abort("engine init failed", err, cfg.Client.DataDir)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("engine run failed", err, cfg.Client.DataDir)
	}
	logger.Info("chatsync_exited")
}
