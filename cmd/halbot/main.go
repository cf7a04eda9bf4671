package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/bdobrica/halbot/common/environment"
	"github.com/bdobrica/halbot/common/logging"
	"github.com/bdobrica/halbot/common/version"
	"github.com/bdobrica/halbot/internal/halbot/app"
	"github.com/bdobrica/halbot/internal/halbot/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	// Variables already set in the environment win over the dotenv file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: loading %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath, environment.OS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	slog.Info("HAL 9000 starting",
		"version", version.Version,
		"commit", version.GitCommit,
		"build_time", version.BuildTime,
		"model", cfg.OpenAI.Model,
		"memory_limit", cfg.Memory.Limit,
		"scope", cfg.Conversation.Scope,
	)

	hal, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize HAL: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := hal.Run(ctx); err != nil {
		slog.Error("HAL stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
