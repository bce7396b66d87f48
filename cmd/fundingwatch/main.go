// Command fundingwatch runs the funding-rate opportunity tracker: it
// wires config, the exchange fabric, and the stdout renderer together,
// and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/billygk/fundingwatch/internal/config"
	"github.com/billygk/fundingwatch/internal/logger"
	"github.com/billygk/fundingwatch/internal/orchestrator"
	"github.com/billygk/fundingwatch/internal/renderer"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logger.Infof("no .env file found, using system environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}

	logger.Setup(cfg.LogFile, cfg.MaxLogSizeMB, cfg.MaxLogBackups, cfg.LogLevel)
	logger.Infof("fundingwatch starting: category=%s limit=%d", cfg.Category, cfg.Limit)

	ctx, cancel := context.WithCancel(context.Background())

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		logger.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	orch := orchestrator.New(cfg)

	runErrc := make(chan error, 1)
	go func() {
		runErrc <- orch.Run(ctx, nil)
	}()

	displayInterval := time.Duration(cfg.DisplayIntervalSeconds) * time.Second
	ticker := time.NewTicker(displayInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-runErrc:
			if err != nil {
				logger.Errorf("orchestrator exited with error: %v", err)
			}
			logger.Infof("fundingwatch stopped")
			return
		case <-ticker.C:
			renderer.Render(os.Stdout, orch.Store().Snapshot(time.Now()), time.Now())
		}
	}
}
