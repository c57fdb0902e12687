package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/radieske/crash-game-server/internal/robot"
	"github.com/radieske/crash-game-server/internal/shared/config"
	"github.com/radieske/crash-game-server/internal/shared/logger"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := &robot.Robot{
		URL:    cfg.GameWSURL,
		Log:    log,
		MinBet: 10,
		MaxBet: 100,
	}

	log.Info("bet-robot started", zap.String("url", cfg.GameWSURL))
	r.Start(ctx)
	log.Info("bet-robot stopped")
}
