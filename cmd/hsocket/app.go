package main

import (
	"fmt"

	"go.uber.org/zap"

	"hsocket/pkg/config"
	"hsocket/pkg/observability"
)

// app is what every command needs after config is loaded.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *observability.Metrics
}

func setup(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}
	a := &app{cfg: cfg, log: logger}
	if cfg.Metrics.Enabled {
		a.metrics = observability.NewMetrics("hsocket")
	}
	zap.L().Debug("effective configuration", zap.Any("config", cfg))
	return a, nil
}

func (a *app) close() { _ = a.log.Sync() }
