package main

import (
	"github.com/septivank/energy-telemetry-service/internal/config"
	"github.com/septivank/energy-telemetry-service/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
