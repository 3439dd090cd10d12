package main

import (
	"go.uber.org/zap"

	"github.com/septivank/climate-stream-worker/internal/config"
	"github.com/septivank/climate-stream-worker/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
