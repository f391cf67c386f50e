package model

import (
	"os"

	"go.uber.org/zap"

	"github.com/Brownie44l1/glaucoma-detector/internal/config"
)

// Load builds the classifier described by cfg. It never fails. When the
// fine-tuned weights are missing or unreadable it opens the base graph
// instead, and when no graph can be opened at all it uses an untrained head.
// Which of these happened is reported by Classifier.Status.
func Load(cfg config.Model, rt config.Runtime, logger *zap.Logger, opts ...Option) *Classifier {
	logger = logger.With(zap.String("model", cfg.Name))

	var backend Backend
	status := StatusTrained
	if _, err := os.Stat(cfg.WeightsPath); err != nil {
		logger.Warn("model weights not found, using base model without trained weights",
			zap.String("path", cfg.WeightsPath), zap.Error(err))
		status = StatusFallback
	} else if s, err := openSession(cfg.WeightsPath, cfg, rt, logger); err != nil {
		logger.Error("failed to load model weights",
			zap.String("path", cfg.WeightsPath), zap.Error(err))
		status = StatusDegraded
	} else {
		logger.Info("loaded model weights", zap.String("path", cfg.WeightsPath))
		backend = s
	}

	if backend == nil && cfg.BasePath != "" {
		if _, err := os.Stat(cfg.BasePath); err != nil {
			logger.Warn("base model not found", zap.String("path", cfg.BasePath), zap.Error(err))
		} else if s, err := openSession(cfg.BasePath, cfg, rt, logger); err != nil {
			logger.Error("failed to load base model", zap.String("path", cfg.BasePath), zap.Error(err))
		} else {
			logger.Info("loaded base model", zap.String("path", cfg.BasePath))
			backend = s
		}
	}

	if backend == nil {
		logger.Warn("no model graph available, predictions come from an untrained head",
			zap.Uint64("seed", cfg.Seed))
		backend = newUntrainedHead(cfg.Seed)
	}

	logger.Info("using device", zap.String("device", backend.Device()), zap.String("status", string(status)))
	return New(backend, status, cfg, logger, opts...)
}
