package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/glaucoma-detector/internal/config"
	"github.com/Brownie44l1/glaucoma-detector/internal/handlers"
	"github.com/Brownie44l1/glaucoma-detector/internal/logging"
	"github.com/Brownie44l1/glaucoma-detector/internal/model"
)

func main() {
	configPath := flag.String("config", os.Getenv("GLAUCOMA_CONFIG"), "configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Sync()

	classifier := model.Load(cfg.Model, cfg.Runtime, logger)
	defer func() {
		if err := classifier.Close(); err != nil {
			logger.Warn("failed to release model", zap.Error(err))
		}
	}()

	handler := handlers.NewHandler(classifier, cfg.Server.MaxBodyBytes, logger)
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           corsHandler.Handler(handler.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("server starting",
		zap.Int("port", cfg.Server.Port),
		zap.String("weights", cfg.Model.WeightsPath),
		zap.String("model_status", string(classifier.Status())),
		zap.String("device", classifier.Device()),
	)
	logger.Info("endpoints: GET /health, POST /api/predict")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", zap.Error(err))
	}
}
