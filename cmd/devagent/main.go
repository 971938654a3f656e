// devagent runs the development agent server: the WebSocket session
// endpoint and the image generation endpoint, backed by the scripted
// agent or by Gemini Live when GEMINI_API_KEY is set.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/voxelworld/voicelink/config"
	"github.com/voxelworld/voicelink/internal/devserver"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	opts := devserver.Options{Logger: logger}
	if cfg.GeminiAPIKey != "" {
		agents, err := devserver.LiveAgentFactory(context.Background(), cfg.GeminiAPIKey, logger)
		if err != nil {
			logger.Fatal("Gemini Live setup failed", zap.Error(err))
		}
		opts.Agents = agents
		logger.Info("Using Gemini Live agent")
	} else {
		logger.Info("Using scripted agent")
	}

	devserver.New(opts).Register(e)

	address := cfg.ServerHost + ":" + cfg.ServerPort

	// Graceful shutdown
	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Dev agent server started", zap.String("address", address))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
