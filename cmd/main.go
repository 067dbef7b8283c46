package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pyceon-backend/internal/audit"
	"pyceon-backend/internal/config"
	"pyceon-backend/internal/handler"
	"pyceon-backend/internal/mcpserver"
	"pyceon-backend/internal/model"
	"pyceon-backend/internal/service"
	"pyceon-backend/internal/storage"
	"pyceon-backend/internal/telemetry"
	"pyceon-backend/internal/utils"
	"pyceon-backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pyceon",
	Short: "Streaming guide gateway for a local llama.cpp model",
	Long: `pyceon accepts chat messages on POST /guide, keeps a short history per
session and relays the model's token stream back as JSON, SSE or raw text.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "./configs/config.yaml", "Path to the YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(shutdownCtx)
	}()

	chatModel, err := model.NewChatModel(ctx, cfg.Backend)
	if err != nil {
		return fmt.Errorf("init backend: %w", err)
	}

	if cfg.Backend.Kind == config.BackendHTTP && cfg.Backend.WaitReady > 0 {
		probe := utils.NewStreamingHTTPClient(cfg.Backend.HTTP.HeaderTimeout)
		if err := model.WaitReady(ctx, probe, cfg.Backend.HTTP.BaseURL, cfg.Backend.WaitReady); err != nil {
			return err
		}
	}

	var auditLogger audit.Logger = audit.NopLogger{}
	if cfg.Audit.Enabled {
		fileLogger, err := audit.NewFileLogger(cfg.Audit)
		if err != nil {
			return fmt.Errorf("init audit log: %w", err)
		}
		defer fileLogger.Close()
		auditLogger = fileLogger
	}

	store := storage.NewMemoryStorage()
	guideService := service.NewGuideService(store, chatModel, auditLogger, tel, cfg.Guide)

	guideHandler := handler.NewGuideHandler(guideService, tel, cfg)
	systemHandler, err := handler.NewSystemHandler(guideService, auditLogger, cfg)
	if err != nil {
		return fmt.Errorf("init details: %w", err)
	}

	var mcpHandler http.Handler
	if cfg.MCP.Enabled {
		mcpHandler = mcpserver.NewHTTPHandler(mcpserver.NewServer(guideService))
		logger.Infof("MCP endpoint enabled at %s", cfg.MCP.Path)
	}

	gin.SetMode(gin.ReleaseMode)
	router := handler.NewRouter(cfg, guideHandler, systemHandler, mcpHandler)

	server := &http.Server{
		Addr:           cfg.Addr(),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Server listening on %s (backend: %s)", cfg.Addr(), cfg.Backend.Kind)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Infof("Received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Graceful shutdown failed: %v", err)
		return server.Close()
	}
	logger.Info("Server stopped")
	return nil
}
