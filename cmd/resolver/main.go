package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"medlink/internal/core/services"
	httphandlers "medlink/internal/handlers/http"
	"medlink/internal/infrastructure/distributed"
	"medlink/internal/infrastructure/middleware"
	"medlink/internal/infrastructure/repositories"
	"medlink/pkg/config"
	"medlink/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: search standard locations)")
	flag.Parse()

	var paths []string
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, usedPath, err := config.LoadFirst(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if usedPath != "" {
		log.Infow("loaded config", "path", usedPath)
	}

	addressService, err := services.NewAddressService(services.AddressConfig{
		RelayHost: cfg.Session.RelayHost,
		RTMPPort:  cfg.Session.RTMPPort,
		HLSPort:   cfg.Session.HLSPort,
		WHIPPort:  cfg.Session.WHIPPort,
	})
	if err != nil {
		log.Fatalw("invalid relay address", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	defer repoFactory.Close()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.CORSMiddleware(cfg.Auth.AllowedOrigins),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewAddressHandler(addressService).SetupRoutes(router)

	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewStatusBus(client, "resolver-"+uuid.NewString(), "", log.Named("bus"))
		board := distributed.NewStationBoard(client, bus, log.Named("board"))
		go func() {
			if err := board.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("station board stopped", "error", err)
			}
		}()
		httphandlers.NewStationHandler(board).SetupRoutes(router)
		log.Info("station listing enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Resolver.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting medlink address resolver on %s", cfg.Resolver.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	cancel()

	log.Info("medlink address resolver stopped")
}
