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
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"
	"medlink/internal/core/services"
	httphandlers "medlink/internal/handlers/http"
	"medlink/internal/infrastructure/capture"
	"medlink/internal/infrastructure/distributed"
	"medlink/internal/infrastructure/hls"
	"medlink/internal/infrastructure/middleware"
	"medlink/internal/infrastructure/monitoring"
	"medlink/internal/infrastructure/repositories"
	statussignal "medlink/internal/infrastructure/signal"
	webrtcinfra "medlink/internal/infrastructure/webrtc"
	"medlink/internal/infrastructure/whip"
	"medlink/pkg/config"
	"medlink/pkg/logger"
	"medlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "", "path to config.yaml (default: search standard locations)")
	mintToken := flag.String("mint-token", "", "print an access token for `subject` and exit")
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
	} else {
		log.Info("no config file found, using defaults")
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
	addrs, err := addressService.Resolve(cfg.Session.Role)
	if err != nil {
		log.Fatalw("failed to resolve station addresses", "error", err)
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, addrs.Role.StreamKey())
	if *mintToken != "" {
		if cfg.Auth.JWTSecret == "" {
			log.Fatal("auth.jwt_secret must be set to mint tokens")
		}
		token, err := authService.GenerateToken(*mintToken)
		if err != nil {
			log.Fatalw("failed to mint token", "error", err)
		}
		fmt.Println(token)
		return
	}

	instanceID := cfg.Session.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	log = log.With("instance_id", instanceID, "role", addrs.Role)
	log.Infow("station addresses",
		"whip_url", addrs.WHIPURL,
		"watch_url", addrs.WatchURL,
		"push_url", addrs.PushURL,
	)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "medlink-station",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
		InstanceID:  instanceID,
		Role:        string(addrs.Role),
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Publish direction
	pcFactory, err := webrtcinfra.NewPeerConnectionFactory(webRTCConfig(cfg), log.Named("webrtc"))
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}
	whipClient := whip.NewClient(cfg.Publish.ExchangeTimeout, log.Named("whip"))
	if cfg.Publish.WHIPToken != "" {
		whipClient.SetToken(cfg.Publish.WHIPToken)
	}
	capturer := capture.NewCapturer(deviceProvider(cfg, log.Named("capture")), log.Named("capture"))
	preview := capture.NewPreview(log.Named("preview"))

	publish := services.NewPublishSession(
		services.PublishConfig{
			Endpoint:        addrs.WHIPURL,
			PreferredCodec:  cfg.Publish.PreferredCodec,
			Constraints:     captureConstraints(cfg),
			StatsInterval:   cfg.Publish.StatsInterval,
			ExchangeTimeout: cfg.Publish.ExchangeTimeout,
		},
		capturer,
		preview,
		pcFactory,
		whipClient,
		webrtcinfra.PreferCodec,
		webrtcinfra.Codecs,
		log.Named("publish"),
	)

	// Playback direction
	sink, err := videoSink(cfg, log.Named("sink"))
	if err != nil {
		log.Fatalw("failed to create playback sink", "error", err)
	}
	playerFactory := hls.NewFactory(hls.PlayerConfig{
		Enabled:        cfg.Playback.Engine != "native",
		PollInterval:   cfg.Playback.PollInterval,
		RequestTimeout: cfg.Playback.RequestTimeout,
		MaxBandwidth:   cfg.Playback.MaxBandwidth,
	}, log.Named("hls"))

	playback := services.NewPlaybackSession(
		services.PlaybackConfig{
			SourceURL:   addrs.WatchURL,
			ReloadDelay: cfg.Playback.ReloadDelay,
		},
		playerFactory,
		sink,
		nil,
		log.Named("playback"),
	)

	// Repositories and cross-instance coordination
	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	defer repoFactory.Close()
	redisClient := repoFactory.RedisClient()

	var observers []ports.StatusObserver
	if cfg.Monitoring.PrometheusEnabled {
		observers = append(observers, monitoring.NewPrometheusCollector(nil))
	}

	var (
		publisher ports.EventPublisher = distributed.NoopPublisher{}
		registry  *distributed.StationRegistry
		board     *distributed.StationBoard
	)
	if redisClient != nil {
		bus := distributed.NewStatusBus(redisClient, instanceID, addrs.Role, log.Named("bus"))
		publisher = bus
		board = distributed.NewStationBoard(redisClient, bus, log.Named("board"))

		registry = distributed.NewStationRegistry(redisClient, instanceID, cfg.Redis.LeaseTTL, log.Named("registry"))
		err := registry.Register(ctx, domain.Station{
			InstanceID: instanceID,
			Role:       addrs.Role,
			StreamKey:  addrs.Role.StreamKey(),
			WHIPURL:    addrs.WHIPURL,
			WatchURL:   addrs.WatchURL,
			StartedAt:  startTime,
		})
		if err != nil {
			log.Fatalw("failed to register station", "error", err)
		}
		observers = append(observers, registry)
	}

	controller := services.NewSessionController(publish, playback, publisher, log.Named("controller"), observers...)
	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("status forwarding stopped", "error", err)
		}
	}()

	if registry != nil {
		go func() {
			err := registry.Run(ctx)
			if errors.Is(err, distributed.ErrStreamClaimed) {
				// Another station owns the stream key now; stop pushing to it.
				controller.Stop()
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("station registry stopped", "error", err)
			}
		}()
		go func() {
			if err := board.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("station board stopped", "error", err)
			}
		}()
	}

	widgetService := services.NewWidgetService(repoFactory.CreateWidgetEventRepository(), log.Named("widget"))

	healthChecker := monitoring.NewHealthChecker()
	if redisClient != nil {
		healthChecker.AddRedisCheck(redisClient, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	}
	if err := healthChecker.AddRelayCheck("relay", addrs.WHIPURL, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout); err != nil {
		log.Warnw("relay health check disabled", "error", err)
	}
	healthChecker.StartBackgroundChecks(ctx)

	// HTTP control surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.CORSMiddleware(cfg.Auth.AllowedOrigins),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewHealthHandler(healthChecker).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	wsLimit := 0
	if cfg.RateLimiting.Enabled {
		wsLimit = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	statusServer := statussignal.NewStatusServer(controller, cfg.Auth.AllowedOrigins, log.Named("ws"))
	statusServer.SetPingInterval(cfg.Server.StatusPingInterval)

	api := router.Group("/api/v1")
	if cfg.Auth.Enabled {
		api.Use(middleware.AuthMiddleware(authService))
	}
	apiHandlers := []ports.HTTPHandler{
		httphandlers.NewSessionHandler(controller, statusServer, middleware.NewConnectionLimiter(wsLimit)),
		httphandlers.NewWidgetHandler(widgetService),
	}
	if board != nil {
		apiHandlers = append(apiHandlers, httphandlers.NewStationHandler(board))
	}
	for _, h := range apiHandlers {
		h.SetupRoutes(api)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting medlink station on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Playback is bound for the whole lifetime of the station.
	controller.Open()
	if cfg.Session.AutoStart {
		gen := controller.Start()
		log.Infow("publishing started", "generation", gen)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down medlink station...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	controller.Close()
	cancel()

	if registry != nil {
		if err := registry.Unregister(shutdownCtx); err != nil {
			log.Warnw("failed to unregister station", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("medlink station stopped")
}

func webRTCConfig(cfg *config.Config) webrtcinfra.WebRTCConfig {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.Publish.ICEServers))
	for _, s := range cfg.Publish.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	wc := webrtcinfra.WebRTCConfig{
		ICEServers:    iceServers,
		WaitGathering: cfg.Publish.WaitGathering,
	}
	wc.PortRange.Min = cfg.Publish.PortRange.Min
	wc.PortRange.Max = cfg.Publish.PortRange.Max
	return wc
}

func deviceProvider(cfg *config.Config, log *zap.SugaredLogger) capture.DeviceProvider {
	if cfg.Capture.Source == "file" {
		return capture.NewFileProvider(capture.FileConfig{
			VideoPath: cfg.Capture.File.VideoPath,
			AudioPath: cfg.Capture.File.AudioPath,
			Loop:      cfg.Capture.File.Loop,
		}, log)
	}
	return capture.NewRTPProvider(capture.RTPConfig{
		Host:         cfg.Capture.RTP.Host,
		VideoPort:    cfg.Capture.RTP.VideoPort,
		AudioPort:    cfg.Capture.RTP.AudioPort,
		VideoCodec:   cfg.Capture.RTP.VideoCodec,
		ReadyTimeout: cfg.Capture.RTP.ReadyTimeout,
	}, log)
}

func captureConstraints(cfg *config.Config) ports.CaptureConstraints {
	var constraints ports.CaptureConstraints
	if cfg.Capture.Video.Enabled {
		constraints.Video = &ports.VideoConstraints{
			Width:     cfg.Capture.Video.Width,
			Height:    cfg.Capture.Video.Height,
			FrameRate: cfg.Capture.Video.FrameRate,
		}
	}
	if cfg.Capture.Audio.Enabled {
		constraints.Audio = &ports.AudioConstraints{
			EchoCancellation: cfg.Capture.Audio.EchoCancellation,
			NoiseSuppression: cfg.Capture.Audio.NoiseSuppression,
			AutoGainControl:  cfg.Capture.Audio.AutoGainControl,
		}
	}
	return constraints
}

func videoSink(cfg *config.Config, log *zap.SugaredLogger) (ports.VideoSink, error) {
	if cfg.Playback.Sink == "command" {
		return hls.NewCommandSink(hls.CommandSinkConfig{
			Command:    cfg.Playback.Command.Command,
			Args:       cfg.Playback.Command.Args,
			VolumeFlag: cfg.Playback.Command.VolumeFlag,
			MuteFlag:   cfg.Playback.Command.MuteFlag,
			NativeHLS:  cfg.Playback.Command.NativeHLS,
			Autoplay:   cfg.Playback.Autoplay,
		}, log), nil
	}
	sink, err := hls.NewFileSink(hls.FileSinkConfig{
		OutputDir: cfg.Playback.File.OutputDir,
		Window:    cfg.Playback.File.Window,
		Autoplay:  cfg.Playback.Autoplay,
	}, log)
	if err != nil {
		return nil, err
	}
	log.Infow("playback rendered to local playlist", "path", sink.PlaylistPath())
	return sink, nil
}
