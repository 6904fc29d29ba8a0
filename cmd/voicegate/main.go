package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/internal/core/ports"
	"voicegate/internal/core/services"
	httphandlers "voicegate/internal/handlers/http"
	"voicegate/internal/infrastructure/distributed"
	"voicegate/internal/infrastructure/middleware"
	"voicegate/internal/infrastructure/monitoring"
	"voicegate/internal/infrastructure/reliability"
	repositories "voicegate/internal/infrastructure/repositories"
	signalgw "voicegate/internal/infrastructure/signal"
	webrtcinfra "voicegate/internal/infrastructure/webrtc"
	"voicegate/pkg/circuitbreaker"
	"voicegate/pkg/config"
	"voicegate/pkg/logger"
	"voicegate/pkg/retry"
	"voicegate/pkg/tracing"
	"voicegate/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// lazyNotifier breaks the construction cycle between the call manager (which
// notifies through the gateway) and the gateway (which drives the call
// manager). Events raised before the gateway is bound are dropped; nothing
// can ring before the server accepts connections.
type lazyNotifier struct {
	n ports.Notifier
}

func (l *lazyNotifier) Notify(user domain.UserID, ev domain.Event) {
	if l.n != nil {
		l.n.Notify(user, ev)
	}
}

func (l *lazyNotifier) NotifyAll(users []domain.UserID, ev domain.Event) {
	if l.n != nil {
		l.n.NotifyAll(users, ev)
	}
}

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/voicegate/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "voicegate",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	callStore := reliability.NewCallEventStoreWrapper(
		repoFactory.CreateCallEventStore(),
		circuitbreaker.DefaultConfig(),
		log,
	)

	collector := monitoring.NewPrometheusCollector()

	engine, err := webrtcinfra.NewEngine(cfg)
	if err != nil {
		log.Fatalw("failed to create webrtc engine", "error", err)
	}

	registry := webrtcinfra.NewRegistry(webrtcinfra.Config{
		MaxParticipants: cfg.Voice.MaxParticipants,
		EventQueueSize:  cfg.Signal.EventQueueSize,
		JoinsPerSecond:  cfg.Voice.JoinsPerSecond,
		JoinBurst:       cfg.Voice.JoinBurst,
		StatsInterval:   cfg.Voice.StatsInterval.Std(),
	}, engine, collector, log)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, 24*time.Hour)

	// Retrying against an open breaker only delays the inevitable.
	retryCfg := retry.DefaultConfig()
	retryCfg.Permanent = append(retryCfg.Permanent, circuitbreaker.ErrOpen)

	notifier := &lazyNotifier{}
	callManager := services.NewCallManager(services.CallConfig{
		RingTimeout: cfg.Voice.RingTimeout.Std(),
		EndedTTL:    5 * time.Minute,
		Retry:       retryCfg,
	}, callStore, notifier, registry, collector, log)
	defer callManager.Close()

	gateway := signalgw.NewGateway(signalgw.GatewayConfig{
		PingInterval: cfg.Signal.PingInterval.Std(),
		PongTimeout:  cfg.Signal.PongTimeout.Std(),
		WriteTimeout: cfg.Signal.WriteTimeout.Std(),
	}, registry, callManager, authService, log)

	// With Redis in play, call notifications fan out to every instance so
	// users connected elsewhere still get rung.
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewNotifier(client, utils.NewSessionID(), gateway, log)
		notifier.n = bus
		go func() {
			if err := bus.Run(busCtx); err != nil && busCtx.Err() == nil {
				log.Errorw("notification bus stopped", "error", err)
			}
		}()
	} else {
		notifier.n = gateway
	}

	health := monitoring.NewHealthChecker()
	health.AddCheck("call_store", repoFactory.HealthCheck, 2*time.Second)

	voiceHandler := httphandlers.NewVoiceHandler(cfg, registry, callManager, health)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	voiceHandler.SetupRoutes(router, middleware.AuthMiddleware(authService))
	router.GET("/ws", gin.WrapF(gateway.HandleWebSocket))

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("starting voicegate server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("voicegate server stopped")
}
