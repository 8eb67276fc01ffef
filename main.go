package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"dm-service/internal/config"
	"dm-service/internal/db"
	"dm-service/internal/handlers"
	"dm-service/internal/logger"
	"dm-service/internal/media"
	"dm-service/internal/middleware"
	"dm-service/internal/observability"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/ratelimit"
	"dm-service/internal/repositories"
	"dm-service/internal/service"
	"dm-service/internal/telemetry"
	"dm-service/internal/ws"
)

type stores struct {
	messages repositories.MessageRepository
	stickers repositories.StickerRepository
	profiles repositories.ProfileRepository
	close    func() error
}

func openStores(cfg *config.Config, log zerolog.Logger) (stores, error) {
	if cfg.StorageDriver == "pebble" {
		store, err := repositories.OpenPebble(cfg.PebblePath, nil)
		if err != nil {
			return stores{}, err
		}
		log.Info().Str("path", cfg.PebblePath).Msg("using pebble message store")
		return stores{messages: store, stickers: store, profiles: store, close: store.Close}, nil
	}

	database, err := db.Connect(cfg.DBDSN, log)
	if err != nil {
		return stores{}, err
	}
	return stores{
		messages: repositories.NewMessageRepo(database),
		stickers: repositories.NewStickerRepo(database),
		profiles: repositories.NewProfileRepo(database),
		close:    database.Close,
	}, nil
}

func openMediaStorage(ctx context.Context, cfg *config.Config) (media.Storage, error) {
	if cfg.MediaBackend == "s3" {
		return media.NewS3Storage(ctx, media.S3Config{
			Endpoint:        cfg.S3Endpoint,
			PublicEndpoint:  cfg.S3PublicEndpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
	}
	return media.NewLocalStorage(cfg.MediaLocalPath, cfg.MediaLocalBaseURL)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(zerolog.NewConsoleWriter())
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.EnableTracing,
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	})
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}

	st, err := openStores(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open message store")
	}
	defer st.close()

	policy := ratelimit.NewPolicy(cfg.RateShortWindow, cfg.RateShortLimit, cfg.RateLongWindow, cfg.RateLongLimit)
	var limiter ratelimit.Limiter
	if cfg.RateLimitMode == "store" {
		limiter = ratelimit.NewStoreLimiter(st.messages, policy)
	} else {
		window := ratelimit.NewSlidingLog(policy)
		go pruneEvery(ctx, time.Minute, func() {
			if n := window.Prune(); n > 0 {
				log.Debug().Int("pairs", n).Msg("pruned rate limit log")
			}
		})
		limiter = window
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Environment, log)

	hub := ws.NewHub(log)
	var notifier service.Notifier = hub
	if rabbitmq.PublisherMode(publisher) == "amqp" {
		consumer := rabbitmq.NewConsumer(cfg.AMQPURL, cfg.AMQPExchange, hub, log)
		defer consumer.Close()
		go consumer.Run(ctx)
		notifier = rabbitmq.NewRelay(publisher, hub, consumer, log)
	}

	storage, err := openMediaStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.MediaBackend).Msg("failed to init media storage")
	}

	svc := service.NewMessageService(service.Deps{
		Messages:   st.messages,
		Stickers:   st.stickers,
		Profiles:   st.profiles,
		Limiter:    limiter,
		Uploader:   media.NewImageUploader(storage, cfg.MediaMaxBytes, log),
		Notifier:   notifier,
		Subscriber: hub,
		Log:        log,
	}, service.Options{
		PageSize:    cfg.HistoryPageSize,
		MaxPageSize: cfg.HistoryMaxPageSize,
		Timeout:     cfg.OperationTimeout,
	})

	jwtAuth := middleware.NewJWTValidator(cfg.JWTSecret)
	throttle := middleware.NewThrottle(cfg.RequestRPS, cfg.RequestBurst)
	go pruneEvery(ctx, 5*time.Minute, func() { throttle.Prune(10 * time.Minute) })

	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.ServiceName),
		observability.HTTPMetricsMiddleware(),
		middleware.RequestID(),
		middleware.AccessLog(log),
	)

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", ws.NewChatWebSocketHandler(hub, jwtAuth, log).Handle)
	if local, ok := storage.(*media.LocalStorage); ok {
		router.Static("/media", local.Root())
	}

	api := router.Group("/", middleware.AuthMiddleware(jwtAuth), throttle.Middleware())
	handlers.NewChatHandler(svc, audit).Register(api)
	handlers.RegisterDebugRoutes(api, audit, cfg.DebugRoutes)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Info().Str("port", cfg.Port).Str("storage", cfg.StorageDriver).Str("rate_limit", cfg.RateLimitMode).Msg("dm-service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracing shutdown")
		}
	}
}

func pruneEvery(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
