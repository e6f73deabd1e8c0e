package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/leafscan/internal/alert"
	"github.com/example/leafscan/internal/auth"
	"github.com/example/leafscan/internal/catalog"
	"github.com/example/leafscan/internal/config"
	"github.com/example/leafscan/internal/grpcclient"
	"github.com/example/leafscan/internal/handlers"
	"github.com/example/leafscan/internal/logging"
	"github.com/example/leafscan/internal/modelruntime"
	"github.com/example/leafscan/internal/pipeline"
	"github.com/example/leafscan/internal/repository"
	"github.com/example/leafscan/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewDiagnosisRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)

	cat, err := catalog.New(cfg.ClassCatalog, cfg.SupportedLanguages)
	if err != nil {
		logger.Fatal("invalid class catalog", zap.Error(err))
	}

	backend, closeBackend, err := initBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise model backend", zap.Error(err), zap.String("backend", cfg.ModelBackend))
	}
	defer closeBackend()

	runtime := modelruntime.New(backend, cat, modelruntime.Options{
		Path:           cfg.ModelPath,
		LoadTimeout:    cfg.ModelLoadTimeout,
		PredictTimeout: cfg.PredictTimeout,
	}, logger)
	defer runtime.Close() //nolint:errcheck

	diagnoser := pipeline.New(runtime, cat, pipeline.Thresholds{
		Confidence: cfg.ConfidenceThreshold,
		PlantColor: cfg.PlantColorThreshold,
	}, logger)

	provider, err := initAlertProvider(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise alert provider", zap.Error(err), zap.String("provider", cfg.AlertProvider))
	}
	relay := alert.NewRelay(provider, cfg.AlertRecipientNumber, logger)

	cache := usecase.NewRedisCache(redisClient, "leafscan:")
	uc := usecase.NewDiagnosisUseCase(repo, cache, diagnoser, relay, cfg.CacheTTL, logger).
		WithModelVersion(func() string { return runtime.Metadata().Version })

	// Load in the background so the first request does not pay for it. A
	// failure here is retried by the next diagnosis.
	go func() {
		if err := runtime.EnsureLoaded(context.Background()); err != nil {
			logger.Warn("model warm-up failed", zap.Error(err))
		}
	}()

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, uc, serviceStatus{runtime: runtime, relay: relay}, authMiddleware, logger)

	server := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: r,
	}

	logger.Info("leafscan API listening",
		zap.String("addr", cfg.ServerAddr),
		zap.String("model_backend", cfg.ModelBackend),
		zap.String("alert_provider", cfg.AlertProvider),
	)
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

type serviceStatus struct {
	runtime *modelruntime.Runtime
	relay   *alert.Relay
}

func (s serviceStatus) ModelState() modelruntime.State { return s.runtime.State() }
func (s serviceStatus) AlertsConfigured() bool         { return s.relay.Configured() }

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func initBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (modelruntime.Backend, func(), error) {
	switch cfg.ModelBackend {
	case "grpc":
		backend, conn, err := grpcclient.DialInferenceService(ctx, cfg.InferenceAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { _ = conn.Close() }, nil
	case "onnx":
		backend := modelruntime.NewONNXBackend(cfg.ONNXRuntimeLib)
		return backend, func() {
			if err := backend.Shutdown(); err != nil {
				logger.Warn("onnxruntime shutdown failed", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown model backend %q", cfg.ModelBackend)
	}
}

// initAlertProvider returns nil when alerts are disabled; the relay then
// always answers with the manual fallback.
func initAlertProvider(ctx context.Context, cfg *config.Config) (alert.Provider, error) {
	switch cfg.AlertProvider {
	case "none":
		return nil, nil
	case "twilio":
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFromNumber == "" || cfg.AlertRecipientNumber == "" {
			return nil, errors.New("twilio requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_PHONE_NUMBER and ALERT_RECIPIENT_NUMBER")
		}
		return alert.NewTwilioProvider(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, cfg.AlertRecipientNumber), nil
	case "telegram":
		if cfg.TelegramBotToken == "" || cfg.TelegramChatID == 0 {
			return nil, errors.New("telegram requires TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID")
		}
		provider, err := alert.NewTelegramProvider(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			return nil, fmt.Errorf("connect telegram bot: %w", err)
		}
		return provider, nil
	case "sqs":
		if cfg.AlertSQSQueueURL == "" {
			return nil, errors.New("sqs requires ALERT_SQS_QUEUE_URL")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return alert.NewSQSProvider(sqs.NewFromConfig(awsCfg), cfg.AlertSQSQueueURL), nil
	default:
		return nil, fmt.Errorf("unknown alert provider %q", cfg.AlertProvider)
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
