// Package config loads process-wide settings from the environment, with an
// optional .env file for local runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the service reads at startup. Values are fixed
// for the life of the process.
type Config struct {
	ServerAddr string
	LogLevel   string

	ModelPath           string
	ModelBackend        string
	ONNXRuntimeLib      string
	InferenceAddr       string
	ModelLoadTimeout    time.Duration
	PredictTimeout      time.Duration
	ConfidenceThreshold float64
	PlantColorThreshold float64
	SupportedLanguages  []string
	ClassCatalog        []string

	DatabaseDSN string
	RedisAddr   string
	CacheTTL    time.Duration

	JWTSecret   string
	JWTAudience string

	AlertProvider        string
	AlertRecipientNumber string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	TelegramBotToken     string
	TelegramChatID       int64
	AlertSQSQueueURL     string
	AWSRegion            string
}

// Load reads .env (if present) and the environment into a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from an arbitrary lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	env := func(key, fallback string) string {
		if value := strings.TrimSpace(getenv(key)); value != "" {
			return value
		}
		return fallback
	}

	var errs []error
	parseFloat := func(key, fallback string) float64 {
		v, err := strconv.ParseFloat(env(key, fallback), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return 0
		}
		return v
	}
	parseDuration := func(key, fallback string) time.Duration {
		d, err := time.ParseDuration(env(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := &Config{
		ServerAddr: env("SERVER_ADDR", ":8080"),
		LogLevel:   env("LOG_LEVEL", "info"),

		ModelPath:           env("MODEL_PATH", "models/leaf_classifier.onnx"),
		ModelBackend:        strings.ToLower(env("MODEL_BACKEND", "onnx")),
		ONNXRuntimeLib:      env("ONNXRUNTIME_LIB", ""),
		InferenceAddr:       env("INFERENCE_ADDR", "inference:50051"),
		ModelLoadTimeout:    parseDuration("MODEL_LOAD_TIMEOUT", "30s"),
		PredictTimeout:      parseDuration("PREDICT_TIMEOUT", "5s"),
		ConfidenceThreshold: parseFloat("CONFIDENCE_THRESHOLD", "0.80"),
		PlantColorThreshold: parseFloat("PLANT_COLOR_THRESHOLD", "0.05"),
		SupportedLanguages:  splitList(env("SUPPORTED_LANGUAGES", "en,hi,pa")),
		ClassCatalog:        splitList(env("CLASS_CATALOG", "bacterial-spot,early-blight,late-blight,healthy")),

		DatabaseDSN: env("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=leafscan port=5432 sslmode=disable"),
		RedisAddr:   env("REDIS_ADDR", "redis:6379"),
		CacheTTL:    parseDuration("CACHE_TTL", "10m"),

		JWTSecret:   env("JWT_SECRET", "dev-secret"),
		JWTAudience: env("JWT_AUDIENCE", ""),

		AlertProvider:        strings.ToLower(env("ALERT_PROVIDER", "none")),
		AlertRecipientNumber: env("ALERT_RECIPIENT_NUMBER", ""),
		TwilioAccountSID:     env("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:      env("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:     env("TWILIO_PHONE_NUMBER", ""),
		TelegramBotToken:     env("TELEGRAM_BOT_TOKEN", ""),
		AlertSQSQueueURL:     env("ALERT_SQS_QUEUE_URL", ""),
		AWSRegion:            env("AWS_REGION", "ap-south-1"),
	}

	if raw := env("TELEGRAM_CHAT_ID", ""); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEGRAM_CHAT_ID: %w", err))
		}
		cfg.TelegramChatID = id
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0,1], got %v", c.ConfidenceThreshold))
	}
	if c.PlantColorThreshold < 0 || c.PlantColorThreshold > 1 {
		errs = append(errs, fmt.Errorf("PLANT_COLOR_THRESHOLD must be within [0,1], got %v", c.PlantColorThreshold))
	}
	if len(c.SupportedLanguages) == 0 {
		errs = append(errs, errors.New("SUPPORTED_LANGUAGES must not be empty"))
	}
	if len(c.ClassCatalog) == 0 {
		errs = append(errs, errors.New("CLASS_CATALOG must not be empty"))
	}
	switch c.ModelBackend {
	case "onnx", "grpc":
	default:
		errs = append(errs, fmt.Errorf("MODEL_BACKEND must be onnx or grpc, got %q", c.ModelBackend))
	}
	switch c.AlertProvider {
	case "none", "twilio", "telegram", "sqs":
	default:
		errs = append(errs, fmt.Errorf("ALERT_PROVIDER must be one of none, twilio, telegram, sqs, got %q", c.AlertProvider))
	}
	return errs
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
