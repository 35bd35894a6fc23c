package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// SyncConfig captures all tunable parameters for the sync daemon. Values
// are primarily loaded from environment variables with sane defaults so
// the binary can run locally against the devserver without setup.
type SyncConfig struct {
	APIBaseURL string
	WSURL      string

	HTTPTimeout          time.Duration
	ReconnectMaxInterval time.Duration
	StalenessWindow      time.Duration
	MapRedrawInterval    time.Duration

	DebugAddr string
	LogLevel  string
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		APIBaseURL:           "http://localhost:8090",
		WSURL:                "ws://localhost:8090/ws",
		HTTPTimeout:          10 * time.Second,
		ReconnectMaxInterval: 30 * time.Second,
		StalenessWindow:      45 * time.Second,
		MapRedrawInterval:    30 * time.Second,
		DebugAddr:            ":8091",
		LogLevel:             "info",
	}
}

func LoadSyncConfig() (SyncConfig, error) {
	cfg := defaultSyncConfig()
	var errs []error

	setStringFromEnv(&cfg.APIBaseURL, "API_BASE_URL")
	setStringFromEnv(&cfg.WSURL, "WS_URL")
	setDurationFromEnv(&cfg.HTTPTimeout, "HTTP_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ReconnectMaxInterval, "RECONNECT_MAX_INTERVAL", &errs)
	setDurationFromEnv(&cfg.StalenessWindow, "LOCATION_STALENESS_WINDOW", &errs)
	setDurationFromEnv(&cfg.MapRedrawInterval, "MAP_REDRAW_INTERVAL", &errs)
	setStringFromEnv(&cfg.DebugAddr, "DEBUG_ADDR")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.StalenessWindow <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_STALENESS_WINDOW must be > 0"))
	}
	if cfg.MapRedrawInterval <= 0 {
		errs = append(errs, fmt.Errorf("MAP_REDRAW_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// DevServerConfig drives the local fake backend.
type DevServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	JWTSecret string

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel string
}

func defaultDevServerConfig() DevServerConfig {
	return DevServerConfig{
		HTTPAddr:        ":8090",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		JWTSecret:       "dev-secret",
		KafkaTopic:      "rider-locations",
		LogLevel:        "info",
	}
}

func LoadDevServerConfig() (DevServerConfig, error) {
	cfg := defaultDevServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
