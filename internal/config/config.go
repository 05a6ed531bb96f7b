package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the realtime gateway
// process. Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaPositionTopic string
	KafkaEventTopic    string

	PGDSN string

	PushEndpoint      string
	PushKey           string
	DirectoryEndpoint string

	OSRMEndpoint    string
	DefaultSpeedMps float64
	EtaCacheTTL     time.Duration

	InactivityWarn time.Duration
	InactivityKick time.Duration
	ReapInterval   time.Duration
	TripRetention  time.Duration

	ProximityRadiusM    float64
	ModerationThreshold int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "trip_positions_geo",
		KafkaPositionTopic:  "trip-positions",
		KafkaEventTopic:     "trip-events",
		DefaultSpeedMps:     10,
		EtaCacheTTL:         15 * time.Second,
		InactivityWarn:      30 * time.Minute,
		InactivityKick:      45 * time.Minute,
		ReapInterval:        60 * time.Second,
		TripRetention:       24 * time.Hour,
		ProximityRadiusM:    500,
		ModerationThreshold: 3,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaPositionTopic, "KAFKA_POSITION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")
	setStringFromEnv(&cfg.DirectoryEndpoint, "DIRECTORY_ENDPOINT")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.EtaCacheTTL, "ETA_CACHE_TTL", &errs)

	setDurationFromEnv(&cfg.InactivityWarn, "PRESENCE_WARN_AFTER", &errs)
	setDurationFromEnv(&cfg.InactivityKick, "PRESENCE_KICK_AFTER", &errs)
	setDurationFromEnv(&cfg.ReapInterval, "PRESENCE_REAP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.TripRetention, "TRIP_RETENTION", &errs)

	setFloatFromEnv(&cfg.ProximityRadiusM, "PROXIMITY_RADIUS_M", &errs)
	setIntFromEnv(&cfg.ModerationThreshold, "MODERATION_THRESHOLD", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.ModerationThreshold <= 0 {
		errs = append(errs, fmt.Errorf("MODERATION_THRESHOLD must be > 0"))
	}
	if cfg.InactivityKick <= cfg.InactivityWarn {
		errs = append(errs, fmt.Errorf("PRESENCE_KICK_AFTER must exceed PRESENCE_WARN_AFTER"))
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
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
