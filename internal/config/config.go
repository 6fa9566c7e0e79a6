package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaReviewTopic string

	PGDSN        string
	PGPollPeriod time.Duration

	MatchMaxDistanceKm      float64
	MatchMinRating          float64
	MatchAvailabilityWindow time.Duration
	MatchSnapshotLimit      int

	FeeRatePerKm int64
	FeeFloor     int64
	FeeCurrency  string

	EmitInterval time.Duration

	PushEndpoint string
	PushKey      string

	GeocodeEndpoint string
	OSRMEndpoint    string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "runners_geo",
		KafkaTopic:       "runner-locations",
		KafkaReviewTopic: "review-triggers",
		PGPollPeriod:     2 * time.Second,

		MatchMaxDistanceKm:      10,
		MatchMinRating:          3.5,
		MatchAvailabilityWindow: 300 * time.Second,
		MatchSnapshotLimit:      64,

		FeeRatePerKm: 100000,
		FeeFloor:     50000,
		FeeCurrency:  "NGN",

		EmitInterval: 15 * time.Second,

		LogLevel: "info",
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
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaReviewTopic, "KAFKA_REVIEW_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setDurationFromEnv(&cfg.PGPollPeriod, "PG_POLL_PERIOD", &errs)

	setFloatFromEnv(&cfg.MatchMaxDistanceKm, "MATCH_MAX_DISTANCE_KM", &errs)
	setFloatFromEnv(&cfg.MatchMinRating, "MATCH_MIN_RATING", &errs)
	setDurationFromEnv(&cfg.MatchAvailabilityWindow, "MATCH_AVAILABILITY_WINDOW", &errs)
	setIntFromEnv(&cfg.MatchSnapshotLimit, "MATCH_SNAPSHOT_LIMIT", &errs)

	setInt64FromEnv(&cfg.FeeRatePerKm, "FEE_RATE_PER_KM", &errs)
	setInt64FromEnv(&cfg.FeeFloor, "FEE_FLOOR", &errs)
	setStringFromEnv(&cfg.FeeCurrency, "FEE_CURRENCY")

	setDurationFromEnv(&cfg.EmitInterval, "TRACKING_EMIT_INTERVAL", &errs)

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setStringFromEnv(&cfg.GeocodeEndpoint, "GEOCODE_ENDPOINT")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatchMaxDistanceKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_DISTANCE_KM must be > 0"))
	}
	if cfg.MatchSnapshotLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_SNAPSHOT_LIMIT must be > 0"))
	}
	if cfg.FeeFloor < 0 {
		errs = append(errs, fmt.Errorf("FEE_FLOOR must be >= 0"))
	}
	if cfg.EmitInterval <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_EMIT_INTERVAL must be > 0"))
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

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
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
