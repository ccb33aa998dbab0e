package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
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

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	AMQPURL      string
	AMQPExchange string

	OSRMEndpoint     string
	GoogleMapsAPIKey string
	DefaultSpeedMps  float64
	RouteCacheTTL    time.Duration

	StripeAPIKey string
	Currency     string

	FCMEndpoint string
	FCMKey      string

	SearchRadiusMeters float64
	StalenessWindow    time.Duration
	AcceptTimeout      time.Duration
	CandidateLimit     int

	FareTable fare.Table

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaTopic:         "driver-locations",
		AMQPExchange:       "ride-events",
		DefaultSpeedMps:    10,
		RouteCacheTTL:      time.Minute,
		Currency:           "inr",
		SearchRadiusMeters: 2000,
		StalenessWindow:    30 * time.Second,
		AcceptTimeout:      30 * time.Second,
		CandidateLimit:     8,
		FareTable:          fare.DefaultTable(),
		LogLevel:           "info",
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

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ROUTING_DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.Currency, "CURRENCY")

	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")

	setFloatFromEnv(&cfg.SearchRadiusMeters, "DISPATCH_RADIUS_METERS", &errs)
	setDurationFromEnv(&cfg.StalenessWindow, "PRESENCE_STALENESS_WINDOW", &errs)
	setDurationFromEnv(&cfg.AcceptTimeout, "DISPATCH_ACCEPT_TIMEOUT", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)

	loadFareTable(cfg.FareTable, &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.SearchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_METERS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// loadFareTable overrides rate fields per class from FARE_<CLASS>_BASE,
// FARE_<CLASS>_PER_KM and FARE_<CLASS>_PER_MIN. FARE_CLASSES adds classes
// beyond the defaults.
func loadFareTable(table fare.Table, errs *[]error) {
	classes := make([]models.VehicleClass, 0, len(table))
	for c := range table {
		classes = append(classes, c)
	}
	if extra := os.Getenv("FARE_CLASSES"); extra != "" {
		for _, c := range splitAndTrim(extra) {
			classes = append(classes, models.VehicleClass(c))
		}
	}
	for _, c := range classes {
		rate := table[c]
		prefix := "FARE_" + strings.ToUpper(string(c))
		setFloatFromEnv(&rate.Base, prefix+"_BASE", errs)
		setFloatFromEnv(&rate.PerKm, prefix+"_PER_KM", errs)
		setFloatFromEnv(&rate.PerMinute, prefix+"_PER_MIN", errs)
		table[c] = rate
	}
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
