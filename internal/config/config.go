package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-session/internal/models"
)

// SessionConfig captures all tunable parameters for the session host.
// Values are loaded from environment variables with defaults so the binary
// runs locally against in-memory backends.
type SessionConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RadiusKm         float64
	Accuracy         models.Accuracy
	MarkerTTL        time.Duration
	DispatchRadiusKm float64
	DriverPollEvery  time.Duration
	DriverLimit      int

	SearchSpanKm   float64
	SearchLimit    int
	SearchCacheTTL time.Duration
	OSRMURL        string
	NominatimURL   string
	UserAgent      string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	// LocationTopic receives driver positions reported over HTTP when both
	// Kafka and Redis are configured; cmd/driverfeed moves them into Redis.
	LocationTopic string

	// TripBus selects the trip transport: memory, kafka or amqp.
	TripBus      string
	KafkaBrokers []string
	TripTopic    string
	AMQPURL      string
	AMQPExchange string

	PGDSN          string
	BackendTimeout time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultSessionConfig() SessionConfig {
	return SessionConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RadiusKm:        50,
		Accuracy:        models.AccuracyBest,
		MarkerTTL:       2 * time.Minute,
		DriverPollEvery: 2 * time.Second,
		DriverLimit:     200,
		SearchSpanKm:    20,
		SearchLimit:     10,
		SearchCacheTTL:  5 * time.Minute,
		OSRMURL:         "http://localhost:5000",
		NominatimURL:    "https://nominatim.openstreetmap.org",
		UserAgent:       "ride-session/1.0",
		RedisGeoKey:     "drivers_geo",
		LocationTopic:   "driver-locations",
		TripBus:         "memory",
		TripTopic:       "trips",
		AMQPExchange:    "trips",
		BackendTimeout:  5 * time.Second,
		LogLevel:        "info",
	}
}

func LoadSessionConfig() (SessionConfig, error) {
	cfg := defaultSessionConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setFloatFromEnv(&cfg.RadiusKm, "PROXIMITY_RADIUS_KM", &errs)
	if v := os.Getenv("DESIRED_ACCURACY"); v != "" {
		a, err := models.ParseAccuracy(strings.ToLower(strings.TrimSpace(v)))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid DESIRED_ACCURACY: %w", err))
		} else {
			cfg.Accuracy = a
		}
	}
	setDurationFromEnv(&cfg.MarkerTTL, "MARKER_TTL", &errs)
	setFloatFromEnv(&cfg.DispatchRadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.DriverPollEvery, "DRIVER_POLL_INTERVAL", &errs)
	setIntFromEnv(&cfg.DriverLimit, "DRIVER_LIMIT", &errs)

	setFloatFromEnv(&cfg.SearchSpanKm, "SEARCH_REGION_SPAN_KM", &errs)
	setIntFromEnv(&cfg.SearchLimit, "SEARCH_LIMIT", &errs)
	setDurationFromEnv(&cfg.SearchCacheTTL, "SEARCH_CACHE_TTL", &errs)
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setStringFromEnv(&cfg.NominatimURL, "NOMINATIM_URL")
	setStringFromEnv(&cfg.UserAgent, "HTTP_USER_AGENT")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if v := os.Getenv("TRIP_BUS"); v != "" {
		cfg.TripBus = strings.ToLower(strings.TrimSpace(v))
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.TripTopic, "KAFKA_TRIP_TOPIC")
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setDurationFromEnv(&cfg.BackendTimeout, "BACKEND_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.RadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("PROXIMITY_RADIUS_KM must be > 0"))
	}
	if cfg.MarkerTTL < 0 {
		errs = append(errs, fmt.Errorf("MARKER_TTL must be >= 0"))
	}
	if cfg.DispatchRadiusKm < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be >= 0"))
	}
	switch cfg.TripBus {
	case "memory":
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("TRIP_BUS=kafka requires KAFKA_BROKERS"))
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			errs = append(errs, fmt.Errorf("TRIP_BUS=amqp requires AMQP_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TRIP_BUS %q", cfg.TripBus))
	}

	return cfg, errors.Join(errs...)
}

// FeedConfig configures the driver location consumer.
type FeedConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MaxRetries   int
	RetryBackoff time.Duration

	MetricsAddr string
	LogLevel    string
}

func defaultFeedConfig() FeedConfig {
	return FeedConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroupID: "driverfeed",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
		MetricsAddr:  ":9102",
		LogLevel:     "info",
	}
}

func LoadFeedConfig() (FeedConfig, error) {
	cfg := defaultFeedConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.MaxRetries, "FEED_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "FEED_RETRY_BACKOFF", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("FEED_MAX_RETRIES must be > 0"))
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
