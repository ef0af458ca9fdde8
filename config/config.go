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

const (
	DispatchModeDirect   = "direct"
	DispatchModeProposal = "proposal"

	AuthModeLocal  = "local"
	AuthModeRemote = "remote"

	GeoProviderMapbox    = "mapbox"
	GeoProviderGoogle    = "google"
	GeoProviderHaversine = "haversine"

	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendLocal  = "local"
)

type Config struct {
	App            AppConfig
	Server         ServerConfig
	Auth           AuthConfig
	Postgres       PostgresConfig
	Redis          RedisConfig
	RateLimiter    RateLimiterConfig
	CircuitBreaker CircuitBreakerConfig
	Bulkhead       BulkheadConfig
	Idempotency    IdempotencyConfig
	Dispatch       DispatchConfig
	Geo            GeoConfig
	Orders         OrdersConfig
	Users          UsersConfig
	Tracking       TrackingConfig
	Presence       PresenceConfig
	Realtime       RealtimeConfig
	Kafka          KafkaConfig
	Jobs           JobsConfig
}

type AppConfig struct {
	Env      string
	LogLevel string
}

func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development"
}

type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
}

type AuthConfig struct {
	Mode       string
	JWTSecret  string
	JWTExpiry  time.Duration
	ServiceURL string
	Timeout    time.Duration
}

type PostgresConfig struct {
	URL      string // DATABASE_URL takes precedence if set
	Host     string
	Port     int
	User     string
	Password string
	DB       string
	SSLMode  string
}

type RedisConfig struct {
	URL      string // REDIS_URL takes precedence if set
	Host     string
	Port     int
	Password string
	DB       int
}

type RateLimiterConfig struct {
	MaxRequests   int
	WindowSeconds int
}

func (r RateLimiterConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

type CircuitBreakerConfig struct {
	FailureThreshold int
	CooldownSeconds  int
}

func (c CircuitBreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

type BulkheadConfig struct {
	LocationPool int
	MutationPool int
	AdminPool    int
}

type IdempotencyConfig struct {
	TTL time.Duration
}

type DispatchConfig struct {
	Mode           string
	SearchRadiusKM float64 // 0 = consider every available driver
	MaxAttempts    int
	ProposalWindow time.Duration
	EmptyBackoff   time.Duration
	Candidates     int
	PendingMaxAge  time.Duration
	GeoConcurrency int
	SweepBatch     int
}

type GeoConfig struct {
	Provider         string
	MapboxBaseURL    string
	MapboxToken      string
	GoogleAPIKey     string
	Timeout          time.Duration
	FallbackSpeedKMH float64
}

type OrdersConfig struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

type UsersConfig struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
}

type TrackingConfig struct {
	LocationHistoryLimit int
	MinDistanceMeters    float64
	MinInterval          time.Duration
	TrackCacheTTL        time.Duration
}

type PresenceConfig struct {
	Backend string
}

type RealtimeConfig struct {
	Broker         string
	Channel        string
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type JobsConfig struct {
	ProposalSweep string
	StaleSweep    string
	OutboxReplay  string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func getenvFloat(key string, fallback float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

// getenvDuration accepts Go duration strings ("15s") or plain seconds ("15").
func getenvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getenvList(key string) []string {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads the process configuration once. envFile may be empty, in which
// case a .env in the working directory is used if present.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		App: AppConfig{
			Env:      getenv("APP_ENV", "production"),
			LogLevel: getenv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            getenvInt("PORT", getenvInt("SERVER_PORT", 8080)),
			ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getenvDuration("REQUEST_TIMEOUT", 15*time.Second),
		},
		Auth: AuthConfig{
			Mode:       getenv("AUTH_MODE", AuthModeLocal),
			JWTSecret:  getenv("JWT_SECRET", "default-secret-change-me"),
			JWTExpiry:  getenvDuration("JWT_EXPIRY", 24*time.Hour),
			ServiceURL: getenv("AUTH_SERVICE_URL", ""),
			Timeout:    getenvDuration("AUTH_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			URL:      getenv("DATABASE_URL", ""),
			Host:     getenv("POSTGRES_HOST", "localhost"),
			Port:     getenvInt("POSTGRES_PORT", 5432),
			User:     getenv("POSTGRES_USER", "dispatch"),
			Password: getenv("POSTGRES_PASSWORD", "dispatch"),
			DB:       getenv("POSTGRES_DB", "delivery_dispatch"),
			SSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:      getenv("REDIS_URL", ""),
			Host:     getenv("REDIS_HOST", "localhost"),
			Port:     getenvInt("REDIS_PORT", 6379),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimiter: RateLimiterConfig{
			MaxRequests:   getenvInt("RATE_LIMIT_MAX_REQUESTS", 300),
			WindowSeconds: getenvInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: getenvInt("CB_FAILURE_THRESHOLD", 5),
			CooldownSeconds:  getenvInt("CB_COOLDOWN_SECONDS", 30),
		},
		Bulkhead: BulkheadConfig{
			LocationPool: getenvInt("BULKHEAD_LOCATION_POOL", 200),
			MutationPool: getenvInt("BULKHEAD_MUTATION_POOL", 50),
			AdminPool:    getenvInt("BULKHEAD_ADMIN_POOL", 20),
		},
		Idempotency: IdempotencyConfig{
			TTL: getenvDuration("IDEMPOTENCY_TTL", 5*time.Minute),
		},
		Dispatch: DispatchConfig{
			Mode:           getenv("DISPATCH_MODE", DispatchModeDirect),
			SearchRadiusKM: getenvFloat("DISPATCH_SEARCH_RADIUS_KM", 0),
			MaxAttempts:    getenvInt("DISPATCH_MAX_ATTEMPTS", 2),
			ProposalWindow: getenvDuration("DISPATCH_PROPOSAL_WINDOW", 60*time.Second),
			EmptyBackoff:   getenvDuration("DISPATCH_EMPTY_BACKOFF", 15*time.Second),
			Candidates:     getenvInt("DISPATCH_CANDIDATES", 3),
			PendingMaxAge:  getenvDuration("DISPATCH_PENDING_MAX_AGE", 5*time.Minute),
			GeoConcurrency: getenvInt("DISPATCH_GEO_CONCURRENCY", 8),
			SweepBatch:     getenvInt("DISPATCH_SWEEP_BATCH", 50),
		},
		Geo: GeoConfig{
			Provider:         getenv("GEO_PROVIDER", GeoProviderHaversine),
			MapboxBaseURL:    getenv("MAPBOX_BASE_URL", "https://api.mapbox.com"),
			MapboxToken:      getenv("MAPBOX_ACCESS_TOKEN", ""),
			GoogleAPIKey:     getenv("GOOGLE_MAPS_API_KEY", ""),
			Timeout:          getenvDuration("GEO_TIMEOUT", 3*time.Second),
			FallbackSpeedKMH: getenvFloat("GEO_FALLBACK_SPEED_KMH", 25),
		},
		Orders: OrdersConfig{
			BaseURL:      getenv("ORDER_SERVICE_URL", "http://localhost:8081"),
			ServiceToken: getenv("ORDER_SERVICE_TOKEN", ""),
			Timeout:      getenvDuration("ORDER_SERVICE_TIMEOUT", 3*time.Second),
			MaxAttempts:  getenvInt("ORDER_SERVICE_MAX_ATTEMPTS", 3),
			BaseDelay:    getenvDuration("ORDER_SERVICE_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:     getenvDuration("ORDER_SERVICE_MAX_DELAY", time.Second),
		},
		Users: UsersConfig{
			BaseURL:      getenv("USER_SERVICE_URL", "http://localhost:8082"),
			ServiceToken: getenv("USER_SERVICE_TOKEN", ""),
			Timeout:      getenvDuration("USER_SERVICE_TIMEOUT", 3*time.Second),
		},
		Tracking: TrackingConfig{
			LocationHistoryLimit: getenvInt("LOCATION_HISTORY_LIMIT", 500),
			MinDistanceMeters:    getenvFloat("LOCATION_MIN_DISTANCE_METERS", 10),
			MinInterval:          getenvDuration("LOCATION_MIN_INTERVAL", 5*time.Second),
			TrackCacheTTL:        getenvDuration("TRACK_CACHE_TTL", 15*time.Second),
		},
		Presence: PresenceConfig{
			Backend: getenv("PRESENCE_BACKEND", BackendRedis),
		},
		Realtime: RealtimeConfig{
			Broker:         getenv("REALTIME_BROKER", BackendLocal),
			Channel:        getenv("REALTIME_CHANNEL", "realtime:events"),
			SendBuffer:     getenvInt("REALTIME_SEND_BUFFER", 64),
			WriteTimeout:   getenvDuration("REALTIME_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:   getenvDuration("REALTIME_PING_INTERVAL", 30*time.Second),
			AllowedOrigins: getenvList("REALTIME_ALLOWED_ORIGINS"),
		},
		Kafka: KafkaConfig{
			Brokers: getenvList("KAFKA_BROKERS"),
			Topic:   getenv("KAFKA_TOPIC", "delivery-events"),
		},
		Jobs: JobsConfig{
			ProposalSweep: getenv("JOB_PROPOSAL_SWEEP", "@every 5s"),
			StaleSweep:    getenv("JOB_STALE_SWEEP", "@every 30s"),
			OutboxReplay:  getenv("JOB_OUTBOX_REPLAY", "@every 10s"),
		},
	}

	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Dispatch.Mode {
	case DispatchModeDirect, DispatchModeProposal:
	default:
		errs = append(errs, fmt.Errorf("DISPATCH_MODE must be %q or %q, got %q", DispatchModeDirect, DispatchModeProposal, c.Dispatch.Mode))
	}
	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("DISPATCH_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Dispatch.Candidates < 1 {
		errs = append(errs, errors.New("DISPATCH_CANDIDATES must be at least 1"))
	}

	switch c.Auth.Mode {
	case AuthModeLocal:
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required when AUTH_MODE=local"))
		}
	case AuthModeRemote:
		if c.Auth.ServiceURL == "" {
			errs = append(errs, errors.New("AUTH_SERVICE_URL is required when AUTH_MODE=remote"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeLocal, AuthModeRemote, c.Auth.Mode))
	}

	switch c.Geo.Provider {
	case GeoProviderHaversine:
	case GeoProviderMapbox:
		if c.Geo.MapboxToken == "" {
			errs = append(errs, errors.New("MAPBOX_ACCESS_TOKEN is required when GEO_PROVIDER=mapbox"))
		}
	case GeoProviderGoogle:
		if c.Geo.GoogleAPIKey == "" {
			errs = append(errs, errors.New("GOOGLE_MAPS_API_KEY is required when GEO_PROVIDER=google"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GEO_PROVIDER %q", c.Geo.Provider))
	}
	if c.Geo.FallbackSpeedKMH <= 0 {
		errs = append(errs, errors.New("GEO_FALLBACK_SPEED_KMH must be positive"))
	}

	if c.Presence.Backend != BackendRedis && c.Presence.Backend != BackendMemory {
		errs = append(errs, fmt.Errorf("PRESENCE_BACKEND must be %q or %q", BackendRedis, BackendMemory))
	}
	if c.Realtime.Broker != BackendLocal && c.Realtime.Broker != BackendRedis {
		errs = append(errs, fmt.Errorf("REALTIME_BROKER must be %q or %q", BackendLocal, BackendRedis))
	}
	if c.Tracking.LocationHistoryLimit < 1 {
		errs = append(errs, errors.New("LOCATION_HISTORY_LIMIT must be at least 1"))
	}

	return errors.Join(errs...)
}

func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DB, p.SSLMode)
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
