package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/domain"
)

const (
	ModeContinuous = "continuous"
	ModePolling    = "polling"
)

type Config struct {
	AppEnv string

	// Outbox store (postgres)
	DBURL            string // wins over the discrete parts when set
	DBHost           string
	DBPort           int
	DBName           string
	DBUser           string
	DBPassword       string
	DBSSL            bool
	DBPoolSize       int
	DBIdleTimeout    time.Duration
	DBConnectTimeout time.Duration

	// Broker (rabbitmq)
	RabbitURL              string // wins over the discrete parts when set
	RabbitHost             string
	RabbitPort             int
	RabbitUser             string
	RabbitPassword         string
	RabbitVHost            string
	RabbitHeartbeat        time.Duration
	RabbitPrefetch         int
	PublisherConfirms      bool
	Mandatory              bool
	RequestTimeout         time.Duration // publisher-confirm wait
	RetryDelayBase         time.Duration // reconnect backoff base
	MaxRetries             int           // reconnect attempts before staying down, 0 = unbounded
	RabbitDeclareExchanges []string      // topic exchanges declared at connect

	// Batch loop
	BatchSize     int
	BatchInterval time.Duration
	BatchMaxWait  time.Duration // per-cycle store deadline
	BatchMaxSize  int

	// Per-event retry
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryJitter       bool
	RetryJitterRatio  float64

	// Circuit breaker
	CBEnabled          bool
	CBFailureThreshold int
	CBSuccessThreshold int
	CBTimeout          time.Duration

	// Relay lifecycle
	Mode             string // continuous | polling
	ConsumerName     string
	ProcessOnStartup bool
	ShutdownTimeout  time.Duration
	StartupTimeout   time.Duration

	// Ops HTTP surface
	HTTPAddr  string
	RLEnabled bool
	RLLimit   int
	RLWindow  time.Duration

	LogLevel  string
	LogFormat string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.AppEnv = getEnv("APP_ENV", "dev")

	cfg.DBURL = getEnv("DATABASE_URL", "")
	cfg.DBHost = getEnv("DB_HOST", "localhost")
	cfg.DBPort = getIntEnv("DB_PORT", 5432)
	cfg.DBName = getEnv("DB_NAME", "")
	cfg.DBUser = getEnv("DB_USER", "")
	cfg.DBPassword = getEnv("DB_PASSWORD", "")
	cfg.DBSSL = getEnv("DB_SSL", "false") == "true"
	cfg.DBPoolSize = getIntEnv("DB_POOL_SIZE", 10)
	cfg.DBIdleTimeout = getDuration("DB_IDLE_TIMEOUT", 5*time.Minute)
	cfg.DBConnectTimeout = getDuration("DB_CONNECT_TIMEOUT", 5*time.Second)

	cfg.RabbitURL = getEnv("RABBIT_URL", "")
	cfg.RabbitHost = getEnv("RABBIT_HOST", "localhost")
	cfg.RabbitPort = getIntEnv("RABBIT_PORT", 5672)
	cfg.RabbitUser = getEnv("RABBIT_USER", "guest")
	cfg.RabbitPassword = getEnv("RABBIT_PASSWORD", "guest")
	cfg.RabbitVHost = getEnv("RABBIT_VHOST", "/")
	cfg.RabbitHeartbeat = getDuration("RABBIT_HEARTBEAT", 10*time.Second)
	cfg.RabbitPrefetch = getIntEnv("RABBIT_PREFETCH", 0)
	cfg.PublisherConfirms = getEnv("RABBIT_PUBLISHER_CONFIRMS", "true") == "true"
	cfg.Mandatory = getEnv("RABBIT_MANDATORY", "true") == "true"
	cfg.RequestTimeout = getDuration("RABBIT_REQUEST_TIMEOUT", 5*time.Second)
	cfg.RetryDelayBase = getDuration("RABBIT_RETRY_DELAY_BASE", 1*time.Second)
	cfg.MaxRetries = getIntEnv("RABBIT_MAX_RETRIES", 5)
	cfg.RabbitDeclareExchanges = getListEnv("RABBIT_DECLARE_EXCHANGES")

	cfg.BatchSize = getIntEnv("BATCH_SIZE", 25)
	cfg.BatchInterval = getDuration("BATCH_INTERVAL", 1*time.Second)
	cfg.BatchMaxWait = getDuration("BATCH_MAX_WAIT", 30*time.Second)
	cfg.BatchMaxSize = getIntEnv("BATCH_MAX_SIZE", 500)

	cfg.RetryMaxAttempts = getIntEnv("RETRY_MAX_ATTEMPTS", domain.DefaultMaxAttempts)
	cfg.RetryInitialDelay = getDuration("RETRY_INITIAL_DELAY", 500*time.Millisecond)
	cfg.RetryMaxDelay = getDuration("RETRY_MAX_DELAY", 30*time.Second)
	cfg.RetryMultiplier = getFloatEnv("RETRY_BACKOFF_MULTIPLIER", 2.0)
	cfg.RetryJitter = getEnv("RETRY_JITTER", "true") == "true"
	cfg.RetryJitterRatio = getFloatEnv("RETRY_JITTER_RATIO", 0.2)

	cfg.CBEnabled = getEnv("CB_ENABLED", "true") == "true"
	cfg.CBFailureThreshold = getIntEnv("CB_FAILURE_THRESHOLD", 5)
	cfg.CBSuccessThreshold = getIntEnv("CB_SUCCESS_THRESHOLD", 2)
	cfg.CBTimeout = getDuration("CB_TIMEOUT", 30*time.Second)

	cfg.Mode = getEnv("RELAY_MODE", ModeContinuous)
	cfg.ConsumerName = getEnv("RELAY_CONSUMER_NAME", "relay-service")
	cfg.ProcessOnStartup = getEnv("RELAY_PROCESS_ON_STARTUP", "false") == "true"
	cfg.ShutdownTimeout = getDuration("RELAY_SHUTDOWN_TIMEOUT", 8*time.Second)
	cfg.StartupTimeout = getDuration("RELAY_STARTUP_TIMEOUT", 30*time.Second)

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8086")
	cfg.RLEnabled = getEnv("RL_ENABLED", "true") == "true"
	cfg.RLLimit = getIntEnv("RL_IP_LIMIT", 100)
	cfg.RLWindow = getDuration("RL_IP_WINDOW", 1*time.Minute)

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	cfg.HTTPReadTimeout = getDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	cfg.HTTPWriteTimeout = getDuration("HTTP_WRITE_TIMEOUT", 20*time.Second)
	cfg.HTTPIdleTimeout = getDuration("HTTP_IDLE_TIMEOUT", 60*time.Second)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a config the relay cannot safely start with.
func (c *Config) Validate() error {
	if c.DBURL == "" {
		if c.DBName == "" {
			return domain.ErrConfiguration("missing DB_NAME (or DATABASE_URL)")
		}
		if c.DBUser == "" {
			return domain.ErrConfiguration("missing DB_USER (or DATABASE_URL)")
		}
	}
	if c.RabbitURL == "" && c.RabbitHost == "" {
		return domain.ErrConfiguration("missing RABBIT_URL (or RABBIT_HOST)")
	}
	if c.BatchSize <= 0 {
		return domain.ErrConfiguration("BATCH_SIZE must be > 0")
	}
	if c.BatchMaxSize > 0 && c.BatchSize > c.BatchMaxSize {
		return domain.ErrConfiguration(fmt.Sprintf("BATCH_SIZE %d exceeds BATCH_MAX_SIZE %d", c.BatchSize, c.BatchMaxSize))
	}
	if c.BatchInterval <= 0 {
		return domain.ErrConfiguration("BATCH_INTERVAL must be > 0")
	}
	if c.RetryMaxAttempts < 1 {
		return domain.ErrConfiguration("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if c.RetryMultiplier < 1 {
		return domain.ErrConfiguration("RETRY_BACKOFF_MULTIPLIER must be >= 1")
	}
	if c.RetryJitterRatio < 0 || c.RetryJitterRatio > 1 {
		return domain.ErrConfiguration("RETRY_JITTER_RATIO must be within [0,1]")
	}
	if c.RetryInitialDelay < 0 || c.RetryMaxDelay < c.RetryInitialDelay {
		return domain.ErrConfiguration("RETRY_MAX_DELAY must be >= RETRY_INITIAL_DELAY")
	}
	if c.CBFailureThreshold < 1 {
		return domain.ErrConfiguration("CB_FAILURE_THRESHOLD must be >= 1")
	}
	if c.CBSuccessThreshold < 1 {
		return domain.ErrConfiguration("CB_SUCCESS_THRESHOLD must be >= 1")
	}
	if c.CBTimeout <= 0 {
		return domain.ErrConfiguration("CB_TIMEOUT must be > 0")
	}
	if c.Mode != ModeContinuous && c.Mode != ModePolling {
		return domain.ErrConfiguration("RELAY_MODE must be continuous or polling")
	}
	if c.ConsumerName == "" {
		return domain.ErrConfiguration("missing RELAY_CONSUMER_NAME")
	}
	if c.RequestTimeout <= 0 {
		return domain.ErrConfiguration("RABBIT_REQUEST_TIMEOUT must be > 0")
	}
	if c.MaxRetries < 0 {
		return domain.ErrConfiguration("RABBIT_MAX_RETRIES must be >= 0")
	}
	return nil
}

// PostgresDSN assembles the lib/pq connection string.
func (c *Config) PostgresDSN() string {
	if c.DBURL != "" {
		return c.DBURL
	}
	sslmode := "disable"
	if c.DBSSL {
		sslmode = "require"
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, sslmode,
		int(c.DBConnectTimeout.Seconds()),
	)
}

// AmqpURL assembles the broker URL from the discrete parts.
func (c *Config) AmqpURL() string {
	if c.RabbitURL != "" {
		return c.RabbitURL
	}
	vhost := c.RabbitVHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(c.RabbitUser), url.QueryEscape(c.RabbitPassword),
		c.RabbitHost, c.RabbitPort, vhost,
	)
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getIntEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getFloatEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getListEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
