package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Scheduler
	SchedulerPollInterval time.Duration // how often the scheduler polls for due jobs
	SchedulerBatchSize    int           // max jobs claimed per poll cycle

	// Tenant resolution fallback used by the webhook ingestor and the
	// send endpoint when no team is specified.
	DefaultTeamName string

	// Process-level provider credential defaults. Per-team credentials in
	// the database take precedence; these seed teams that have none.
	ProviderAccountSID   string
	ProviderAuthToken    string
	ProviderSMSFrom      string
	ProviderWhatsAppFrom string
	ProviderBaseURL      string

	// Credential cache
	CredentialCacheTTL time.Duration

	// Inbound webhook dedupe window. Zero disables dedupe.
	InboundDedupeTTL time.Duration

	// Dev-only degraded signature check, never for production.
	AllowLegacySignature bool

	// Rate limit on the send endpoint, requests per team per minute.
	SendRateLimit int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "threadline",
		DBPassword: "",
		DBName:     "threadline",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		SchedulerPollInterval: 5 * time.Second,
		SchedulerBatchSize:    5,

		DefaultTeamName: "Demo Team",

		ProviderBaseURL: "https://api.twilio.com",

		CredentialCacheTTL: 5 * time.Minute,
		InboundDedupeTTL:   24 * time.Hour,

		SendRateLimit: 100,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Scheduler config. The interval knob is in milliseconds to match the
	// value the deployment tooling already passes around.
	if ms := os.Getenv("SCHEDULER_POLL_MS"); ms != "" {
		v, err := strconv.Atoi(ms)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid SCHEDULER_POLL_MS: %q", ms)
		}
		cfg.SchedulerPollInterval = time.Duration(v) * time.Millisecond
	}

	if batch := os.Getenv("SCHEDULER_BATCH_SIZE"); batch != "" {
		v, err := strconv.Atoi(batch)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid SCHEDULER_BATCH_SIZE: %q", batch)
		}
		cfg.SchedulerBatchSize = v
	}

	if name := os.Getenv("DEFAULT_TEAM_NAME"); name != "" {
		cfg.DefaultTeamName = name
	}

	// Provider credentials
	if sid := os.Getenv("PROVIDER_ACCOUNT_SID"); sid != "" {
		cfg.ProviderAccountSID = sid
	}

	if token := os.Getenv("PROVIDER_AUTH_TOKEN"); token != "" {
		cfg.ProviderAuthToken = token
	}

	if from := os.Getenv("PROVIDER_SMS_FROM"); from != "" {
		cfg.ProviderSMSFrom = from
	}

	if from := os.Getenv("PROVIDER_WHATSAPP_FROM"); from != "" {
		cfg.ProviderWhatsAppFrom = from
	}

	if base := os.Getenv("PROVIDER_BASE_URL"); base != "" {
		cfg.ProviderBaseURL = base
	}

	if ttl := os.Getenv("CREDENTIAL_CACHE_TTL_SEC"); ttl != "" {
		v, err := strconv.Atoi(ttl)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid CREDENTIAL_CACHE_TTL_SEC: %q", ttl)
		}
		cfg.CredentialCacheTTL = time.Duration(v) * time.Second
	}

	if ttl := os.Getenv("INBOUND_DEDUPE_TTL_SEC"); ttl != "" {
		v, err := strconv.Atoi(ttl)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid INBOUND_DEDUPE_TTL_SEC: %q", ttl)
		}
		cfg.InboundDedupeTTL = time.Duration(v) * time.Second
	}

	if v := os.Getenv("ALLOW_LEGACY_SIGNATURE"); v == "true" || v == "1" {
		cfg.AllowLegacySignature = true
	}

	if limit := os.Getenv("SEND_RATE_LIMIT"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid SEND_RATE_LIMIT: %q", limit)
		}
		cfg.SendRateLimit = v
	}

	return cfg, nil
}
