package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingJWTSecret   = errors.New("JWT_SECRET is required")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	DB        DBConfig
	Redis     RedisConfig
	Rate      RateConfig
	HTTP      HTTPConfig
	Providers ProvidersConfig
	Log       LogConfig
}

type ServerConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	HealthPath      string
	MetricsPath     string
	CORSOrigins     []string
}

type AuthConfig struct {
	JWTSecret []byte
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

// RedisConfig is optional. An empty Addr disables the per-user rate limit.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateConfig struct {
	PerHour int64
}

type HTTPConfig struct {
	ClientTimeout   time.Duration
	ProviderTimeout time.Duration
}

// ProvidersConfig maps a provider family tag to its API key. Keys live in
// the environment only; they are never stored on provider rows.
type ProvidersConfig struct {
	APIKeys map[string]string
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      mustEnv("LISTEN_ADDR", ":8080"),
			ReadTimeout:     mustDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    mustDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: mustDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			HealthPath:      mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:     mustEnv("METRICS_PATH", "/metrics"),
			CORSOrigins:     splitCSV(mustEnv("CORS_ORIGINS", "*")),
		},
		Auth: AuthConfig{
			JWTSecret: []byte(mustEnv("JWT_SECRET", "")),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "postgres")),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", ""),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 60)),
		},
		HTTP: HTTPConfig{
			ClientTimeout:   mustDuration("HTTP_TIMEOUT", 90*time.Second),
			ProviderTimeout: mustDuration("PROVIDER_TIMEOUT", 60*time.Second),
		},
		Providers: ProvidersConfig{
			APIKeys: map[string]string{
				"openai":    mustEnv("OPENAI_API_KEY", ""),
				"anthropic": mustEnv("ANTHROPIC_API_KEY", ""),
			},
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if len(cfg.Auth.JWTSecret) == 0 {
		return nil, ErrMissingJWTSecret
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}

	return cfg, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
