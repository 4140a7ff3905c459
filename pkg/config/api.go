package config

import "time"

// APIConfig holds runtime configuration for the coordinator service.
type APIConfig struct {
	Environment        string
	Addr               string
	PublicURL          string
	StoreBackend       string
	DatabaseURL        string
	MigrationsDir      string
	TemplatesDir       string
	SigningSecret      string
	JWTSecret          string
	InputsKey          string
	WorkerStaleAfter   time.Duration
	HealthSweepEvery   time.Duration
	ReportLogLimit     int
	RunnerRateLimit    int
	RunnerRateWindow   time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	EventBuffer        int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		PublicURL:          GetString("PUBLIC_API_URL", "http://localhost:4000"),
		StoreBackend:       GetString("STORE_BACKEND", "postgres"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://hfc:hfc@db:5432/hfc?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", ""),
		TemplatesDir:       GetString("TEMPLATES_DIR", ""),
		SigningSecret:      GetString("HFC_SIGNING_SECRET", "dev-signing-secret"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		InputsKey:          GetString("INPUTS_ENCRYPTION_KEY", "supersecuresecret"),
		WorkerStaleAfter:   GetDuration("WORKER_STALE_AFTER_SECONDS", 180*time.Second),
		HealthSweepEvery:   GetDuration("HEALTH_SWEEP_SECONDS", 60*time.Second),
		ReportLogLimit:     GetInt("REPORT_LOG_LIMIT_BYTES", 10000),
		RunnerRateLimit:    GetInt("RUNNER_RATE_LIMIT", 120),
		RunnerRateWindow:   GetDuration("RUNNER_RATE_WINDOW_SECONDS", time.Minute),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		EventBuffer:        GetInt("WS_EVENT_BUFFER", 64),
	}
}
