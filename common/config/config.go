package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Engine    EngineConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TestMode controls how per-event persistence behaves during streaming
type TestMode string

const (
	// TestModeDeterministic persists every event synchronously before yielding
	TestModeDeterministic TestMode = "deterministic"
	// TestModeProduction persists events best-effort in the background
	TestModeProduction TestMode = "production"
)

// EngineConfig holds the execution and acceptance tunables
type EngineConfig struct {
	// Acceptance loop
	MaxReplanAttempts        int
	RequireTestReportForPass bool

	// ReAct repair loop inside a single run stream
	MaxReactAttempts       int
	MaxConsecutiveFailures int
	MaxReactSeconds        int
	MaxLLMCalls            int

	// Side-effect confirmation
	ConfirmTimeout time.Duration

	// Execute endpoint rate limiting (requires Redis)
	RateLimitEnabled         bool
	RateLimitGlobalPerMinute int

	// Test hooks
	E2ETestMode           TestMode
	DisableRunPersistence bool
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "runloop"),
			User:        getEnv("POSTGRES_USER", "runloop"),
			Password:    getEnv("POSTGRES_PASSWORD", "runloop"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			MaxReplanAttempts:        getEnvInt("MAX_REPLAN_ATTEMPTS", 3),
			RequireTestReportForPass: getEnvBool("REQUIRE_TEST_REPORT_FOR_PASS", true),
			MaxReactAttempts:         getEnvInt("MAX_REACT_ATTEMPTS", 6),
			MaxConsecutiveFailures:   getEnvInt("MAX_CONSECUTIVE_FAILURES", 3),
			MaxReactSeconds:          getEnvInt("MAX_REACT_SECONDS", 600),
			MaxLLMCalls:              getEnvInt("MAX_LLM_CALLS", 20),
			ConfirmTimeout:           getEnvDuration("CONFIRM_TIMEOUT", 300*time.Second),
			RateLimitEnabled:         getEnvBool("RATE_LIMIT_ENABLED", false),
			RateLimitGlobalPerMinute: getEnvInt("RATE_LIMIT_GLOBAL_PER_MINUTE", 600),
			E2ETestMode:              TestMode(getEnv("E2E_TEST_MODE", string(TestModeProduction))),
			DisableRunPersistence:    getEnvBool("DISABLE_RUN_PERSISTENCE", false),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Engine.E2ETestMode != TestModeDeterministic && c.Engine.E2ETestMode != TestModeProduction {
		return fmt.Errorf("invalid e2e_test_mode: %s", c.Engine.E2ETestMode)
	}

	if c.Engine.MaxReplanAttempts < 1 {
		return fmt.Errorf("max_replan_attempts must be >= 1")
	}

	if c.Engine.MaxReactAttempts < 1 {
		return fmt.Errorf("max_react_attempts must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
