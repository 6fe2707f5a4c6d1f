package config

import "os"

// Config holds kernel runtime configuration.
type Config struct {
	LogLevel      string
	LedgerBackend string // "memory", "sqlite" or "postgres"
	LedgerPath    string // sqlite database file
	DatabaseURL   string // postgres DSN
	RedisURL      string // identity cache, optional
	OTLPEndpoint  string
	Telemetry     bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("LEDGER_BACKEND")
	if backend == "" {
		backend = "sqlite"
	}

	ledgerPath := os.Getenv("LEDGER_PATH")
	if ledgerPath == "" {
		ledgerPath = "gsep-ledger.db"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://gsep@localhost:5432/gsep?sslmode=disable"
	}

	otlp := os.Getenv("OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		LogLevel:      logLevel,
		LedgerBackend: backend,
		LedgerPath:    ledgerPath,
		DatabaseURL:   dbURL,
		RedisURL:      os.Getenv("REDIS_URL"),
		OTLPEndpoint:  otlp,
		Telemetry:     os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}
