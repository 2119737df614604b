// Package config builds the process configuration once at startup. The
// resulting struct is passed by reference into the orchestrator and the
// tiered client constructors; nothing reads ambient state mid-workflow.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	ProfilePath string
	// ApprovalSigningKey verifies actor tokens on approval resolutions.
	// Empty disables token verification (development only).
	ApprovalSigningKey string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "file:keel.db?_pragma=busy_timeout(5000)"
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		DatabaseURL:        dbURL,
		RedisURL:           os.Getenv("REDIS_URL"),
		ProfilePath:        os.Getenv("KEEL_PROFILE"),
		ApprovalSigningKey: os.Getenv("APPROVAL_SIGNING_KEY"),
	}
}
