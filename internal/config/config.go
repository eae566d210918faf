package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort            int
	SMTPPort            int
	SMTPDomain          string
	DBPath              string
	SMTPAuthEnabled     bool
	SMTPUsername        string
	SMTPPassword        string
	SMTPMaxMessageBytes int64
	SeedDemoAccounts    bool
	EmailPageSize       int
	LogLevel            slog.Level
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first; variables already set win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPPort:            getEnvInt("HTTP_PORT", 8000),
		SMTPPort:            getEnvInt("SMTP_PORT", 2525),
		SMTPDomain:          getEnvString("SMTP_DOMAIN", "openmail.org"),
		DBPath:              getEnvString("DB_PATH", ""),
		SMTPAuthEnabled:     getEnvBool("SMTP_AUTH_ENABLED", false),
		SMTPUsername:        getEnvString("SMTP_USERNAME", "openmail"),
		SMTPPassword:        getEnvString("SMTP_PASSWORD", "openmail"),
		SMTPMaxMessageBytes: int64(getEnvInt("SMTP_MAX_MESSAGE_BYTES", 25<<20)),
		SeedDemoAccounts:    getEnvBool("SEED_DEMO_ACCOUNTS", true),
		EmailPageSize:       getEnvInt("EMAIL_PAGE_SIZE", 20),
		LogLevel:            getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvLevel accepts debug, info, warn and error in any case.
func getEnvLevel(key string, fallback slog.Level) slog.Level {
	if value, ok := os.LookupEnv(key); ok {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err == nil {
			return level
		}
	}
	return fallback
}
