package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the bot
type Config struct {
	// Discord
	DiscordToken string
	ActivityType string
	ActivityName string

	// Twitch
	TwitchClientID     string
	TwitchClientSecret string

	// Storage
	DataPath  string
	TokenPath string

	// Polling
	PollIntervalSeconds int

	// Guild defaults
	DefaultPrefix   string
	DefaultLanguage string

	// Optional directory of extra translation files
	TranslationsDir string

	// Observability
	LogLevel    string
	MetricsAddr string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		DiscordToken:       os.Getenv("DISCORD_BOT_TOKEN"),
		ActivityType:       os.Getenv("DISCORD_ACTIVITY_TYPE"),
		ActivityName:       os.Getenv("DISCORD_ACTIVITY_NAME"),
		TwitchClientID:     os.Getenv("TWITCH_CLIENT_ID"),
		TwitchClientSecret: os.Getenv("TWITCH_CLIENT_SECRET"),
		DataPath:           getEnvOrDefault("DATA_PATH", "./data/data.json"),
		TokenPath:          getEnvOrDefault("TOKEN_PATH", "./data/token.json"),
		DefaultPrefix:      getEnvOrDefault("DEFAULT_PREFIX", "!"),
		DefaultLanguage:    getEnvOrDefault("DEFAULT_LANGUAGE", "english"),
		TranslationsDir:    os.Getenv("TRANSLATIONS_DIR"),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		MetricsAddr:        os.Getenv("METRICS_ADDR"),
	}

	// Parse polling interval
	pollingStr := getEnvOrDefault("POLL_INTERVAL_SECONDS", "61")
	polling, err := strconv.Atoi(pollingStr)
	if err != nil {
		return nil, fmt.Errorf("invalid POLL_INTERVAL_SECONDS: %w", err)
	}
	cfg.PollIntervalSeconds = polling

	// Validate required fields
	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}
	if cfg.TwitchClientID == "" {
		return nil, fmt.Errorf("TWITCH_CLIENT_ID is required")
	}
	if cfg.TwitchClientSecret == "" {
		return nil, fmt.Errorf("TWITCH_CLIENT_SECRET is required")
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
