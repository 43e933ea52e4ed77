package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the coordinator.
type Config struct {
	Port string
	Env  string

	// DBPath is the sqlite file holding consultations and, unless MongoURL
	// is set, chat history.
	DBPath string

	RedisURL      string
	MongoURL      string
	MongoDatabase string

	// PendingTimeout is how long a consultation may wait for a claim before
	// it is rejected. IdleTimeout closes active consultations without chat or
	// signaling activity.
	PendingTimeout time.Duration
	IdleTimeout    time.Duration
	ReaperInterval time.Duration

	RelayRetries     uint64
	SubscriberBuffer int

	// ServerURL is where the mcp subcommand finds a running coordinator.
	ServerURL string
}

// Load reads configuration from the environment, loading a .env file first
// when one is present.
func Load() *Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_PATH", defaultDBPath())
	v.SetDefault("MONGO_DATABASE", "vetlink")
	v.SetDefault("PENDING_TIMEOUT", 10*time.Minute)
	v.SetDefault("IDLE_TIMEOUT", 30*time.Minute)
	v.SetDefault("REAPER_INTERVAL", 15*time.Second)
	v.SetDefault("RELAY_RETRIES", 3)
	v.SetDefault("SUBSCRIBER_BUFFER", 64)
	v.SetDefault("VETLINK_URL", "http://localhost:8080")

	return &Config{
		Port:             v.GetString("PORT"),
		Env:              v.GetString("ENV"),
		DBPath:           v.GetString("DB_PATH"),
		RedisURL:         v.GetString("REDIS_URL"),
		MongoURL:         v.GetString("MONGO_URL"),
		MongoDatabase:    v.GetString("MONGO_DATABASE"),
		PendingTimeout:   v.GetDuration("PENDING_TIMEOUT"),
		IdleTimeout:      v.GetDuration("IDLE_TIMEOUT"),
		ReaperInterval:   v.GetDuration("REAPER_INTERVAL"),
		RelayRetries:     v.GetUint64("RELAY_RETRIES"),
		SubscriberBuffer: v.GetInt("SUBSCRIBER_BUFFER"),
		ServerURL:        strings.TrimRight(v.GetString("VETLINK_URL"), "/"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data", "vetlink.db")
	}
	return filepath.Join(home, ".vetlink", "app.db")
}
