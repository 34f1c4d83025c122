package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Auth      AuthConfig      `yaml:"auth"`
	API       APIConfig       `yaml:"api"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// MongoConfig holds the visitor document store connection settings
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// AuthConfig holds dashboard API key settings.
// TrackAuth decides whether the tracking endpoint itself requires a key:
// false means a publicly embeddable snippet, true means a private deployment.
type AuthConfig struct {
	APIKeys   string `yaml:"api_keys"` // comma-separated
	TrackAuth bool   `yaml:"track_auth"`
}

// Keys returns the configured API keys, trimmed, with empties dropped.
func (c AuthConfig) Keys() []string {
	var keys []string
	for _, k := range strings.Split(c.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// APIConfig holds response shaping settings
type APIConfig struct {
	// VisitHistoryLimit caps the per-visitor visit log returned by the
	// site-detail endpoint. 0 returns the full stored history.
	VisitHistoryLimit int `yaml:"visit_history_limit"`
}

// RateLimitConfig holds the optional Redis rate limiter settings for the
// tracking endpoint. An empty RedisURL disables rate limiting.
type RateLimitConfig struct {
	RedisURL       string `yaml:"redis_url"`
	TrackPerMinute int    `yaml:"track_per_minute"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "visteria"
	}
	if cfg.Mongo.Collection == "" {
		cfg.Mongo.Collection = "visits"
	}
	if cfg.RateLimit.TrackPerMinute == 0 {
		cfg.RateLimit.TrackPerMinute = 120
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
// An empty path skips the YAML file and uses defaults plus environment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	var cfg *Config
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	// Override with environment variables if present
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = n
		}
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		cfg.Mongo.URI = uri
	}
	if db := os.Getenv("MONGODB_DB_NAME"); db != "" {
		cfg.Mongo.Database = db
	}
	if coll := os.Getenv("MONGODB_VISITS_COLLECTION"); coll != "" {
		cfg.Mongo.Collection = coll
	}

	// API keys: first non-empty source wins
	for _, name := range []string{"VISTERIA_API_KEYS", "VISTERIA_API_KEY", "API_KEY"} {
		if v := os.Getenv(name); v != "" {
			cfg.Auth.APIKeys = v
			break
		}
	}
	if v := os.Getenv("VISTERIA_TRACK_AUTH"); v != "" {
		cfg.Auth.TrackAuth = v == "true" || v == "1"
	}

	if v := os.Getenv("VISIT_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.API.VisitHistoryLimit = n
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RateLimit.RedisURL = v
	}
	if v := os.Getenv("TRACK_RATE_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.TrackPerMinute = n
		}
	}

	return cfg, nil
}
