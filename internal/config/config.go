package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level keymint configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Store   StoreConfig   `yaml:"store"`
	License LicenseConfig `yaml:"license"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors"`
	// VerifyRatePerMinute limits verification requests per client IP at the
	// transport. Zero disables the limiter.
	VerifyRatePerMinute int `yaml:"verify_rate_per_minute"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// AuthConfig controls admin authentication.
type AuthConfig struct {
	// JWTSecret signs admin session tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// JWTExpiry is the session token lifetime (Go duration string).
	JWTExpiry string `yaml:"jwt_expiry"`
	// AdminPasswordHash is the hex SHA-256 of the admin password. Generate
	// one with `keymint admin hash-password`.
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// StoreConfig selects and configures the key store backend.
type StoreConfig struct {
	// Backend is "file" (JSON document, atomic rename) or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the store location: a JSON file for the file backend, a
	// database file for sqlite.
	Path string `yaml:"path"`
}

// LicenseConfig tunes the key lifecycle engine.
type LicenseConfig struct {
	// SigningSecret keys the integrity signatures over key codes.
	SigningSecret string `yaml:"signing_secret"`
	// CodePrefix is prepended to generated codes, e.g. "KEY-".
	CodePrefix string `yaml:"code_prefix"`
	// CodeLength is the number of random characters in generated codes.
	CodeLength int `yaml:"code_length"`
	// MaxDuration caps non-admin key durations (Go duration string, empty =
	// no cap).
	MaxDuration string `yaml:"max_duration"`
	// BulkLimit caps a single bulk-create call.
	BulkLimit int `yaml:"bulk_limit"`
	// SweepInterval is how often expired records are purged.
	SweepInterval string `yaml:"sweep_interval"`
	// MinVerifyInterval, when set, rejects back-to-back successful
	// verifications of the same key within the interval. Empty disables it.
	MinVerifyInterval string `yaml:"min_verify_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file. Environment variables
// referenced as ${VAR_NAME} in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-filled with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ShutdownTimeout:     "30s",
			CORS:                CORSConfig{Origins: []string{"*"}},
			VerifyRatePerMinute: 120,
		},
		Auth: AuthConfig{
			JWTExpiry: "24h",
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    "keys.json",
		},
		License: LicenseConfig{
			CodePrefix:    "KEY-",
			CodeLength:    16,
			MaxDuration:   "8760h", // one year
			BulkLimit:     100,
			SweepInterval: "60s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefault writes the default configuration to a YAML file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Duration parses a Go duration string, returning fallback when the string
// is empty or malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
