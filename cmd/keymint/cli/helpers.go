package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/keymintd/keymint/internal/config"
	"github.com/keymintd/keymint/internal/keystore"
	"github.com/keymintd/keymint/internal/license"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// KEYMINT_DATA_DIR env var, or ~/.keymint as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("KEYMINT_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.keymint"
}

// loadEffectiveConfig resolves the configuration: the YAML file viper found
// (if any) over built-in defaults, with secret values overridable through
// KEYMINT_* environment variables.
func loadEffectiveConfig() *config.Config {
	cfg := config.Default()
	if path := viper.ConfigFileUsed(); path != "" {
		if loaded, err := config.Load(path); err == nil {
			cfg = loaded
		}
	}

	if v := viper.GetString("auth.jwt_secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("auth.admin_password_hash"); v != "" {
		cfg.Auth.AdminPasswordHash = v
	}
	if v := viper.GetString("license.signing_secret"); v != "" {
		cfg.License.SigningSecret = v
	}
	return cfg
}

// openStore creates the configured key store backend. Relative paths resolve
// under the data directory.
func openStore(cfg *config.Config) (keystore.Store, error) {
	path := cfg.Store.Path
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(resolveDataDir(), path)
	}

	switch cfg.Store.Backend {
	case "", "file":
		return keystore.NewFileStore(path)
	case "sqlite":
		return keystore.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want file or sqlite)", cfg.Store.Backend)
	}
}

// buildManager wires the license manager from the effective configuration.
func buildManager(cfg *config.Config, store keystore.Store, logger *slog.Logger) *license.Manager {
	secret := cfg.License.SigningSecret
	if secret == "" {
		secret = "keymint-dev-secret-change-me"
		logger.Warn("license.signing_secret not set - using the development default")
	}

	return license.NewManager(
		store,
		license.NewSigner([]byte(secret)),
		license.NewGenerator(cfg.License.CodeLength),
		license.SystemClock{},
		logger,
		license.Config{
			MaxDuration:       config.Duration(cfg.License.MaxDuration, 0),
			BulkLimit:         cfg.License.BulkLimit,
			MinVerifyInterval: config.Duration(cfg.License.MinVerifyInterval, 0),
			CodePrefix:        cfg.License.CodePrefix,
		},
	)
}

// newCLILogger returns a quiet logger for one-shot CLI commands.
func newCLILogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if appVersion[0] == 'v' {
		return appVersion
	}
	return "v" + appVersion
}
