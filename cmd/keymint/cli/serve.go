package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keymintd/keymint/internal/config"
	"github.com/keymintd/keymint/internal/license"
	"github.com/keymintd/keymint/internal/server"
	"github.com/keymintd/keymint/internal/service"
	"github.com/keymintd/keymint/internal/telemetry"
)

const banner = `
 _  _____ ___ __  __ ___ _  _ _____
| |/ / __| __|  \/  |_ _| \| |_   _|
|   <| _|| _|| |\/| || || .' | | |
|_|\_\___|_| |_|  |_|___|_|\_| |_|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keymint API server",
		Long:  "Start the HTTP server that exposes the public verify endpoint and the admin key lifecycle API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg := loadEffectiveConfig()

	// Set up logger
	logLevel := slog.LevelInfo
	if dev || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var logger *slog.Logger
	if cfg.Logging.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	}

	// 1. Open the key store
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	logger.Info("key store opened", "backend", cfg.Store.Backend, "path", cfg.Store.Path)

	// 2. Build the license manager
	manager := buildManager(cfg, store, logger)

	// 3. Initialize admin auth
	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "keymint-dev-secret-change-me"
		logger.Warn("auth.jwt_secret not set - using the development default")
	}
	if cfg.Auth.AdminPasswordHash == "" {
		logger.Warn("auth.admin_password_hash not set - admin login is disabled; run: keymint admin hash-password")
	}
	authSvc := service.NewAuthService(jwtSecret, cfg.Auth.AdminPasswordHash,
		config.Duration(cfg.Auth.JWTExpiry, 0))

	// 4. Optional anonymous heartbeat
	tracker := telemetry.New(viper.GetString("telemetry.endpoint"), resolveDataDir(), func() telemetry.Properties {
		props := telemetry.Properties{
			Version:      appVersion,
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			StoreBackend: cfg.Store.Backend,
		}
		records, err := manager.List(context.Background())
		if err != nil {
			return props
		}
		props.Keys = len(records)
		for i := range records {
			props.Verifications += records[i].VerificationCount
		}
		return props
	})
	tracker.Start()
	defer tracker.Shutdown()

	// 5. Build and start the HTTP server
	srvCfg := server.Config{
		Host:                host,
		Port:                port,
		ShutdownTimeout:     config.Duration(cfg.Server.ShutdownTimeout, server.DefaultConfig().ShutdownTimeout),
		CORSOrigins:         cfg.Server.CORS.Origins,
		VerifyRatePerMinute: cfg.Server.VerifyRatePerMinute,
		SweepInterval:       config.Duration(cfg.License.SweepInterval, license.DefaultSweepInterval),
	}

	srv := server.New(srvCfg, manager, store, authSvc, logger)

	fmt.Printf("→ Keymint %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ Verify:  POST http://%s:%d/api/v1/verify\n", host, port)
	fmt.Printf("→ Health:  http://%s:%d/healthz\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}
