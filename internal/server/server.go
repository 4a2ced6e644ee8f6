package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keymintd/keymint/internal/handler"
	"github.com/keymintd/keymint/internal/keystore"
	"github.com/keymintd/keymint/internal/license"
	"github.com/keymintd/keymint/internal/server/middleware"
	"github.com/keymintd/keymint/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host                string
	Port                int
	ShutdownTimeout     time.Duration
	CORSOrigins         []string
	VerifyRatePerMinute int // per-IP limit on the verify endpoint, 0 disables
	SweepInterval       time.Duration
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                8080,
		ShutdownTimeout:     30 * time.Second,
		CORSOrigins:         []string{"*"},
		VerifyRatePerMinute: 120,
		SweepInterval:       license.DefaultSweepInterval,
	}
}

// Server is the top-level HTTP server for keymint. It owns the Chi router,
// the license manager, the key store, and the authentication service.
type Server struct {
	cfg        Config
	router     chi.Router
	manager    *license.Manager
	store      keystore.Store
	authSvc    *service.AuthService
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, manager *license.Manager, store keystore.Store, authSvc *service.AuthService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		store:   store,
		authSvc: authSvc,
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		verifyHandler := handler.NewVerifyHandler(s.manager)
		sysHandler := handler.NewSystemHandler(s.manager, s.authSvc)

		// Public verification endpoint, rate-limited per IP.
		r.Group(func(r chi.Router) {
			if s.cfg.VerifyRatePerMinute > 0 {
				r.Use(middleware.RateLimit(s.cfg.VerifyRatePerMinute))
			}
			r.Post("/verify", verifyHandler.Verify)
		})

		// Session endpoint is unauthenticated (login).
		r.Post("/admin/session", sysHandler.Login)

		// All key lifecycle endpoints require admin authentication.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.authSvc))
			r.Use(middleware.RequireAdmin())

			r.Get("/key", sysHandler.ListKeys)
			r.Post("/key", sysHandler.CreateKey)
			r.Post("/key/bulk", sysHandler.BulkCreateKeys)
			r.Get("/key/{code}", sysHandler.GetKey)
			r.Delete("/key/{code}", sysHandler.DeleteKey)
			r.Post("/key/{code}/extend", sysHandler.ExtendKey)
			r.Put("/key/{code}/expiry", sysHandler.SetKeyExpiry)
			r.Post("/key/{code}/reset-devices", sysHandler.ResetKeyDevices)
			r.Put("/key/{code}/devices", sysHandler.SetKeyDevices)
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the key store can be
// read, or 503 if it is unavailable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	if _, err := s.store.LoadAll(r.Context()); err != nil {
		checks["keystore"] = "error: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["keystore"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It runs the expiry sweeper in the background for the life of
// the server, then performs a graceful shutdown, draining in-flight requests
// before closing the key store.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background expiry sweeper, stopped with the signal context.
	go s.manager.RunSweeper(ctx, s.cfg.SweepInterval)

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Warn("key store close failed", "error", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
