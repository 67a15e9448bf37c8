// Package api serves the local status API of the gateway.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/auth"
	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/gateway"
	"github.com/lorawan-server/sc-gateway/internal/models"
)

// GatewayService is what the API needs from the control loop
type GatewayService interface {
	Status(ctx context.Context) (gateway.Status, error)
	ResetStats(ctx context.Context) (models.GatewayStats, error)
	Reconfigure(ctx context.Context, change gateway.RadioChange) (gateway.RadioStatus, error)
}

type contextKey string

const claimsKey contextKey = "claims"

// RESTServer represents the REST API server
type RESTServer struct {
	config config.APIConfig
	gw     GatewayService
	auth   *auth.JWTManager
	router chi.Router
	server *http.Server
}

// NewRESTServer creates a new REST API server. Operator endpoints require a
// bearer token only when a JWT secret is configured.
func NewRESTServer(cfg config.APIConfig, gw GatewayService) *RESTServer {
	s := &RESTServer{
		config: cfg,
		gw:     gw,
		router: chi.NewRouter(),
	}
	if cfg.JWTSecret != "" {
		s.auth = auth.NewJWTManager(cfg.JWTSecret)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.HandleHealth)
		r.Get("/status", s.HandleStatus)
		r.Get("/stats", s.HandleStats)
		r.Get("/radio", s.HandleRadio)

		r.Group(func(r chi.Router) {
			if s.auth != nil {
				r.Use(s.authMiddleware)
			}
			r.Post("/stats/reset", s.HandleResetStats)
			r.Put("/radio", s.HandleReconfigure)
		})
	})
}

// Handler returns the HTTP handler
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Bool("auth", s.auth != nil).Msg("Starting status API")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected operator request")
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// operator returns the subject of the authenticated operator, if any
func operator(r *http.Request) string {
	if claims, ok := r.Context().Value(claimsKey).(*auth.Claims); ok {
		return claims.Subject
	}
	return ""
}
