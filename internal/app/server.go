package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/Medico/internal/api/middlewares"
	"github.com/markdave123-py/Medico/internal/config"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// NewRouter wires every route under /api/v1.
func NewRouter(cfg *config.Config, svc *Services, log *zap.Logger) http.Handler {
	reportHandler := handlers.NewReportHandler(svc.Reports, cfg.MaxUploadSize, log)
	chatHandler := handlers.NewChatHandler(svc.Chat, log)
	userHandler := handlers.NewUserHandler(svc.Accounts, log)
	healthHandler := handlers.NewHealthHandler(svc.Health)
	authHandler := handlers.NewAuthHandler(log.Named("auth"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.RequestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(api chi.Router) {
		// public endpoints
		api.Get("/health", healthHandler.Health)
		api.Get("/health/detailed", healthHandler.Detailed)
		api.Get("/health/ping", healthHandler.Ping)

		// protected endpoints
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.Auth(appMiddleware.AuthConfig{
				Secret:          cfg.JWTSecret,
				Issuer:          cfg.JWTIssuer,
				RequireVerified: cfg.RequireVerifiedEmail,
			}, svc.Accounts, log.Named("auth")))

			// streaming turns run as long as the model keeps talking
			protected.Post("/chat", chatHandler.Chat)

			// uploads run extraction and analysis inline
			protected.With(middleware.Timeout(5*time.Minute)).Post("/reports/upload", reportHandler.Upload)

			protected.Group(func(short chi.Router) {
				short.Use(middleware.Timeout(60 * time.Second))

				short.Get("/reports", reportHandler.List)
				short.Get("/reports/{id}", reportHandler.Get)
				short.Get("/reports/{id}/analysis", reportHandler.Analysis)
				short.Delete("/reports/{id}", reportHandler.Delete)

				short.Get("/chat/sessions", chatHandler.Sessions)
				short.Get("/chat/sessions/{id}", chatHandler.Session)
				short.Delete("/chat/sessions/{id}", chatHandler.DeleteSession)
				short.Get("/chat/history", chatHandler.History)

				short.Get("/users/me", userHandler.Me)
				short.Patch("/users/me", userHandler.UpdateMe)
				short.Delete("/users/me", userHandler.DeleteMe)

				short.Get("/auth/me", authHandler.Me)
				short.Post("/auth/logout", authHandler.Logout)
				short.Post("/auth/refresh", authHandler.Refresh)
			})
		})
	})

	return r
}

func NewServer(cfg *config.Config, svc *Services, log *zap.Logger) *Server {
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(cfg, svc, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: httpSrv, log: log}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
