package httpserver

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/shepherdsync/backend/internal/auth"
	"github.com/shepherdsync/backend/internal/config"
	"github.com/shepherdsync/backend/internal/handlers"
	"github.com/shepherdsync/backend/internal/middleware"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/store"
	"github.com/shepherdsync/backend/internal/worker"
)

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// Deps carries the constructed clients the router wires together.
type Deps struct {
	DB       *sql.DB
	Store    *store.Store
	JobStore *store.JobStore
	Issuer   *auth.Issuer
	Gateway  handlers.PaymentGateway
	Worker   *worker.Worker
}

// New constructs the HTTP server and mounts every route.
//
// Route layout: /healthz and /api/auth plus the payment webhook are
// public. Everything else sits behind token auth and tenant
// resolution, with reporting and branding behind plan gates.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(middleware.NewRequestTracker(deps.Store).Middleware())

	authHandler := handlers.NewAuthHandler(deps.Store, deps.JobStore, deps.Issuer, cfg.TrialPeriodDays, cfg.FrontendURL)
	orgHandler := handlers.NewOrganizationHandler(deps.Store)
	userHandler := handlers.NewUserHandler(deps.Store, deps.JobStore, cfg.FrontendURL)
	memberHandler := handlers.NewMemberHandler(deps.Store)
	eventHandler := handlers.NewEventHandler(deps.Store, deps.Gateway, deps.JobStore)
	donationHandler := handlers.NewDonationHandler(deps.Store, deps.Gateway, deps.JobStore, cfg.StripeWebhookSecret)
	jobsHandler := handlers.NewJobsHandler(deps.Worker, deps.JobStore)

	router.Get("/healthz", handlers.Health(deps.DB))
	router.Route("/api/auth", authHandler.RegisterRoutes)
	router.Post("/api/donations/webhook", donationHandler.HandleWebhook)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Authenticator(deps.Issuer))
		r.Use(middleware.TenantResolver(deps.Store))

		r.Route("/api/organizations", func(r chi.Router) {
			orgHandler.RegisterRoutes(r)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequirePlan(models.PlanPremium))
				orgHandler.RegisterBrandingRoutes(r)
			})
		})
		r.Route("/api/users", userHandler.RegisterRoutes)
		r.Route("/api/jobs", jobsHandler.RegisterRoutes)
		r.Route("/api/members", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequirePlan(models.PlanPro))
				memberHandler.RegisterReportingRoutes(r)
			})
			memberHandler.RegisterRoutes(r)
		})
		r.Route("/api/events", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequirePlan(models.PlanPro))
				eventHandler.RegisterReportingRoutes(r)
			})
			eventHandler.RegisterRoutes(r)
		})
		r.Route("/api/donations", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequirePlan(models.PlanPro))
				donationHandler.RegisterReportingRoutes(r)
			})
			donationHandler.RegisterRoutes(r)
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker}
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start() error {
	if s.worker != nil {
		log.Println("[server] Starting job worker...")
		s.worker.Start(context.Background())
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		log.Println("[server] Shutting down job worker...")
		if err := s.worker.Stop(ctx); err != nil {
			log.Printf("[server] Worker shutdown error: %v", err)
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
