package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/codremit/codremit/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server around an assembled handler.
func NewServer(cfg domain.ServerConfig, handler *Handler) *Server {
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no account required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Inbound callbacks authenticate themselves, not via account header:
	// carrier webhooks by signature, settlement notices by provider ref.
	router.Post("/carriers/{carrierID}/events", handler.CarrierEvent)
	router.Post("/payouts/settlement", handler.Settlement)

	// API routes (account required)
	router.Route("/", func(r chi.Router) {
		r.Use(AccountMiddleware)

		// Order gating and the customer risk ledger
		r.Post("/orders/score", handler.ScoreOrder)
		r.Post("/orders/outcome", handler.RecordOutcome)
		r.Post("/profiles/blacklist", handler.Blacklist)
		r.Post("/rules/reload", handler.ReloadFlagRules)

		// Collectibles and their audit trail
		r.Post("/collectibles", handler.RegisterCollectible)
		r.Get("/collectibles/{id}", handler.GetCollectible)
		r.Get("/collectibles/{id}/timeline", handler.GetTimeline)

		// Bulk settlement files
		r.Post("/files", handler.UploadFile)

		// Discrepancy workflow
		r.Get("/discrepancies", handler.ListDiscrepancies)
		r.Get("/discrepancies/{id}", handler.GetDiscrepancy)
		r.Post("/discrepancies/{id}/transition", handler.TransitionDiscrepancy)
		r.Post("/discrepancies/{id}/resolve", handler.ResolveDiscrepancy)
		r.Post("/discrepancies/{id}/accept", handler.AcceptDiscrepancy)

		// Remittance
		r.Get("/eligibility", handler.GetEligibility)
		r.Post("/batches", handler.CreateBatch)
		r.Get("/batches/{id}", handler.GetBatch)
		r.Post("/batches/{id}/approve", handler.ApproveBatch)
		r.Post("/batches/{id}/cancel", handler.CancelBatch)
		r.Post("/batches/{id}/payout", handler.ExecutePayout)

		// Analytics
		r.Get("/forecast", handler.GetForecast)
		r.Get("/forecast/health", handler.GetHealthSummary)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
