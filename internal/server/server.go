package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/otso-systems/gridtrader/internal/clients/marketdata"
	"github.com/otso-systems/gridtrader/internal/config"
	"github.com/otso-systems/gridtrader/internal/database"
	"github.com/otso-systems/gridtrader/internal/execution"
	"github.com/otso-systems/gridtrader/internal/gridplan"
	"github.com/otso-systems/gridtrader/internal/store"
)

// Config holds the dependencies the HTTP layer needs — the same
// repositories, planner, engine and feed the scheduler jobs use, so the
// API surface and the background workers never observe different state.
type Config struct {
	Port        int
	Log         zerolog.Logger
	DB          *database.DB
	Cfg         *config.Config
	DevMode     bool
	Grids       *store.GridRepository
	Orders      *store.OrderRepository
	Portfolios  *store.PortfolioRepository
	Alerts      *store.AlertRepository
	ManualFills *store.ManualFillRepository
	Feed        marketdata.Port
	Planner     *gridplan.Planner
	Engine      *execution.Engine
}

// Server exposes spec.md §6's HTTP API surface over chi.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	db          *database.DB
	cfg         *config.Config
	grids       *store.GridRepository
	orders      *store.OrderRepository
	portfolios  *store.PortfolioRepository
	alerts      *store.AlertRepository
	manualFills *store.ManualFillRepository
	feed        marketdata.Port
	planner     *gridplan.Planner
	engine      *execution.Engine
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		db:          cfg.DB,
		cfg:         cfg.Cfg,
		grids:       cfg.Grids,
		orders:      cfg.Orders,
		portfolios:  cfg.Portfolios,
		alerts:      cfg.Alerts,
		manualFills: cfg.ManualFills,
		feed:        cfg.Feed,
		planner:     cfg.Planner,
		engine:      cfg.Engine,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware.
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
		})

		r.Route("/grids", func(r chi.Router) {
			r.Post("/", s.handleCreateGrid)
			r.Get("/", s.handleListGrids)
			r.Get("/{id}", s.handleGetGrid)
			r.Delete("/{id}", s.handleDeleteGrid)
		})

		r.Post("/transactions", s.handleCreateTransaction)

		r.Route("/portfolios/{id}", func(r chi.Router) {
			r.Post("/update-cash", s.handleUpdateCash)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
