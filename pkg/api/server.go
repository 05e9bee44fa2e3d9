package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/cuemby/maestro/pkg/envelope"
	"github.com/cuemby/maestro/pkg/events"
	"github.com/cuemby/maestro/pkg/jobs"
	"github.com/cuemby/maestro/pkg/log"
	"github.com/cuemby/maestro/pkg/registry"
	"github.com/cuemby/maestro/pkg/results"
	"github.com/cuemby/maestro/pkg/router"
	"github.com/cuemby/maestro/pkg/types"
)

// ownerHeader carries the caller identity, verified upstream of this server.
const ownerHeader = "X-Maestro-Owner"

// Config holds the HTTP listener settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Deps are the core components the HTTP surface exposes.
type Deps struct {
	Manager  *jobs.Manager
	Registry *registry.Registry
	Router   *router.Router
	Results  *results.Store
	Verifier *envelope.Verifier
	Broker   *events.Broker
}

// Server is the caller-facing HTTP API plus the operator surface under
// /v1/workers and /v1/admin. Owner-scoped routes require the owner header;
// callback and operator routes do not.
type Server struct {
	cfg      Config
	manager  *jobs.Manager
	registry *registry.Registry
	router   *router.Router
	results  *results.Store
	verifier *envelope.Verifier
	broker   *events.Broker
	validate *validator.Validate
	logger   zerolog.Logger
	http     *http.Server
}

// New builds the server and its route tree.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		manager:  deps.Manager,
		registry: deps.Registry,
		router:   deps.Router,
		results:  deps.Results,
		verifier: deps.Verifier,
		broker:   deps.Broker,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ownerHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Route("/v1", func(r chi.Router) {
		// Owner-scoped caller surface.
		r.Group(func(r chi.Router) {
			r.Use(s.requireOwner)
			r.Post("/requests", s.handleSubmitRequest)
			r.Get("/requests/{id}", s.handleGetRequest)
			r.Delete("/requests/{id}", s.handleCancelRequest)
			r.Get("/requests/{id}/result", s.handleGetRequestResult)
			r.Get("/results", s.handleListResults)
			r.Get("/results/{id}", s.handleGetResult)
			r.Delete("/results/{id}", s.handleDeleteResult)
		})

		// Worker callbacks authenticate with the job's envelope, not an owner.
		r.Post("/callbacks/{job_id}", s.handleCallback)

		// Operator surface: perimeter-authenticated, no owner scoping.
		r.Post("/workers", s.handleRegisterWorker)
		r.Get("/workers", s.handleListWorkers)
		r.Get("/workers/{id}", s.handleGetWorker)
		r.Delete("/workers/{id}", s.handleDeregisterWorker)
		r.Post("/workers/{id}/probe", s.handleProbeWorker)
		r.Post("/workers/{id}/enable", s.handleEnableWorker)
		r.Post("/workers/{id}/disable", s.handleDisableWorker)

		r.Post("/admin/drain", s.handleDrain)
		r.Post("/admin/route-cache/flush", s.handleFlushRouteCache)
		r.Get("/admin/decisions", s.handleListDecisions)
		r.Get("/admin/stats", s.handleStats)
	})

	return r
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// errorBody is the JSON error shape every failure returns.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondErrorKind(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = message
	respondJSON(w, status, body)
}

// respondError maps the error taxonomy onto HTTP statuses. Owner mismatches
// are reported as not-found so request IDs do not leak across owners.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var ve validator.ValidationErrors
	var ee *types.EnvelopeError
	switch {
	case errors.Is(err, types.ErrNotFound):
		respondErrorKind(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, jobs.ErrNotCancellable):
		respondErrorKind(w, http.StatusConflict, "not_cancellable", err.Error())
	case errors.Is(err, types.ErrNoWorkerAvailable):
		respondErrorKind(w, http.StatusServiceUnavailable, "no_worker_available", err.Error())
	case errors.Is(err, types.ErrDraining):
		respondErrorKind(w, http.StatusServiceUnavailable, "draining", err.Error())
	case errors.As(err, &ee):
		respondErrorKind(w, http.StatusUnauthorized, types.ErrorKind(err), "envelope rejected")
	case errors.As(err, &ve):
		respondErrorKind(w, http.StatusBadRequest, "validation", ve.Error())
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		respondErrorKind(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
