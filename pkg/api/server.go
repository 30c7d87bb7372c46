// Package api wires the HTTP surface of the reporting server: the status
// endpoint, the study-scoped list endpoints and the dataset file endpoints,
// all behind identity and rate-limit middleware.
package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/delosis/psytools-server/pkg/auth"
	"github.com/delosis/psytools-server/pkg/config"
	"github.com/delosis/psytools-server/pkg/filestore"
	"github.com/delosis/psytools-server/pkg/httputil"
	"github.com/delosis/psytools-server/pkg/middleware"
	"github.com/delosis/psytools-server/pkg/observability"
	"github.com/delosis/psytools-server/pkg/report"
	"github.com/delosis/psytools-server/pkg/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Server holds the handler dependencies and the configured router
type Server struct {
	log     *observability.Logger
	metrics *observability.Metrics

	store      *store.Store
	files      filestore.FileStore
	aggregator *report.Aggregator

	identity        *middleware.Identity
	linkSigner      *auth.LinkSigner
	rateLimit       *middleware.RateLimit
	duplicatePolicy auth.DuplicatePolicy

	router *mux.Router
}

// NewServer creates the API server and registers all routes
func NewServer(
	cfg *config.Config,
	log *observability.Logger,
	metrics *observability.Metrics,
	st *store.Store,
	files filestore.FileStore,
	aggregator *report.Aggregator,
	limiter middleware.Limiter,
) *Server {
	s := &Server{
		log:             log,
		metrics:         metrics,
		store:           st,
		files:           files,
		aggregator:      aggregator,
		identity:        middleware.NewIdentity(cfg.Auth.JWTSecret, auth.DuplicatePolicy(cfg.Auth.GrantDuplicates)),
		linkSigner:      auth.NewLinkSigner(cfg.Auth.JWTSecret, cfg.Auth.DownloadLinkTTL),
		duplicatePolicy: auth.DuplicatePolicy(cfg.Auth.GrantDuplicates),
		router:          mux.NewRouter(),
	}
	if limiter != nil {
		s.rateLimit = middleware.NewRateLimit(limiter, log)
	}
	s.setupRoutes(cfg)
	return s
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(cfg *config.Config) {
	s.router.Use(otelhttp.NewMiddleware("psytools-server"))
	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.RecoveryMiddleware(s.log))
	s.router.Use(httputil.LoggingMiddleware(s.log))
	if s.metrics != nil {
		s.router.Use(s.metrics.HTTPMiddleware)
	}
	s.router.Use(httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes))

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// File downloads accept either a bearer identity or a signed link
	// token, so the route resolves its caller itself and the limiter can
	// only key on the client address.
	api.HandleFunc("/datasets/{datasetID}/files/{path:.+}/link", s.withCaller(s.limited(s.handleIssueLink))).Methods(http.MethodPost)
	api.HandleFunc("/datasets/{datasetID}/files/{path:.+}", s.limited(s.handleDownloadFile)).Methods(http.MethodGet)

	// The limiter runs after identity so each caller gets its own window;
	// limiting before identity would collapse everyone behind one gateway
	// address into a single window.
	authed := api.NewRoute().Subrouter()
	authed.Use(s.identity.Handler)
	if s.rateLimit != nil {
		authed.Use(s.rateLimit.Handler)
	}
	authed.HandleFunc("/studies/status", s.handleStatus).Methods(http.MethodGet)
	authed.HandleFunc("/studies/{studyID}/users", s.handleListUsers).Methods(http.MethodGet)
	authed.HandleFunc("/studies/{studyID}/logs", s.handleListTaskLogs).Methods(http.MethodGet)
	authed.HandleFunc("/datasets", s.handleListDatasets).Methods(http.MethodGet)
	authed.HandleFunc("/datasets/{datasetID}/files", s.handleListDatasetFiles).Methods(http.MethodGet)
}

// withCaller resolves the bearer identity for routes registered outside the
// identity-wrapped subrouter.
func (s *Server) withCaller(h http.HandlerFunc) http.HandlerFunc {
	wrapped := s.identity.Handler(h)
	return wrapped.ServeHTTP
}

// limited wraps a handler with the rate limiter. Wrapped inside withCaller
// the limiter keys on the caller id; standalone it keys on the client address.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	if s.rateLimit == nil {
		return h
	}
	wrapped := s.rateLimit.Handler(h)
	return wrapped.ServeHTTP
}

// writeError maps domain errors to client-facing outcomes without leaking
// internal detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *report.ValidationError
	switch {
	case errors.As(err, &vErr):
		httputil.WriteBadRequest(w, vErr.Error())
	case errors.Is(err, auth.ErrForbidden):
		if s.metrics != nil {
			s.metrics.ForbiddenTotal.WithLabelValues(r.URL.Path).Inc()
		}
		httputil.WriteForbidden(w, "insufficient permissions")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, filestore.ErrFileNotFound):
		httputil.WriteNotFound(w, "not found")
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		httputil.WriteInternalError(w)
	}
}
