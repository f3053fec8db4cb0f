package restapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/stores"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

// Config configures the HTTP server.
type Config struct {
	ListenAddress      string
	CORSAllowedOrigins []string
	// DefaultServiceID is the tenant used for service-scoped entities when
	// a request omits service_id.
	DefaultServiceID string
	DefaultPageLimit int
	MaxPageLimit     int
	ShutdownTimeout  time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddress:      ":8080",
		CORSAllowedOrigins: []string{"*"},
		DefaultPageLimit:   model.DefaultLimit,
		MaxPageLimit:       model.MaxLimit,
		ShutdownTimeout:    10 * time.Second,
	}
}

// Server serves the REST API over the read side of a store bundle.
type Server struct {
	cfg     Config
	stores  *stores.View
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	router  chi.Router
}

// NewServer builds the router. tel may be nil.
func NewServer(cfg Config, st *stores.View, tel *telemetry.Telemetry) *Server {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	if cfg.DefaultPageLimit <= 0 {
		cfg.DefaultPageLimit = model.DefaultLimit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		stores:  st,
		logger:  tel.Logger.NewComponentLogger("restapi"),
		metrics: tel.Metrics,
		tracer:  tel.Tracer,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderProtocolVersion},
		MaxAge:         300,
	}))
	r.Use(negotiateProtocol(s.logger))

	st := s.stores
	r.Get("/organization", listRecords(s, st.Organizations, nil))
	r.Get("/organization/{org_id}", getRecord(s, st.Organizations, pathKey("org_id")))

	r.Get("/agent", listRecords(s, st.Agents, queryGroup("org_id")))
	r.Get("/agent/{public_key}", getRecord(s, st.Agents, pathKey("public_key")))

	r.Get("/role/{org_id}", listRecords(s, st.Roles, pathGroup("org_id")))
	r.Get("/role/{org_id}/{name}", getRecord(s, st.Roles, pathKey("org_id", "name")))

	r.Get("/schema", listRecords(s, st.Schemas, queryGroup("owner")))
	r.Get("/schema/{name}", getRecord(s, st.Schemas, pathKey("name")))

	r.Get("/product", listRecords(s, st.Products, queryGroup("owner")))
	r.Get("/product/{product_id}", getRecord(s, st.Products, pathKey("product_id")))

	r.Get("/location", listRecords(s, st.Locations, queryGroup("owner")))
	r.Get("/location/{location_id}", getRecord(s, st.Locations, pathKey("location_id")))

	r.Get("/record", listRecords(s, st.Provenance, queryGroup("schema")))
	r.Get("/record/{record_id}", getRecord(s, st.Provenance, pathKey("record_id")))

	r.Get("/commit/head", s.commitHead)
	r.Get("/commit", s.listCommits)

	r.Post("/batches", s.submitBatches)
	r.Get("/batch_statuses", s.batchStatuses)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run listens on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", s.cfg.ListenAddress).Info("REST API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("REST API shutting down")
	return srv.Shutdown(shutdownCtx)
}

// instrument logs, meters and traces every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := telemetry.NewTimer()
		ctx, span := s.tracer.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)

		s.metrics.RecordHTTPRequest(r.Method, route, status, timer.Duration())
		s.logger.WithFields(map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"latency":    timer.Duration().String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request served")
	})
}

// requestID keeps the caller's X-Request-Id or assigns a new UUID, and makes
// it available through middleware.GetReqID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
