package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/directory-api/internal/fgas"
	"github.com/JakeFAU/directory-api/internal/logging"
	"github.com/JakeFAU/directory-api/internal/lookup"
	"github.com/JakeFAU/directory-api/internal/metrics"
	"github.com/JakeFAU/directory-api/internal/record"
	"github.com/JakeFAU/directory-api/internal/refcom"
)

const (
	livenessMessage    = "Scraper API is running."
	internalError      = "Internal Server Error"
	searchCompleted    = "search.completed"
	publishTimeout     = 10 * time.Second
	defaultReqDeadline = 180 * time.Second
)

// PlacesSearcher looks businesses up through the places directory.
type PlacesSearcher interface {
	Search(ctx context.Context, keyword, location string) ([]record.Record, error)
}

// RegistrySearcher queries the REFCOM registry.
type RegistrySearcher interface {
	Search(ctx context.Context, q refcom.Query) ([]record.Record, error)
}

// DirectoryScraper scrapes the F-Gas register directory.
type DirectoryScraper interface {
	Scrape(ctx context.Context, q fgas.Query) ([]record.Record, error)
}

// Publisher announces completed searches.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// IDGenerator mints and validates request IDs.
type IDGenerator interface {
	NewID() (string, error)
	Accept(candidate string) (string, bool)
}

// Clock supplies timestamps for notifications.
type Clock interface {
	Now() time.Time
}

// Options tune the HTTP surface.
type Options struct {
	RequestTimeout     time.Duration
	CORSAllowedOrigins []string
}

// Deps are the collaborators behind the routes. Publisher may be nil.
type Deps struct {
	Places    PlacesSearcher
	Registry  RegistrySearcher
	Directory DirectoryScraper
	Publisher Publisher
	IDs       IDGenerator
	Clock     Clock
	Logger    *zap.Logger
}

// SearchCompleted is published after every successful search.
type SearchCompleted struct {
	Source      string    `json:"source"`
	Records     int       `json:"records"`
	RequestID   string    `json:"request_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Server wires HTTP handlers to the source clients.
type Server struct {
	router     chi.Router
	deps       Deps
	logger     *zap.Logger
	publishing sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultReqDeadline
	}
	if len(opts.CORSAllowedOrigins) == 0 {
		opts.CORSAllowedOrigins = []string{"*"}
	}
	s := &Server{deps: deps, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(deps.IDs, s.logger))
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/", s.root)
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/scrape", func(r chi.Router) {
		r.Post("/google", s.scrapeGoogle)
		r.Post("/fgas", s.scrapeFGas)
		r.Post("/refcom", s.scrapeRefcom)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Drain waits for in-flight notifications to finish.
func (s *Server) Drain() {
	s.publishing.Wait()
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(livenessMessage)); err != nil {
		s.logger.Warn("liveness write failed", zap.Error(err))
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

type googleRequest struct {
	Keyword  string `json:"keyword"`
	Location string `json:"location"`
}

type fgasRequest struct {
	CompanyName     string `json:"companyName"`
	City            string `json:"city"`
	NumberOfRecords *int   `json:"numberOfRecords"`
}

type sourceResponse struct {
	Source     record.Source    `json:"source"`
	Normalized []record.Record `json:"normalized"`
}

func (s *Server) scrapeGoogle(w http.ResponseWriter, r *http.Request) {
	var req googleRequest
	if !s.decode(w, r, record.SourceGoogle, &req) {
		return
	}
	records, err := s.deps.Places.Search(r.Context(), req.Keyword, req.Location)
	if err != nil {
		s.fail(w, r, record.SourceGoogle, err)
		return
	}
	s.succeed(r, record.SourceGoogle, len(records))
	writeJSON(r.Context(), w, http.StatusOK, nonNil(records))
}

func (s *Server) scrapeFGas(w http.ResponseWriter, r *http.Request) {
	var req fgasRequest
	if !s.decode(w, r, record.SourceFGas, &req) {
		return
	}
	q := fgas.Query{CompanyName: req.CompanyName, City: req.City}
	if req.NumberOfRecords != nil {
		q.NumberOfRecords = *req.NumberOfRecords
	}
	records, err := s.deps.Directory.Scrape(r.Context(), q)
	if err != nil {
		s.fail(w, r, record.SourceFGas, err)
		return
	}
	s.succeed(r, record.SourceFGas, len(records))
	writeJSON(r.Context(), w, http.StatusOK, sourceResponse{Source: record.SourceFGas, Normalized: nonNil(records)})
}

func (s *Server) scrapeRefcom(w http.ResponseWriter, r *http.Request) {
	var req refcom.Query
	if !s.decode(w, r, record.SourceRefcom, &req) {
		return
	}
	records, err := s.deps.Registry.Search(r.Context(), req)
	if err != nil {
		s.fail(w, r, record.SourceRefcom, err)
		return
	}
	s.succeed(r, record.SourceRefcom, len(records))
	writeJSON(r.Context(), w, http.StatusOK, sourceResponse{Source: record.SourceRefcom, Normalized: nonNil(records)})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, source record.Source, dst any) bool {
	if err := decodeBody(r, dst); err != nil {
		s.fail(w, r, source, err)
		return false
	}
	return true
}

// fail is the single error funnel. Only invalid-request messages reach the
// caller; everything else is logged and answered with a generic 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, source record.Source, err error) {
	logger := logging.FromContext(r.Context(), s.logger).With(zap.String("source", string(source)))
	if errors.Is(err, lookup.ErrInvalidRequest) {
		metrics.ObserveSearch(string(source), metrics.OutcomeInvalid, 0)
		logger.Info("invalid search request", zap.Error(err))
		writeError(r.Context(), w, http.StatusBadRequest, lookup.Message(err))
		return
	}
	metrics.ObserveSearch(string(source), metrics.OutcomeFailure, 0)
	logger.Error("search failed", zap.Error(err))
	writeError(r.Context(), w, http.StatusInternalServerError, internalError)
}

func (s *Server) succeed(r *http.Request, source record.Source, count int) {
	metrics.ObserveSearch(string(source), metrics.OutcomeSuccess, count)
	logging.FromContext(r.Context(), s.logger).Info("search completed",
		zap.String("source", string(source)),
		zap.Int("records", count),
	)
	s.notify(r, source, count)
}

// notify publishes in the background so slow brokers never delay responses.
func (s *Server) notify(r *http.Request, source record.Source, count int) {
	if s.deps.Publisher == nil {
		return
	}
	event := SearchCompleted{
		Source:      string(source),
		Records:     count,
		RequestID:   RequestID(r.Context()),
		CompletedAt: s.now(),
	}
	logger := logging.FromContext(r.Context(), s.logger)
	ctx := context.WithoutCancel(r.Context())

	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		id, err := s.deps.Publisher.Publish(ctx, searchCompleted, event)
		if err != nil {
			logger.Warn("publish search notification failed", zap.Error(err))
			return
		}
		logger.Debug("search notification published", zap.String("message_id", id))
	}()
}

func (s *Server) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now()
}

func nonNil(records []record.Record) []record.Record {
	if records == nil {
		return []record.Record{}
	}
	return records
}
