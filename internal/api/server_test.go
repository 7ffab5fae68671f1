package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/directory-api/internal/fgas"
	"github.com/JakeFAU/directory-api/internal/logging"
	"github.com/JakeFAU/directory-api/internal/lookup"
	"github.com/JakeFAU/directory-api/internal/publisher/memory"
	"github.com/JakeFAU/directory-api/internal/record"
	"github.com/JakeFAU/directory-api/internal/refcom"
)

type fakePlaces struct {
	records  []record.Record
	err      error
	keyword  string
	location string
}

func (f *fakePlaces) Search(_ context.Context, keyword, location string) ([]record.Record, error) {
	f.keyword, f.location = keyword, location
	if keyword == "" || location == "" {
		return nil, lookup.InvalidRequest("Missing keyword or location in body.")
	}
	return f.records, f.err
}

type fakeRegistry struct {
	records []record.Record
	query   refcom.Query
}

func (f *fakeRegistry) Search(_ context.Context, q refcom.Query) ([]record.Record, error) {
	f.query = q
	if q.CompanyName == "" && q.Postcode == "" && q.RegistrationNumber == "" {
		return nil, lookup.InvalidRequest("Provide at least one of: companyName, postcode, registrationNumber")
	}
	return f.records, nil
}

type fakeDirectory struct {
	records  []record.Record
	err      error
	query    fgas.Query
	deadline bool
	panics   bool
}

func (f *fakeDirectory) Scrape(ctx context.Context, q fgas.Query) ([]record.Record, error) {
	if f.panics {
		panic("browser exploded")
	}
	f.query = q
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type fakeIDs struct {
	mu   sync.Mutex
	next int
}

func (f *fakeIDs) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("req-%d", f.next), nil
}

func (f *fakeIDs) Accept(candidate string) (string, bool) {
	if strings.HasPrefix(candidate, "upstream-") {
		return candidate, true
	}
	return "", false
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("broker down")
}

type fixture struct {
	places    *fakePlaces
	registry  *fakeRegistry
	directory *fakeDirectory
	publisher *memory.Publisher
	server    *Server
}

func newFixture(t *testing.T, logger *zap.Logger) *fixture {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &fixture{
		places:    &fakePlaces{},
		registry:  &fakeRegistry{},
		directory: &fakeDirectory{},
		publisher: memory.New(),
	}
	f.server = NewServer(Deps{
		Places:    f.places,
		Registry:  f.registry,
		Directory: f.directory,
		Publisher: f.publisher,
		IDs:       &fakeIDs{},
		Clock:     fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
		Logger:    logger,
	}, Options{RequestTimeout: time.Minute})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func named(names ...string) []record.Record {
	out := make([]record.Record, 0, len(names))
	for _, n := range names {
		r := record.New()
		r.CompanyName = n
		out = append(out, r)
	}
	return out
}

func TestServer_RootLiveness(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Scraper API is running.", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.places.records = named("Acme")
	f.do(http.MethodPost, "/scrape/google", `{"keyword":"plumber","location":"Leeds"}`)

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "directory_searches_total")
}

func TestServer_GoogleReturnsBareArray(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.places.records = named("Acme Plumbing", "Best Boilers")

	rec := f.do(http.MethodPost, "/scrape/google", `{"keyword":"plumber","location":"Leeds"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, "Best Boilers", body[1]["Company Name"])
	assert.Equal(t, []any{}, body[0]["Attachments"])
	assert.Equal(t, "plumber", f.places.keyword)
}

func TestServer_GoogleEmptyResultIsEmptyArray(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/scrape/google", `{"keyword":"plumber","location":"Leeds"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_GoogleMissingFields(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/scrape/google", `{"keyword":"plumber"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing keyword or location in body."}`, rec.Body.String())
}

func TestServer_GoogleUpstreamFailureIsGeneric500(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	f := newFixture(t, zap.New(core))
	f.places.err = fmt.Errorf("geocode: %w", lookup.ErrGeocodeNotFound)

	rec := f.do(http.MethodPost, "/scrape/google", `{"keyword":"plumber","location":"Nowhere"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "geocode")

	failures := logs.FilterMessage("search failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "req-1", failures[0].ContextMap()["request_id"])
	assert.Empty(t, f.publisher.Messages())
}

func TestServer_InvalidJSON(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	for _, path := range []string{"/scrape/google", "/scrape/fgas", "/scrape/refcom"} {
		rec := f.do(http.MethodPost, path, `{"keyword":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.JSONEq(t, `{"error":"Invalid JSON body."}`, rec.Body.String(), path)
	}
}

func TestServer_FGasWrapsResultsAndPassesQuery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.directory.records = named("Cool Air Ltd")

	rec := f.do(http.MethodPost, "/scrape/fgas", `{"companyName":"cool","city":"York","numberOfRecords":3}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Source     string           `json:"source"`
		Normalized []map[string]any `json:"normalized"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "fgas", body.Source)
	require.Len(t, body.Normalized, 1)
	assert.Equal(t, fgas.Query{CompanyName: "cool", City: "York", NumberOfRecords: 3}, f.directory.query)
	assert.True(t, f.directory.deadline, "scrape must run under the request deadline")
}

func TestServer_FGasOmittedCountUsesDefault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/scrape/fgas", `{"city":"York"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"source":"fgas","normalized":[]}`, rec.Body.String())
	assert.Zero(t, f.directory.query.NumberOfRecords)
}

func TestServer_FGasErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{
			name:   "invalid",
			err:    lookup.InvalidRequest("At least one of companyName or city is required."),
			status: http.StatusBadRequest,
			body:   `{"error":"At least one of companyName or city is required."}`,
		},
		{
			name:   "frames",
			err:    fmt.Errorf("locate frames: %w", lookup.ErrFrameNotFound),
			status: http.StatusInternalServerError,
			body:   `{"error":"Internal Server Error"}`,
		},
		{
			name:   "timeout",
			err:    fmt.Errorf("submit search: %w: %w", lookup.ErrUpstream, context.DeadlineExceeded),
			status: http.StatusInternalServerError,
			body:   `{"error":"Internal Server Error"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			f.directory.err = tt.err
			rec := f.do(http.MethodPost, "/scrape/fgas", `{}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}

func TestServer_RefcomWrapsResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.registry.records = named("Chill Co")

	rec := f.do(http.MethodPost, "/scrape/refcom", `{"postcode":"LS1 1AA"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"source":"refcom"`)
	assert.Contains(t, rec.Body.String(), `"Company Name":"Chill Co"`)
	assert.Equal(t, "LS1 1AA", f.registry.query.Postcode)
}

func TestServer_RefcomEmptyBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/scrape/refcom", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Provide at least one of: companyName, postcode, registrationNumber"}`, rec.Body.String())
}

func TestServer_PublishesSearchCompleted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.registry.records = named("A", "B")

	req := httptest.NewRequest(http.MethodPost, "/scrape/refcom", strings.NewReader(`{"companyName":"chill"}`))
	req.Header.Set("X-Request-ID", "upstream-42")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream-42", rec.Header().Get("X-Request-ID"))

	f.server.Drain()
	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "search.completed", msgs[0].Event)
	assert.Equal(t, SearchCompleted{
		Source:      "refcom",
		Records:     2,
		RequestID:   "upstream-42",
		CompletedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}, msgs[0].Payload)
}

func TestServer_PublishFailureIsOnlyLogged(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	server := NewServer(Deps{
		Places:    &fakePlaces{records: named("A")},
		Registry:  &fakeRegistry{},
		Directory: &fakeDirectory{},
		Publisher: failingPublisher{},
		IDs:       &fakeIDs{},
		Logger:    zap.New(core),
	}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/scrape/google", strings.NewReader(`{"keyword":"k","location":"l"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	server.Drain()
	assert.Equal(t, 1, logs.FilterMessage("publish search notification failed").Len())
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.directory.panics = true
	rec := f.do(http.MethodPost, "/scrape/fgas", `{"city":"York"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, rec.Body.String())
}

func TestRecoverMiddleware_KeepsPartialResponse(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	handler := recoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[`)) //nolint:errcheck
		panic("encoder exploded")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(logging.WithContext(req.Context(), zap.New(core)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `[`, rec.Body.String())
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
	assert.Equal(t, true, logs.FilterMessage("panic recovered").All()[0].ContextMap()["headers_written"])
}

func TestServer_CORSPreflight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/scrape/google", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_UnknownRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/scrape/google", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
