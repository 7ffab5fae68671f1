package refcom

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/directory-api/internal/lookup"
	"github.com/JakeFAU/directory-api/internal/record"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(0, 0).UTC() }

type registryStub struct {
	mu      sync.Mutex
	calls   []string
	byName  string
	byCode  string
	byPost  string
	failFor string
}

func (s *registryStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var key, body string
	switch {
	case r.URL.Path == byPostcodePath:
		key, body = "postcode", s.byPost
		if q.Get("radius") != "10" || q.Get("scheme") != "both" {
			http.Error(w, "bad params", http.StatusBadRequest)
			return
		}
	case r.URL.Path == byNamePath && q.Get("certificateCode") != "":
		key, body = "code", s.byCode
	case r.URL.Path == byNamePath:
		key, body = "name", s.byName
	default:
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	s.calls = append(s.calls, key)
	s.mu.Unlock()
	if key == s.failFor {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body)) //nolint:errcheck
}

func newTestClient(t *testing.T, stub *registryStub, logger *zap.Logger) *Client {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, record.NewNormalizer(fixedClock{}, nil), logger)
}

func names(recs []record.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.CompanyName)
	}
	return out
}

func TestSearch_DeduplicatesAcrossQueries(t *testing.T) {
	t.Parallel()

	stub := &registryStub{
		byName: `[{"companyId": 1, "companyName": "One"}, {"companyId": 2, "companyName": "Two"}]`,
		byCode: `{"companyId": 2, "companyName": "Two again"}`,
		byPost: `[{"companyId": 3, "companyName": "Three"}, null, {"companyId": 1, "companyName": "One again"}]`,
	}
	client := newTestClient(t, stub, nil)

	recs, err := client.Search(context.Background(), Query{
		CompanyName:        "o",
		RegistrationNumber: "REF-2",
		Postcode:           "LS1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"One", "Two", "Three"}, names(recs))
	assert.Equal(t, []string{"name", "code", "postcode"}, stub.calls)
}

func TestSearch_KeepsEntriesWithoutCompanyID(t *testing.T) {
	t.Parallel()

	stub := &registryStub{
		byName: `[{"companyName": "Anon One"}, {"companyId": null, "companyName": "Anon Two"}]`,
		byPost: `[{"companyId": "", "companyName": "Anon Three"}]`,
	}
	client := newTestClient(t, stub, nil)

	recs, err := client.Search(context.Background(), Query{CompanyName: "anon", Postcode: "LS1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Anon One", "Anon Two", "Anon Three"}, names(recs))
}

func TestSearch_OnlyRunsRequestedQueries(t *testing.T) {
	t.Parallel()

	stub := &registryStub{byPost: `{"companyId": "x", "companyName": "Solo"}`}
	client := newTestClient(t, stub, nil)

	recs, err := client.Search(context.Background(), Query{Postcode: "YO1 7HH"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Solo"}, names(recs))
	assert.Equal(t, []string{"postcode"}, stub.calls)
}

func TestSearch_FailedQueryIsSkipped(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	stub := &registryStub{
		byName:  `[{"companyId": 1, "companyName": "Unreachable"}]`,
		byPost:  `[{"companyId": 5, "companyName": "Five"}]`,
		failFor: "name",
	}
	client := newTestClient(t, stub, zap.New(core))

	recs, err := client.Search(context.Background(), Query{CompanyName: "x", Postcode: "LS1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Five"}, names(recs))
	assert.Equal(t, 1, logs.FilterMessage("registry query failed").Len())
}

func TestSearch_AllQueriesFailReturnsEmpty(t *testing.T) {
	t.Parallel()

	stub := &registryStub{byName: `not json`}
	client := newTestClient(t, stub, nil)

	recs, err := client.Search(context.Background(), Query{CompanyName: "x"})
	require.NoError(t, err)
	require.NotNil(t, recs)
	require.Empty(t, recs)
}

func TestSearch_RequiresInput(t *testing.T) {
	t.Parallel()

	stub := &registryStub{}
	client := newTestClient(t, stub, nil)

	_, err := client.Search(context.Background(), Query{CompanyName: "  "})
	require.ErrorIs(t, err, lookup.ErrInvalidRequest)
	require.Empty(t, stub.calls)
}

func TestSearch_NormalizesEntries(t *testing.T) {
	t.Parallel()

	stub := &registryStub{byName: `{"companyId": 9, "companyName": "Cold Ltd", "town": "Hull", "postcode": "HU1", "fGas": true, "fGasCode": "FG9"}`}
	client := newTestClient(t, stub, nil)

	recs, err := client.Search(context.Background(), Query{CompanyName: "cold"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Hull, HU1", recs[0].Address)
	assert.Equal(t, "FGAS Registered", recs[0].ServicesOffered)
	assert.Equal(t, "FG9", recs[0].FileNumber)
}

func TestDecodeEntries(t *testing.T) {
	t.Parallel()

	entries, err := decodeEntries([]byte(" null "))
	require.NoError(t, err)
	require.Empty(t, entries)

	entries, err = decodeEntries([]byte(`[{"companyId": 1}, "junk", {"companyId": "2"}]`))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, record.Text("2"), entries[1].CompanyID)

	_, err = decodeEntries([]byte(`[{"companyId": 1}`))
	require.Error(t, err)
}

func TestPlanOrderAndParams(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil, nil)
	calls := c.plan(Query{CompanyName: "n", Postcode: "p", RegistrationNumber: "r"})
	require.Len(t, calls, 3)
	assert.Equal(t, "by_name", calls[0].operation)
	assert.Equal(t, "by_certificate", calls[1].operation)
	assert.Equal(t, "r", calls[1].params.Get("certificateCode"))
	assert.Equal(t, "by_postcode", calls[2].operation)
	assert.Equal(t, "10", calls[2].params.Get("radius"))
	assert.Equal(t, "both", calls[2].params.Get("scheme"))
}
