// Package refcom queries the REFCOM public company register. Queries are
// best-effort: a failed lookup is logged and the remaining ones still run.
package refcom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/directory-api/internal/lookup"
	"github.com/JakeFAU/directory-api/internal/metrics"
	"github.com/JakeFAU/directory-api/internal/record"
)

const (
	defaultBaseURL = "https://api.refcom.org.uk/api/PublicCompany"
	defaultRadius  = 10
	defaultScheme  = "both"

	byNamePath     = "/GetByName"
	byPostcodePath = "/GetByPostcode"
)

// Config controls the registry client.
type Config struct {
	BaseURL        string
	PostcodeRadius int
	Scheme         string
	UserAgent      string
	Timeout        time.Duration
}

// Query holds the optional search inputs; at least one must be set.
type Query struct {
	CompanyName        string `json:"companyName"`
	Postcode           string `json:"postcode"`
	RegistrationNumber string `json:"registrationNumber"`
}

func (q Query) trimmed() Query {
	return Query{
		CompanyName:        strings.TrimSpace(q.CompanyName),
		Postcode:           strings.TrimSpace(q.Postcode),
		RegistrationNumber: strings.TrimSpace(q.RegistrationNumber),
	}
}

// Client runs registry lookups through a colly collector.
type Client struct {
	cfg        Config
	collector  *colly.Collector
	normalizer *record.Normalizer
	logger     *zap.Logger
}

// New builds a registry client.
func New(cfg Config, normalizer *record.Normalizer, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PostcodeRadius <= 0 {
		cfg.PostcodeRadius = defaultRadius
	}
	if cfg.Scheme == "" {
		cfg.Scheme = defaultScheme
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	return &Client{
		cfg:        cfg,
		collector:  c,
		normalizer: normalizer,
		logger:     logger,
	}
}

type lookupCall struct {
	operation string
	path      string
	params    url.Values
}

// Search runs the name, certificate-code and postcode lookups that the query
// asks for, in that order, and returns the normalized union deduplicated by
// company id.
func (c *Client) Search(ctx context.Context, q Query) ([]record.Record, error) {
	q = q.trimmed()
	if q.CompanyName == "" && q.Postcode == "" && q.RegistrationNumber == "" {
		return nil, lookup.InvalidRequest("Provide at least one of: companyName, postcode, registrationNumber")
	}

	seen := make(map[string]struct{})
	out := make([]record.Record, 0)
	for _, call := range c.plan(q) {
		entries, err := c.fetch(ctx, call)
		if err != nil {
			metrics.ObserveUpstreamFailure(string(record.SourceRefcom), call.operation)
			c.logger.Warn("registry query failed",
				zap.String("operation", call.operation),
				zap.String("query", call.params.Encode()),
				zap.Error(err),
			)
			continue
		}
		for _, entry := range entries {
			if id := entry.CompanyID.String(); id != "" {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
			}
			out = append(out, c.normalizer.Normalize(entry))
		}
	}
	return out, nil
}

func (c *Client) plan(q Query) []lookupCall {
	var calls []lookupCall
	if q.CompanyName != "" {
		calls = append(calls, lookupCall{
			operation: "by_name",
			path:      byNamePath,
			params: url.Values{
				"companyName":     {q.CompanyName},
				"certificateCode": {""},
				"scheme":          {c.cfg.Scheme},
			},
		})
	}
	if q.RegistrationNumber != "" {
		calls = append(calls, lookupCall{
			operation: "by_certificate",
			path:      byNamePath,
			params: url.Values{
				"certificateCode": {q.RegistrationNumber},
				"companyName":     {""},
				"scheme":          {c.cfg.Scheme},
			},
		})
	}
	if q.Postcode != "" {
		calls = append(calls, lookupCall{
			operation: "by_postcode",
			path:      byPostcodePath,
			params: url.Values{
				"postcode": {q.Postcode},
				"radius":   {strconv.Itoa(c.cfg.PostcodeRadius)},
				"scheme":   {c.cfg.Scheme},
			},
		})
	}
	return calls
}

func (c *Client) fetch(ctx context.Context, call lookupCall) ([]record.RegistryEntry, error) {
	var (
		body     []byte
		fetchErr error
	)
	collector := c.collector.Clone()
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	target := c.cfg.BaseURL + call.path + "?" + call.params.Encode()
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("registry %s canceled: %w", call.operation, ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			err = fetchErr
		}
		if err != nil {
			return nil, fmt.Errorf("registry %s: %w: %w", call.operation, lookup.ErrUpstream, err)
		}
	}
	entries, err := decodeEntries(body)
	if err != nil {
		return nil, fmt.Errorf("registry %s: decode: %w: %w", call.operation, lookup.ErrUpstream, err)
	}
	return entries, nil
}

// decodeEntries accepts a single object or a list of objects. Null list
// elements are dropped.
func decodeEntries(body []byte) ([]record.RegistryEntry, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	var raws []json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, err
		}
	} else {
		raws = []json.RawMessage{body}
	}

	entries := make([]record.RegistryEntry, 0, len(raws))
	for _, raw := range raws {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var entry record.RegistryEntry
		if err := record.Decode(raw, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
