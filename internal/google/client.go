// Package google searches Google Places for businesses near a named location
// and normalizes every hit into the shared record schema.
package google

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/directory-api/internal/lookup"
	"github.com/JakeFAU/directory-api/internal/metrics"
	"github.com/JakeFAU/directory-api/internal/record"
)

const (
	defaultBaseURL = "https://maps.googleapis.com"
	defaultRadius  = 50000
	detailFields   = "name,formatted_address,formatted_phone_number,website"

	geocodePath    = "/maps/api/geocode/json"
	textSearchPath = "/maps/api/place/textsearch/json"
	detailsPath    = "/maps/api/place/details/json"

	statusOK          = "OK"
	statusZeroResults = "ZERO_RESULTS"
	statusNotFound    = "NOT_FOUND"
)

// Config controls the places client.
type Config struct {
	APIKey             string
	BaseURL            string
	SearchRadiusMeters int
	Timeout            time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client performs geocode, text-search and place-details calls.
type Client struct {
	cfg        Config
	http       *http.Client
	normalizer *record.Normalizer
	logger     *zap.Logger
}

// LatLng is a resolved coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l LatLng) String() string {
	return strconv.FormatFloat(l.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(l.Lng, 'f', -1, 64)
}

// New creates a places client.
func New(cfg Config, normalizer *record.Normalizer, logger *zap.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SearchRadiusMeters <= 0 {
		cfg.SearchRadiusMeters = defaultRadius
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:        cfg,
		http:       &http.Client{Timeout: cfg.Timeout},
		normalizer: normalizer,
		logger:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Search geocodes location, runs a text search for keyword around it and
// fetches details for every hit. Any failed call fails the whole search.
func (c *Client) Search(ctx context.Context, keyword, location string) ([]record.Record, error) {
	keyword = strings.TrimSpace(keyword)
	location = strings.TrimSpace(location)
	if keyword == "" || location == "" {
		return nil, lookup.InvalidRequest("Missing keyword or location in body.")
	}

	coords, err := c.Geocode(ctx, location)
	if err != nil {
		return nil, err
	}
	stubs, err := c.TextSearch(ctx, keyword, coords)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("places found",
		zap.String("keyword", keyword),
		zap.String("location", location),
		zap.Int("count", len(stubs)),
	)

	merged := make([]record.PlaceResult, len(stubs))
	g, gctx := errgroup.WithContext(ctx)
	for i, stub := range stubs {
		g.Go(func() error {
			details, err := c.Details(gctx, stub.PlaceID.String())
			if err != nil {
				return err
			}
			merged[i] = stub.Merge(details)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]record.Record, 0, len(merged))
	for _, place := range merged {
		out = append(out, c.normalizer.Normalize(place))
	}
	return out, nil
}

type geocodeResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		Geometry struct {
			Location LatLng `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

// Geocode resolves a location name to coordinates.
func (c *Client) Geocode(ctx context.Context, location string) (LatLng, error) {
	var resp geocodeResponse
	params := url.Values{"address": {location}}
	if err := c.getJSON(ctx, "geocode", geocodePath, params, &resp); err != nil {
		return LatLng{}, err
	}
	if resp.Status != "" && resp.Status != statusOK && resp.Status != statusZeroResults {
		return LatLng{}, c.statusError("geocode", resp.Status, resp.ErrorMessage)
	}
	if len(resp.Results) == 0 {
		return LatLng{}, fmt.Errorf("geocode %q: %w", location, lookup.ErrGeocodeNotFound)
	}
	return resp.Results[0].Geometry.Location, nil
}

type textSearchResponse struct {
	Status       string               `json:"status"`
	ErrorMessage string               `json:"error_message"`
	Results      []record.PlaceResult `json:"results"`
}

// TextSearch returns the place stubs matching keyword within the configured radius.
func (c *Client) TextSearch(ctx context.Context, keyword string, around LatLng) ([]record.PlaceResult, error) {
	var resp textSearchResponse
	params := url.Values{
		"query":    {keyword},
		"location": {around.String()},
		"radius":   {strconv.Itoa(c.cfg.SearchRadiusMeters)},
	}
	if err := c.getJSON(ctx, "textsearch", textSearchPath, params, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "" && resp.Status != statusOK && resp.Status != statusZeroResults {
		return nil, c.statusError("textsearch", resp.Status, resp.ErrorMessage)
	}
	return resp.Results, nil
}

type detailsResponse struct {
	Status       string             `json:"status"`
	ErrorMessage string             `json:"error_message"`
	Result       record.PlaceResult `json:"result"`
}

// Details fetches contact details for one place. Places that no longer exist
// yield empty details rather than an error.
func (c *Client) Details(ctx context.Context, placeID string) (record.PlaceResult, error) {
	if placeID == "" {
		return record.PlaceResult{}, nil
	}
	var resp detailsResponse
	params := url.Values{
		"place_id": {placeID},
		"fields":   {detailFields},
	}
	if err := c.getJSON(ctx, "details", detailsPath, params, &resp); err != nil {
		return record.PlaceResult{}, err
	}
	switch resp.Status {
	case "", statusOK:
		return resp.Result, nil
	case statusNotFound, statusZeroResults:
		return record.PlaceResult{}, nil
	default:
		return record.PlaceResult{}, c.statusError("details", resp.Status, resp.ErrorMessage)
	}
}

func (c *Client) getJSON(ctx context.Context, operation, path string, params url.Values, dst any) error {
	params.Set("key", c.cfg.APIKey)
	reqURL := c.cfg.BaseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("google %s: build request: %w", operation, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstreamFailure(string(record.SourceGoogle), operation)
		return fmt.Errorf("google %s: %w: %w", operation, lookup.ErrUpstream, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveUpstreamFailure(string(record.SourceGoogle), operation)
		return fmt.Errorf("google %s: read body: %w: %w", operation, lookup.ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveUpstreamFailure(string(record.SourceGoogle), operation)
		return fmt.Errorf("google %s: unexpected status %d: %w", operation, resp.StatusCode, lookup.ErrUpstream)
	}
	if err := record.Decode(body, dst); err != nil {
		metrics.ObserveUpstreamFailure(string(record.SourceGoogle), operation)
		return fmt.Errorf("google %s: decode response: %w: %w", operation, lookup.ErrUpstream, err)
	}
	return nil
}

func (c *Client) statusError(operation, status, message string) error {
	metrics.ObserveUpstreamFailure(string(record.SourceGoogle), operation)
	c.logger.Warn("google api status",
		zap.String("operation", operation),
		zap.String("status", status),
		zap.String("message", message),
	)
	return fmt.Errorf("google %s: status %s: %w", operation, status, lookup.ErrUpstream)
}
