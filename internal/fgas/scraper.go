// Package fgas scrapes the F-Gas register company directory. The directory
// has no public API, so a headless browser drives the embedded search widget
// and the widget's own background data requests are intercepted for results.
package fgas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-api/internal/lookup"
	"github.com/JakeFAU/directory-api/internal/metrics"
	"github.com/JakeFAU/directory-api/internal/record"
)

// Config controls the scraper.
type Config struct {
	DirectoryURL      string
	WidgetURLFragment string
	DataEndpoint      string
	ChromePath        string
	UserAgent         string
	DefaultRecords    int
	MaxRecords        int
	// MaxParallel caps concurrently running browsers; zero means no cap.
	MaxParallel       int
	LaunchTimeout     time.Duration
	NavTimeout        time.Duration
	FrameTimeout      time.Duration
	InputTimeout      time.Duration
	ResponseTimeout   time.Duration
	Settle            time.Duration
}

// Query holds the search inputs. At least one of CompanyName and City is
// required; a zero NumberOfRecords means the configured default.
type Query struct {
	CompanyName     string
	City            string
	NumberOfRecords int
}

// session is one isolated headless browser driving the directory page.
type session interface {
	// Navigate loads the directory page and waits for the widget to be embedded.
	Navigate(ctx context.Context) error
	// LocateFrames finds the frames holding the search inputs and the pager.
	LocateFrames(ctx context.Context) error
	// Intercept feeds every matching data response into acc.
	Intercept(ctx context.Context, acc *accumulator) error
	FillSearch(ctx context.Context, q Query) error
	Submit(ctx context.Context) error
	// NextPage clicks the enabled next-page control. It reports false when
	// there is no such control.
	NextPage(ctx context.Context) (bool, error)
	Close()
}

type launchFunc func(ctx context.Context, cfg Config, logger *zap.Logger) (session, error)

// Scraper runs directory searches, one browser per search.
type Scraper struct {
	cfg        Config
	slots      chan struct{}
	launch     launchFunc
	normalizer *record.Normalizer
	logger     *zap.Logger
}

// New builds a Scraper backed by headless Chrome.
func New(cfg Config, normalizer *record.Normalizer, logger *zap.Logger) *Scraper {
	return newScraper(cfg, launchChrome, normalizer, logger)
}

func newScraper(cfg Config, launch launchFunc, normalizer *record.Normalizer, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}
	return &Scraper{
		cfg:        cfg,
		slots:      slots,
		launch:     launch,
		normalizer: normalizer,
		logger:     logger,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = "https://fgasregister.com/company-directory/"
	}
	if cfg.WidgetURLFragment == "" {
		cfg.WidgetURLFragment = "sites.shocklogic.com/FGAS/directory"
	}
	if cfg.DataEndpoint == "" {
		cfg.DataEndpoint = "/Activity/401"
	}
	if cfg.DefaultRecords <= 0 {
		cfg.DefaultRecords = 10
	}
	if cfg.MaxRecords < cfg.DefaultRecords {
		cfg.MaxRecords = cfg.DefaultRecords
	}
	setDuration(&cfg.LaunchTimeout, 30*time.Second)
	setDuration(&cfg.NavTimeout, 60*time.Second)
	setDuration(&cfg.FrameTimeout, 30*time.Second)
	setDuration(&cfg.InputTimeout, 20*time.Second)
	setDuration(&cfg.ResponseTimeout, 30*time.Second)
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	return cfg
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Scrape searches the directory and returns up to q.NumberOfRecords entries
// in the order they were discovered. The browser is always torn down.
func (s *Scraper) Scrape(ctx context.Context, q Query) ([]record.Record, error) {
	q, err := s.validate(q)
	if err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	b, err := s.launch(ctx, s.cfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w: %w", lookup.ErrUpstream, err)
	}
	metrics.BrowserStarted()
	defer func() {
		b.Close()
		metrics.BrowserStopped()
	}()

	entries, err := s.run(ctx, b, q)
	if err != nil {
		return nil, err
	}

	out := make([]record.Record, 0, len(entries))
	for _, entry := range entries {
		out = append(out, s.normalizer.Normalize(entry))
	}
	return out, nil
}

func (s *Scraper) validate(q Query) (Query, error) {
	q.CompanyName = strings.TrimSpace(q.CompanyName)
	q.City = strings.TrimSpace(q.City)
	if q.CompanyName == "" && q.City == "" {
		return q, lookup.InvalidRequest("At least one of companyName or city is required.")
	}
	if q.NumberOfRecords == 0 {
		q.NumberOfRecords = s.cfg.DefaultRecords
	}
	if q.NumberOfRecords < 0 || q.NumberOfRecords > s.cfg.MaxRecords {
		return q, lookup.InvalidRequest(fmt.Sprintf("numberOfRecords must be between 1 and %d.", s.cfg.MaxRecords))
	}
	return q, nil
}

func (s *Scraper) run(ctx context.Context, b session, q Query) ([]record.DirectoryEntry, error) {
	acc := newAccumulator(s.logger)

	if err := s.step(ctx, s.cfg.NavTimeout, "navigate", b.Navigate); err != nil {
		return nil, err
	}

	frameCtx, cancel := context.WithTimeout(ctx, s.cfg.FrameTimeout)
	err := b.LocateFrames(frameCtx)
	cancel()
	if err != nil {
		if errors.Is(err, lookup.ErrFrameNotFound) {
			return nil, fmt.Errorf("locate frames: %w", err)
		}
		return nil, fmt.Errorf("locate frames: %w: %w", lookup.ErrFrameNotFound, err)
	}

	interceptCtx, cancel := context.WithTimeout(ctx, s.cfg.FrameTimeout)
	err = b.Intercept(interceptCtx, acc)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("arm interceptor: %w: %w", lookup.ErrUpstream, err)
	}

	fill := func(ctx context.Context) error { return b.FillSearch(ctx, q) }
	if err := s.step(ctx, s.cfg.InputTimeout, "fill search", fill); err != nil {
		return nil, err
	}

	if err := s.awaitPage(ctx, acc, "submit search", b.Submit); err != nil {
		return nil, err
	}

	for acc.count() < q.NumberOfRecords {
		// The pager re-renders after each response; clicking too early finds it disabled.
		if err := sleep(ctx, s.cfg.Settle); err != nil {
			return nil, fmt.Errorf("settle: %w", err)
		}
		if acc.count() >= q.NumberOfRecords {
			break
		}
		next := func(ctx context.Context) error {
			clicked, err := b.NextPage(ctx)
			if err == nil && !clicked {
				return errNoNextPage
			}
			return err
		}
		err := s.awaitPage(ctx, acc, "next page", next)
		if errors.Is(err, errNoNextPage) {
			s.logger.Debug("pagination exhausted", zap.Int("collected", acc.count()))
			break
		}
		if err != nil {
			return nil, err
		}
	}

	entries := acc.take(q.NumberOfRecords)
	s.logger.Info("directory scrape finished",
		zap.Int("requested", q.NumberOfRecords),
		zap.Int("returned", len(entries)),
		zap.Uint64("pages", acc.seq()),
	)
	return entries, nil
}

var errNoNextPage = errors.New("no next page")

func (s *Scraper) acquire(ctx context.Context) error {
	if s.slots == nil {
		return nil
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait: %w: %w", lookup.ErrUpstream, ctx.Err())
	}
}

func (s *Scraper) release() {
	if s.slots == nil {
		return
	}
	<-s.slots
}

// step runs one browser action under its own timeout.
func (s *Scraper) step(ctx context.Context, timeout time.Duration, name string, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(stepCtx); err != nil {
		return fmt.Errorf("%s: %w: %w", name, lookup.ErrUpstream, err)
	}
	return nil
}

// awaitPage triggers an action and waits for the results page it causes. The
// page sequence is sampled before the action so a fast response is not missed.
func (s *Scraper) awaitPage(ctx context.Context, acc *accumulator, name string, trigger func(context.Context) error) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ResponseTimeout)
	defer cancel()

	since := acc.seq()
	if err := trigger(waitCtx); err != nil {
		if errors.Is(err, errNoNextPage) {
			return err
		}
		return fmt.Errorf("%s: %w: %w", name, lookup.ErrUpstream, err)
	}
	if err := acc.waitPage(waitCtx, since); err != nil {
		return fmt.Errorf("%s: %w: %w", name, lookup.ErrUpstream, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
