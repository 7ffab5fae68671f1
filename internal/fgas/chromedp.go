package fgas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/directory-api/internal/lookup"
)

const (
	companyInputSelector = `input[aria-label="Company Name"]`
	cityInputSelector    = `input[aria-label="City"]`
	submitSelector       = `button.q-btn.bg-primary`
	pagerProbeSelector   = `button.q-btn i`
	probeInterval        = 250 * time.Millisecond
)

const probeScript = `(() => ({
	input: !!document.querySelector('input[aria-label="Company Name"]'),
	pager: !!document.querySelector('button.q-btn i')
}))()`

const nextPageScript = `(() => {
	const next = Array.from(document.querySelectorAll('button.q-btn')).find((btn) => {
		const icon = btn.querySelector('i');
		return icon && icon.textContent.trim() === 'keyboard_arrow_right' &&
			!btn.disabled && !btn.classList.contains('q-btn--disabled');
	});
	if (!next) {
		return false;
	}
	next.click();
	return true;
})()`

type probeResult struct {
	Input bool `json:"input"`
	Pager bool `json:"pager"`
}

// frameTarget is the top-level page or one out-of-process widget iframe.
type frameTarget struct {
	ctx    context.Context
	cancel context.CancelFunc
	url    string
}

// chromeSession drives one headless Chrome instance. Site isolation is forced
// on so the cross-origin widget runs as its own target, which lets scripts,
// clicks and network interception run inside it directly.
type chromeSession struct {
	cfg    Config
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	stopForward   func()

	frames   []*frameTarget
	attached map[target.ID]struct{}
	input    *frameTarget
	pager    *frameTarget

	fetches   sync.WaitGroup
	closeOnce sync.Once
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("site-per-process", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// launchChrome starts a dedicated browser. Cancelling ctx tears it down.
func launchChrome(ctx context.Context, cfg Config, logger *zap.Logger) (session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)
	s := &chromeSession{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		attached:      make(map[target.ID]struct{}),
	}
	s.stopForward = forwardCancel(ctx, browserCancel)
	s.frames = []*frameTarget{{ctx: browserCtx, cancel: func() {}, url: cfg.DirectoryURL}}

	if err := attach(ctx, browserCtx, cfg.LaunchTimeout); err != nil {
		s.Close()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	logger.Debug("chrome started")
	return s, nil
}

// attach performs the first Run on a chromedp context, which allocates the
// browser or attaches the target. That Run must use the target's own context
// so the bound is enforced by the caller instead of a derived deadline.
func attach(ctx, targetCtx context.Context, timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		errc <- chromedp.Run(targetCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runIn runs actions on a target while honoring the deadline of ctx.
func runIn(ctx, targetCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(targetCtx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

func (s *chromeSession) widgetSelector() string {
	return fmt.Sprintf(`iframe[src*="%s"]`, s.cfg.WidgetURLFragment)
}

func (s *chromeSession) Navigate(ctx context.Context) error {
	err := runIn(ctx, s.browserCtx,
		chromedp.Navigate(s.cfg.DirectoryURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.WaitReady(s.widgetSelector(), chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("load %s: %w", s.cfg.DirectoryURL, err)
	}
	return nil
}

func (s *chromeSession) LocateFrames(ctx context.Context) error {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		if err := s.attachWidgetTargets(ctx); err != nil {
			s.logger.Debug("attach widget targets", zap.Error(err))
		}
		for _, f := range s.frames {
			var res probeResult
			if err := runIn(ctx, f.ctx, chromedp.Evaluate(probeScript, &res)); err != nil {
				continue
			}
			if res.Input && s.input == nil {
				s.input = f
			}
			if res.Pager && s.pager == nil {
				s.pager = f
			}
		}
		if s.input != nil && s.pager != nil {
			s.logger.Debug("widget frames located",
				zap.String("input_frame", s.input.url),
				zap.String("pager_frame", s.pager.url),
			)
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: input=%t pagination=%t: %w",
				lookup.ErrFrameNotFound, s.input != nil, s.pager != nil, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *chromeSession) attachWidgetTargets(ctx context.Context) error {
	infos, err := chromedp.Targets(s.browserCtx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	for _, info := range infos {
		if info.Type != "iframe" || !strings.Contains(info.URL, s.cfg.WidgetURLFragment) {
			continue
		}
		if _, ok := s.attached[info.TargetID]; ok {
			continue
		}
		frameCtx, cancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(info.TargetID))
		if err := attach(ctx, frameCtx, s.cfg.FrameTimeout); err != nil {
			cancel()
			return fmt.Errorf("attach %s: %w", info.URL, err)
		}
		s.attached[info.TargetID] = struct{}{}
		s.frames = append(s.frames, &frameTarget{ctx: frameCtx, cancel: cancel, url: info.URL})
	}
	return nil
}

func (s *chromeSession) Intercept(ctx context.Context, acc *accumulator) error {
	for _, f := range s.frames {
		ic := &interceptor{
			frame:    f,
			endpoint: s.cfg.DataEndpoint,
			acc:      acc,
			fetches:  &s.fetches,
			pending:  make(map[network.RequestID]*pendingResponse),
		}
		chromedp.ListenTarget(f.ctx, ic.handle)
		if err := runIn(ctx, f.ctx, network.Enable()); err != nil {
			return fmt.Errorf("enable network on %s: %w", f.url, err)
		}
	}
	return nil
}

func (s *chromeSession) FillSearch(ctx context.Context, q Query) error {
	var actions []chromedp.Action
	if q.CompanyName != "" {
		actions = append(actions,
			chromedp.WaitVisible(companyInputSelector, chromedp.ByQuery),
			chromedp.SendKeys(companyInputSelector, q.CompanyName, chromedp.ByQuery),
		)
	}
	if q.City != "" {
		actions = append(actions,
			chromedp.WaitVisible(cityInputSelector, chromedp.ByQuery),
			chromedp.SendKeys(cityInputSelector, q.City, chromedp.ByQuery),
		)
	}
	return runIn(ctx, s.input.ctx, actions...)
}

func (s *chromeSession) Submit(ctx context.Context) error {
	return runIn(ctx, s.input.ctx, chromedp.Click(submitSelector, chromedp.ByQuery))
}

func (s *chromeSession) NextPage(ctx context.Context) (bool, error) {
	var clicked bool
	if err := runIn(ctx, s.pager.ctx, chromedp.Evaluate(nextPageScript, &clicked)); err != nil {
		return false, err
	}
	return clicked, nil
}

// Close tears down every target, the browser and its process.
func (s *chromeSession) Close() {
	s.closeOnce.Do(func() {
		s.stopForward()
		for _, f := range s.frames {
			f.cancel()
		}
		s.browserCancel()
		s.allocCancel()
		s.fetches.Wait()
		s.logger.Debug("chrome closed")
	})
}

type pendingResponse struct {
	url    string
	status int
}

// interceptor watches one target for data responses and hands their bodies
// to the accumulator once loading finishes.
type interceptor struct {
	frame    *frameTarget
	endpoint string
	acc      *accumulator
	fetches  *sync.WaitGroup

	mu      sync.Mutex
	pending map[network.RequestID]*pendingResponse
}

func (ic *interceptor) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil || e.Request.Method != "GET" || !strings.Contains(e.Request.URL, ic.endpoint) {
			return
		}
		ic.mu.Lock()
		ic.pending[e.RequestID] = &pendingResponse{url: e.Request.URL}
		ic.mu.Unlock()
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		ic.mu.Lock()
		if p, ok := ic.pending[e.RequestID]; ok {
			p.status = int(e.Response.Status)
		}
		ic.mu.Unlock()
	case *network.EventLoadingFinished:
		if p := ic.release(e.RequestID); p != nil && ic.frame.ctx.Err() == nil {
			ic.fetches.Add(1)
			go ic.readBody(e.RequestID, p)
		}
	case *network.EventLoadingFailed:
		if p := ic.release(e.RequestID); p != nil {
			ic.acc.ingest(p.url, p.status, nil, errors.New(e.ErrorText))
		}
	}
}

func (ic *interceptor) release(id network.RequestID) *pendingResponse {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	p, ok := ic.pending[id]
	if !ok {
		return nil
	}
	delete(ic.pending, id)
	return p
}

// readBody runs outside the event handler; issuing commands from inside a
// listener would block the target's event loop.
func (ic *interceptor) readBody(id network.RequestID, p *pendingResponse) {
	defer ic.fetches.Done()
	c := chromedp.FromContext(ic.frame.ctx)
	if c == nil || c.Target == nil {
		ic.acc.ingest(p.url, p.status, nil, errors.New("target detached"))
		return
	}
	body, err := network.GetResponseBody(id).Do(cdp.WithExecutor(ic.frame.ctx, c.Target))
	if err != nil && ic.frame.ctx.Err() != nil {
		return
	}
	ic.acc.ingest(p.url, p.status, body, err)
}

// forwardCancel cancels the browser when the request context ends. The
// returned func stops forwarding.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
