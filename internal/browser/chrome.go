package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/DrAndri/webstore-scraper/config"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
)

type ChromeLauncher struct {
	cfg *config.CrawlerConfig
	log *slog.Logger
}

func NewChromeLauncher(cfg *config.CrawlerConfig, log *slog.Logger) *ChromeLauncher {
	return &ChromeLauncher{cfg: cfg, log: log}
}

func (l *ChromeLauncher) Launch(ctx context.Context, seed string) (Browser, error) {
	u, err := url.Parse(seed)
	if err != nil {
		return nil, err
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ChromePath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	// the first Run starts the browser process
	if err = chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	l.log.Debug("chrome started.", slog.String("seed", seed))

	return &chromeBrowser{
		ctx:         browserCtx,
		cancel:      func() { cancelBrowser(); cancelAlloc() },
		interceptor: NewInterceptor(u.Hostname(), NewScriptCache(), l.log),
		log:         l.log,
	}, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	interceptor *Interceptor
	log         *slog.Logger
}

// NewPage opens a tab in the browser's default context so cookies set on one
// page are sent by every later page of the run.
func (b *chromeBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	b.interceptor.listen(tabCtx)
	t := &tab{ctx: tabCtx, cancel: cancel, log: b.log}
	if err := t.run(ctx,
		network.Enable(),
		enableLifeCycleEvents(),
		b.interceptor.enable(),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return t, nil
}

func (b *chromeBrowser) Close() {
	b.log.Debug("closing chrome.", slog.Int("cached_scripts", b.interceptor.cache.Len()))
	b.cancel()
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu  sync.Mutex
	url string
}

// run executes actions on the tab and stops them when ctx is done. Cancelling
// a context derived from the tab stops the actions but keeps the tab open.
func (t *tab) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (t *tab) Navigate(ctx context.Context, target string) error {
	rctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var mu sync.Mutex
	statuses := make(map[network.RequestID]int64)
	loads := make(chan cdp.FrameID, 16)
	// registered before page.Navigate so a fast load is not missed
	chromedp.ListenTarget(rctx, func(ev any) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			if e.Name == "load" {
				select {
				case loads <- e.FrameID:
				default:
				}
			}
		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument {
				mu.Lock()
				statuses[e.RequestID] = e.Response.Status
				mu.Unlock()
			}
		}
	})

	var loc string
	err := chromedp.Run(rctx, chromedp.ActionFunc(func(ctx context.Context) error {
		frameID, loaderID, errorText, err := page.Navigate(target).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return &NavigationError{URL: target, Reason: errorText}
		}
		if err = waitForLoad(ctx, loads, frameID); err != nil {
			return err
		}
		mu.Lock()
		status := statuses[network.RequestID(loaderID)]
		mu.Unlock()
		if blockedStatus(status) {
			return &NavigationError{URL: target, Status: status, Err: ErrBlocked}
		}
		return nil
	}), chromedp.Location(&loc))
	if err != nil {
		if ctx.Err() != nil {
			return &NavigationError{URL: target, Err: ctx.Err()}
		}
		var navErr *NavigationError
		if errors.As(err, &navErr) {
			return err
		}
		return &NavigationError{URL: target, Err: err}
	}

	t.mu.Lock()
	t.url = loc
	t.mu.Unlock()
	return nil
}

func blockedStatus(status int64) bool {
	return status == 401 || status == 403 || status == 429 || status >= 500
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		err = page.SetLifecycleEventsEnabled(true).Do(ctx)
		if err != nil {
			return err
		}
		return nil
	}
}

func waitForLoad(ctx context.Context, loads <-chan cdp.FrameID, frameID cdp.FrameID) error {
	for {
		select {
		case id := <-loads:
			if id == frameID {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *tab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *tab) HasProduct(ctx context.Context, container, marker string) (bool, error) {
	var found bool
	expr := fmt.Sprintf(`document.querySelector(%s) !== null && document.documentElement.outerHTML.includes(%s)`,
		jsString(container), jsString(marker))
	if err := t.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return false, err
	}
	return found, nil
}

func (t *tab) Click(ctx context.Context, container, selector string) (int, error) {
	var count int
	expr := fmt.Sprintf(`(() => {
		const root = %s ? document.querySelector(%s) : document;
		if (!root) return 0;
		const els = root.querySelectorAll(%s);
		if (els.length === 1) els[0].click();
		return els.length;
	})()`, jsString(container), jsString(container), jsString(selector))
	if err := t.run(ctx, chromedp.Evaluate(expr, &count)); err != nil {
		return 0, err
	}
	return count, nil
}

func (t *tab) DocumentHTML(ctx context.Context, container string) (string, error) {
	var html string
	expr := fmt.Sprintf(`document.querySelector(%s) ? document.documentElement.outerHTML : ""`,
		jsString(container))
	if err := t.run(ctx, chromedp.Evaluate(expr, &html)); err != nil {
		return "", err
	}
	if html == "" {
		return "", ErrNoContainer
	}
	return html, nil
}

func (t *tab) ScrollToBottom(ctx context.Context, maxScrolls int, wait time.Duration) error {
	for i := 0; i < maxScrolls; i++ {
		var before, after int64
		if err := t.run(ctx, chromedp.Evaluate(`document.documentElement.scrollHeight`, &before)); err != nil {
			return err
		}
		var scrolled bool
		expr := fmt.Sprintf(`(window.scrollTo({top: %d, behavior: "instant"}), true)`, before)
		if err := t.run(ctx, chromedp.Evaluate(expr, &scrolled)); err != nil {
			return err
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := t.run(ctx, chromedp.Evaluate(`document.documentElement.scrollHeight`, &after)); err != nil {
			return err
		}
		if after <= before {
			return nil
		}
	}
	return nil
}

func (t *tab) Links(ctx context.Context) ([]string, error) {
	var links []string
	err := t.run(ctx, chromedp.Evaluate(`Array.from(document.querySelectorAll("a[href]"), a => a.href)`, &links))
	if err != nil {
		return nil, err
	}
	return links, nil
}

func (t *tab) Close() {
	t.cancel()
}

func jsString(s string) string {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
