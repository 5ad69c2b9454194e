// Package crawler walks one store's site from its start URL in a headless
// browser and extracts a snapshot from every product page it finds.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DrAndri/webstore-scraper/config"
	"github.com/DrAndri/webstore-scraper/internal/browser"
	"github.com/DrAndri/webstore-scraper/internal/extract"
	"github.com/DrAndri/webstore-scraper/internal/model"
	"golang.org/x/time/rate"
)

var ErrNotCrawlerStore = errors.New("store is not configured for crawling")

type Report struct {
	Store           string                  `json:"store"`
	Products        []model.ProductSnapshot `json:"-"`
	Stats           Stats                   `json:"stats"`
	BudgetExhausted bool                    `json:"budget_exhausted"`
	Duration        time.Duration           `json:"duration"`
}

type Crawler struct {
	launcher browser.Launcher
	cfg      *config.CrawlerConfig
	log      *slog.Logger
}

func NewCrawler(launcher browser.Launcher, cfg *config.CrawlerConfig, log *slog.Logger) *Crawler {
	return &Crawler{launcher: launcher, cfg: cfg, log: log}
}

// crawl is everything the workers of one run share.
type crawl struct {
	run       *CrawlRun
	browser   browser.Browser
	extractor *extract.Extractor
	opts      *model.CrawlerOptions
	limiter   *rate.Limiter
	log       *slog.Logger
}

// Crawl visits the store's site until the frontier is drained or the request
// budget is spent. Products found before the budget ran out are returned.
func (c *Crawler) Crawl(ctx context.Context, store *model.StoreConfig) (*Report, error) {
	if store.CrawlType != model.CrawlTypeCrawler || store.Crawler == nil {
		return nil, ErrNotCrawlerStore
	}
	start := time.Now()
	opts := store.Crawler
	log := c.log.With(slog.String("store", store.Name))

	extractor, err := extract.NewExtractor(opts, c.cfg.ClickTimeout)
	if err != nil {
		return nil, err
	}
	frontier, err := NewFrontier(opts.StartURL, opts.URLWhitelist, opts.URLBlacklist)
	if err != nil {
		return nil, err
	}
	b, err := c.launcher.Launch(ctx, opts.StartURL)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	defer b.Close()

	cr := &crawl{
		run:       newCrawlRun(frontier, c.cfg.MaxRequestsPerCrawl, c.cfg.MaxRequestRetries),
		browser:   b,
		extractor: extractor,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.cfg.MaxRequestsPerMinute)), 1),
		log:       log,
	}
	stop := context.AfterFunc(ctx, cr.run.wake)
	defer stop()

	log.Info("starting crawl.", slog.String("start_url", opts.StartURL),
		slog.Int("concurrency", c.cfg.MaxConcurrency))
	wg := &sync.WaitGroup{}
	for i := 0; i < c.cfg.MaxConcurrency; i++ {
		wg.Add(1)
		go c.worker(ctx, cr, wg)
	}
	wg.Wait()

	products, stats, exhausted := cr.run.snapshot()
	report := &Report{
		Store:           store.Name,
		Products:        products,
		Stats:           stats,
		BudgetExhausted: exhausted,
		Duration:        time.Since(start),
	}
	log.Info("crawl finished.",
		slog.Int("requests", stats.Requests),
		slog.Int("processed", stats.Processed),
		slog.Int("errored", stats.Errored),
		slog.Int("failed", stats.Failed),
		slog.Int("retried", stats.Retried),
		slog.Int("products", len(products)),
		slog.Bool("budget_exhausted", exhausted),
		slog.Duration("duration", report.Duration))
	if stats.Processed > 0 {
		log.Info("field errors.",
			slog.Int("name", stats.NameErrors),
			slog.Int("in_stock", stats.InStockErrors),
			slog.Int("image", stats.ImageErrors),
			slog.Int("brand", stats.BrandErrors),
			slog.Int("description", stats.DescErrors),
			slog.Int("attributes", stats.AttributeErrors),
			slog.Int("categories", stats.CategoryErrors))
	}
	return report, ctx.Err()
}

// worker owns one page and processes targets one at a time. The page is
// replaced after a failed navigation.
func (c *Crawler) worker(ctx context.Context, cr *crawl, wg *sync.WaitGroup) {
	defer wg.Done()
	var page browser.Page
	defer func() {
		if page != nil {
			page.Close()
		}
	}()

	for {
		target, ok := cr.run.next(ctx)
		if !ok {
			return
		}
		if err := cr.limiter.Wait(ctx); err != nil {
			cr.run.complete(target, err)
			continue
		}
		if page == nil {
			p, err := cr.browser.NewPage(ctx)
			if err != nil {
				cr.log.Error("failed to open page.", slog.String("err", err.Error()))
				cr.run.complete(target, err)
				continue
			}
			page = p
		}

		err := c.handle(ctx, cr, page, target)
		if err != nil {
			page.Close()
			page = nil
		}
		if retry := cr.run.complete(target, err); err != nil {
			if retry {
				cr.log.Warn("request failed. retrying.", slog.String("url", target.URL),
					slog.Int("retry", target.RetryCount), slog.String("err", err.Error()))
			} else {
				cr.log.Error("request failed too many times.", slog.String("url", target.URL),
					slog.String("err", err.Error()))
			}
		}
	}
}

// handle runs one request. In-flight requests are not cancelled with ctx; they
// are bounded by the handler timeout instead.
func (c *Crawler) handle(ctx context.Context, cr *crawl, page browser.Page, target *CrawlTarget) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestHandlerTimeout)
	defer cancel()

	nctx, cancelNav := context.WithTimeout(hctx, c.cfg.NavigationTimeout)
	err := page.Navigate(nctx, target.URL)
	cancelNav()
	if err != nil {
		return err
	}
	log := cr.log.With(slog.String("url", page.URL()))

	isProduct := c.waitForProduct(hctx, page, cr.opts)
	cr.run.requested(isProduct)
	if isProduct {
		log.Debug("processing url.")
		res, err := cr.extractor.Extract(hctx, page, log)
		if err != nil {
			log.Error("error processing product.", slog.String("err", err.Error()))
			cr.run.recordError()
		} else {
			cr.run.record(res)
		}
	} else {
		log.Info("url is not a product page.")
	}

	if cr.opts.MenuClicker != "" && target.URL == cr.run.frontier.SeedURL() {
		cctx, cancelClick := context.WithTimeout(hctx, c.cfg.ClickTimeout)
		n, err := page.Click(cctx, "", cr.opts.MenuClicker)
		cancelClick()
		if err != nil || n != 1 {
			log.Warn("error clicking menu.", slog.Int("count", n), slog.Any("err", err))
		}
	}
	if cr.opts.ScrollToBottom {
		if err := page.ScrollToBottom(hctx, c.cfg.MaxScrolls, c.cfg.ScrollWait); err != nil {
			log.Warn("failed to scroll to bottom.", slog.String("err", err.Error()))
		}
	}

	links, err := page.Links(hctx)
	if err != nil {
		return fmt.Errorf("harvest links: %w", err)
	}
	n := cr.run.enqueue(links)
	log.Debug("links harvested.", slog.Int("found", len(links)), slog.Int("queued", n))
	return nil
}

// waitForProduct polls for the product container and marker. Rendering can
// lag the load event on client-side shops.
func (c *Crawler) waitForProduct(ctx context.Context, page browser.Page, opts *model.CrawlerOptions) bool {
	for attempt := 0; attempt < c.cfg.ProductCheckAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.ProductCheckInterval):
			case <-ctx.Done():
				return false
			}
		}
		found, err := page.HasProduct(ctx, opts.Selectors.ProductPage, opts.ProductPageIdentifier)
		if err == nil && found {
			return true
		}
	}
	return false
}
