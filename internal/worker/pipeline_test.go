package worker

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DrAndri/webstore-scraper/config"
	"github.com/DrAndri/webstore-scraper/internal/aws_s3"
	"github.com/DrAndri/webstore-scraper/internal/browser"
	"github.com/DrAndri/webstore-scraper/internal/cache"
	"github.com/DrAndri/webstore-scraper/internal/crawler"
	"github.com/DrAndri/webstore-scraper/internal/history"
	"github.com/DrAndri/webstore-scraper/internal/model"
	"github.com/DrAndri/webstore-scraper/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// staticSite serves fixed pages to the crawler in place of Chrome.
type staticSite struct {
	pages map[string]sitePage

	mu     sync.Mutex
	visits map[string]int
}

type sitePage struct {
	links   []string
	product string
}

func (s *staticSite) Launch(context.Context, string) (browser.Browser, error) { return s, nil }
func (s *staticSite) NewPage(context.Context) (browser.Page, error) { return &staticPage{site: s}, nil }
func (s *staticSite) Close() {}

type staticPage struct {
	site *staticSite
	url  string
	page sitePage
}

func (p *staticPage) Navigate(_ context.Context, url string) error {
	p.site.mu.Lock()
	defer p.site.mu.Unlock()
	p.site.visits[url]++
	page, ok := p.site.pages[url]
	if !ok {
		return &browser.NavigationError{URL: url, Status: 404, Err: browser.ErrBlocked}
	}
	p.url, p.page = url, page
	return nil
}

func (p *staticPage) URL() string { return p.url }

func (p *staticPage) HasProduct(context.Context, string, string) (bool, error) {
	return p.page.product != "", nil
}

func (p *staticPage) Click(context.Context, string, string) (int, error) { return 0, nil }

func (p *staticPage) DocumentHTML(context.Context, string) (string, error) {
	if p.page.product == "" {
		return "", browser.ErrNoContainer
	}
	return p.page.product, nil
}

func (p *staticPage) ScrollToBottom(context.Context, int, time.Duration) error { return nil }
func (p *staticPage) Links(context.Context) ([]string, error) { return p.page.links, nil }
func (p *staticPage) Close() {}

func TestCrawlToHistory(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "prices.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, persistence.EnsureSchema(ctx, db, persistence.SQLite))

	stores := persistence.NewStoreRepository(db, persistence.SQLite, discard)
	store := &model.StoreConfig{
		Name:      "verslun",
		CrawlType: model.CrawlTypeCrawler,
		Enabled:   true,
		Crawler: &model.CrawlerOptions{
			StartURL:              "https://www.shop.is/",
			ProductPageIdentifier: "add-to-cart",
			Selectors: model.ProductSelectors{
				ProductPage: ".product",
				ListPrice:   ".price",
				Name:        "h1",
				Sku:         model.SkuRule{Source: model.SkuFromDOM, Selector: ".sku"},
			},
		},
	}
	require.NoError(t, stores.Save(ctx, store))

	site := &staticSite{visits: map[string]int{}, pages: map[string]sitePage{
		"https://www.shop.is/": {links: []string{"/vorur", "/um-okkur", "https://shop.is/vara/1", "https://other.is/vara/2"}},
		"https://www.shop.is/vorur":    {links: []string{"https://shop.is/vara/1"}},
		"https://www.shop.is/um-okkur": {},
		"https://shop.is/vara/1": {
			product: `<div class="product"><h1>Sími</h1><span class="sku">PH-100</span><span class="price">99.990 kr.</span></div>`,
		},
	}}
	crawlCfg := &config.CrawlerConfig{
		MaxRequestsPerCrawl:   100,
		MaxRequestsPerMinute:  600000,
		MaxRequestRetries:     1,
		MaxConcurrency:        2,
		RequestHandlerTimeout: 5 * time.Second,
		NavigationTimeout:     time.Second,
		ProductCheckAttempts:  1,
		ProductCheckInterval:  time.Millisecond,
	}
	prices := persistence.NewPriceRepository(db, persistence.SQLite, discard)
	r := &Runner{
		Stores: stores,
		Template: StoreWorker{
			Crawler: crawler.NewCrawler(site, crawlCfg, discard),
			History: history.NewUpdater(prices, &config.HistoryConfig{PriceChangeThreshold: 48 * time.Hour, Concurrency: 4}, discard),
			S3:      aws_s3.NopBucketClient{},
			Lock:    cache.NewLocalLock(),
			Log:     discard,
			Now:     func() time.Time { return t0 },
		},
		MaxWorkers: 1,
		Log:        discard,
	}

	runs, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	require.NoError(t, run.Err)
	assert.Equal(t, 3, run.Crawl.Stats.Discovered)
	assert.Zero(t, site.visits["https://other.is/vara/2"])
	require.NotNil(t, run.Update)
	assert.Equal(t, int64(1), run.Update.NewPrices)
	assert.Equal(t, int64(1), run.Update.MetadataUpsert.UpsertedCount)

	intervals, err := prices.Intervals(ctx, store.ID, "PH-100", false)
	require.NoError(t, err)
	require.Len(t, intervals, 1)
	assert.Equal(t, int64(99990), intervals[0].Price)
	assert.Equal(t, t0, intervals[0].Start)

	metadata, err := prices.GetMetadata(ctx, store.ID, "PH-100")
	require.NoError(t, err)
	assert.Equal(t, "Sími", *metadata.Name)
	assert.Equal(t, "https://shop.is/vara/1", *metadata.URL)

	// the same crawl a day later only extends the interval
	r.Template.Now = func() time.Time { return t0.Add(24 * time.Hour) }
	runs, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, runs[0].Update.NewPrices)
	assert.Equal(t, int64(1), runs[0].Update.PriceUpdate.ModifiedCount)
}
