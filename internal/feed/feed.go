// Package feed downloads Google Merchant product feeds.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/DrAndri/webstore-scraper/config"
	"github.com/DrAndri/webstore-scraper/internal/extract"
	"github.com/DrAndri/webstore-scraper/internal/model"
	"github.com/gocolly/colly"
)

var (
	ErrNotFeedStore = errors.New("store is not a feed store")
	ErrEmptyFeed    = errors.New("feed has no items")
)

type Downloader struct {
	cfg *config.CrawlerConfig
	log *slog.Logger
}

func NewDownloader(cfg *config.CrawlerConfig, log *slog.Logger) *Downloader {
	return &Downloader{cfg: cfg, log: log}
}

// Download fetches the feed of store and returns one snapshot per item.
// Items without an id are skipped.
func (d *Downloader) Download(ctx context.Context, store *model.StoreConfig) ([]model.ProductSnapshot, error) {
	if store.CrawlType != model.CrawlTypeFeed || store.Feed == nil {
		return nil, ErrNotFeedStore
	}
	log := d.log.With(slog.String("store", store.Name))

	c := colly.NewCollector()
	c.SetRequestTimeout(d.cfg.NavigationTimeout)
	if d.cfg.UserAgent != "" {
		c.UserAgent = d.cfg.UserAgent
	}

	var (
		snapshots []model.ProductSnapshot
		skipped   int
	)
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnXML("//item", func(e *colly.XMLElement) {
		s, ok := snapshotFromItem(e)
		if !ok {
			skipped++
			return
		}
		snapshots = append(snapshots, s)
	})

	log.Info("downloading feed.", slog.String("url", store.Feed.FeedURL))
	if err := c.Visit(store.Feed.FeedURL); err != nil {
		return nil, fmt.Errorf("download feed %s: %w", store.Feed.FeedURL, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, ErrEmptyFeed
	}
	if skipped > 0 {
		log.Warn("feed items without id skipped.", slog.Int("count", skipped))
	}
	log.Info("feed downloaded.", slog.Int("items", len(snapshots)))
	return snapshots, nil
}

func snapshotFromItem(e *colly.XMLElement) (model.ProductSnapshot, bool) {
	// local-name() matches g:id as well as feeds that drop the namespace
	field := func(name string) string {
		return e.ChildText("*[local-name()='" + name + "']")
	}
	s := model.ProductSnapshot{
		Sku:         field("id"),
		Price:       parseFeedPrice(field("price")),
		Title:       optional(field("title")),
		Brand:       optional(field("brand")),
		Gtin:        optional(field("gtin")),
		Image:       optional(field("image_link")),
		Description: optional(field("description")),
		InStock:     availability(field("availability")),
		URL:         field("link"),
	}
	if s.Sku == "" {
		return s, false
	}
	if sale := parseFeedPrice(field("sale_price")); sale > 0 {
		s.SalePrice = &sale
	}
	if category := field("product_type"); category != "" {
		for _, c := range strings.Split(category, ">") {
			if c = strings.TrimSpace(c); c != "" {
				s.Categories = append(s.Categories, c)
			}
		}
	}
	return s, true
}

var decimalPrice = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)

// parseFeedPrice reads "12990 ISK", "12990.00 ISK" and "12.990 kr." as 12990.
func parseFeedPrice(raw string) int64 {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0
	}
	if decimalPrice.MatchString(fields[0]) {
		if f, err := strconv.ParseFloat(fields[0], 64); err == nil {
			return int64(math.Round(f))
		}
	}
	return extract.ParsePrice(fields[0])
}

func availability(raw string) *bool {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", " ") {
	case "":
		return nil
	case "in stock":
		v := true
		return &v
	default:
		v := false
		return &v
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
