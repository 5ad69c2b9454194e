// Package extract turns the product container of a rendered page into a
// ProductSnapshot using per-store selectors.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/DrAndri/webstore-scraper/internal/model"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

var (
	ErrContainerNotFound = errors.New("product container not found")
	ErrInvalidSku        = errors.New("sku is not valid")
	ErrPriceNotFound     = errors.New("price not found")
	errNoMatch           = errors.New("selector did not match")
)

// Page is the part of a rendered page the extractor needs.
type Page interface {
	URL() string
	// Click force-clicks selector inside the first container when it matches
	// exactly one element and returns the number of matches.
	Click(ctx context.Context, container, selector string) (int, error)
	DocumentHTML(ctx context.Context, container string) (string, error)
}

// FieldErrors flags optional fields that failed and were left empty.
type FieldErrors struct {
	Name        bool
	InStock     bool
	Image       bool
	Brand       bool
	Description bool
	Attributes  bool
	Categories  bool
}

func (f FieldErrors) Any() bool {
	return f.Name || f.InStock || f.Image || f.Brand || f.Description || f.Attributes || f.Categories
}

type Result struct {
	Product model.ProductSnapshot
	Errors  FieldErrors
}

type sanitizer struct {
	re      *regexp.Regexp
	replace string
}

type Extractor struct {
	selectors       model.ProductSelectors
	skuSanitizers   []sanitizer
	categoryBanList []string
	clickTimeout    time.Duration
	policy          *bluemonday.Policy
}

func NewExtractor(opts *model.CrawlerOptions, clickTimeout time.Duration) (*Extractor, error) {
	e := &Extractor{
		selectors:       opts.Selectors,
		categoryBanList: CategoryBanList,
		clickTimeout:    clickTimeout,
		policy:          bluemonday.StrictPolicy(),
	}
	if opts.Sanitizers != nil {
		for _, rule := range opts.Sanitizers.Sku {
			re, err := rule.Compile()
			if err != nil {
				return nil, err
			}
			e.skuSanitizers = append(e.skuSanitizers, sanitizer{re: re, replace: rule.Replace})
		}
	}
	return e, nil
}

// Extract runs the configured clickers and resolves every field of the
// product. Only a missing container, SKU or price is returned as an error;
// other fields are flagged in Result.Errors.
func (e *Extractor) Extract(ctx context.Context, page Page, log *slog.Logger) (*Result, error) {
	e.runClickers(ctx, page, log)

	html, err := page.DocumentHTML(ctx, e.selectors.ProductPage)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContainerNotFound, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	// the container is resolved in the parsed document so body and table rows
	// keep their context
	root := doc.Find(e.selectors.ProductPage).First()
	if root.Length() == 0 {
		return nil, ErrContainerNotFound
	}
	return e.extractFrom(root, page.URL(), log)
}

func (e *Extractor) extractFrom(root *goquery.Selection, pageURL string, log *slog.Logger) (*Result, error) {
	sku, err := e.sku(root, pageURL)
	if err != nil {
		return nil, err
	}
	listPrice, salePrice, err := e.prices(root)
	if err != nil {
		return nil, err
	}

	res := &Result{Product: model.ProductSnapshot{
		Sku:       sku,
		Price:     listPrice,
		SalePrice: &salePrice,
		URL:       pageURL,
	}}
	p := &res.Product

	if v, err := e.inStock(root); err != nil {
		log.Warn("error scraping inStock.", slog.String("err", err.Error()))
		res.Errors.InStock = true
	} else {
		p.InStock = v
	}
	if v, err := e.image(root, pageURL); err != nil {
		log.Warn("error scraping image.", slog.String("err", err.Error()))
		res.Errors.Image = true
	} else {
		p.Image = v
	}
	if v, err := e.attributes(root, log); err != nil {
		log.Warn("error scraping attributes.", slog.String("err", err.Error()))
		res.Errors.Attributes = true
	} else {
		p.Attributes = v
	}
	if e.selectors.Name != "" {
		if v, err := text(root, e.selectors.Name); err != nil {
			log.Warn("error scraping name.", slog.String("err", err.Error()))
			res.Errors.Name = true
		} else {
			p.Title = &v
		}
	}
	if e.selectors.Brand != "" {
		if v, err := text(root, e.selectors.Brand); err != nil {
			log.Warn("error scraping brand.", slog.String("err", err.Error()))
			res.Errors.Brand = true
		} else {
			p.Brand = &v
		}
	}
	if v, err := e.description(root); err != nil {
		log.Warn("error scraping description.", slog.String("err", err.Error()))
		res.Errors.Description = true
	} else {
		p.Description = v
	}
	if v, err := e.categories(root, p.Title); err != nil {
		log.Warn("error scraping categories.", slog.String("err", err.Error()))
		res.Errors.Categories = true
	} else {
		p.Categories = v
	}

	log.Info("found product.", slog.String("sku", p.Sku), slog.Int64("price", p.Price),
		slog.Int64("sale_price", salePrice), slog.Int("attribute_groups", len(p.Attributes)))
	return res, nil
}

func (e *Extractor) runClickers(ctx context.Context, page Page, log *slog.Logger) {
	for _, selector := range e.selectors.Clickers {
		cctx, cancel := context.WithTimeout(ctx, e.clickTimeout)
		n, err := page.Click(cctx, e.selectors.ProductPage, selector)
		cancel()
		if err != nil {
			log.Warn("clicker errored.", slog.String("selector", selector), slog.String("err", err.Error()))
			continue
		}
		if n != 1 {
			log.Warn("clicker did not match 1 element.", slog.String("selector", selector), slog.Int("count", n))
		}
	}
}

// text returns the trimmed text of the first element matching selector.
func text(root *goquery.Selection, selector string) (string, error) {
	sel := root.Find(selector)
	if sel.Length() == 0 {
		return "", fmt.Errorf("%w: %s", errNoMatch, selector)
	}
	return strings.TrimSpace(sel.First().Text()), nil
}
