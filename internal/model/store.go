package model

import (
	"errors"
	"fmt"
	"net/url"
)

var ErrInvalidStoreConfig = errors.New("invalid store configuration")

type CrawlType string

const (
	CrawlTypeFeed    CrawlType = "feed"
	CrawlTypeCrawler CrawlType = "crawler"
)

type StoreConfig struct {
	ID        int64
	Name      string
	CrawlType CrawlType
	Enabled   bool
	Crawler   *CrawlerOptions
	Feed      *FeedOptions
}

type CrawlerOptions struct {
	StartURL              string             `json:"startUrl"`
	ProductPageIdentifier string             `json:"productPageIdentifier"`
	Selectors             ProductSelectors   `json:"selectors"`
	Sanitizers            *ProductSanitizers `json:"sanitizers,omitempty"`
	URLWhitelist          []string           `json:"urlWhitelist,omitempty"`
	URLBlacklist          []string           `json:"urlBlacklist,omitempty"`
	ScrollToBottom        bool               `json:"scrollPagesToBottom,omitempty"`
	MenuClicker           string             `json:"menuClicker,omitempty"`
}

type FeedOptions struct {
	FeedURL string `json:"feedUrl"`
}

// Validate checks the shape of the store once at load time so nothing is
// re-interpreted during a crawl.
func (s *StoreConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: store name is empty", ErrInvalidStoreConfig)
	}
	invalid := func(err error) error {
		return fmt.Errorf("%w: store %s: %w", ErrInvalidStoreConfig, s.Name, err)
	}
	switch s.CrawlType {
	case CrawlTypeFeed:
		if s.Feed == nil || s.Feed.FeedURL == "" {
			return invalid(errors.New("feed url is empty"))
		}
		if _, err := url.ParseRequestURI(s.Feed.FeedURL); err != nil {
			return invalid(err)
		}
	case CrawlTypeCrawler:
		if s.Crawler == nil {
			return invalid(errors.New("crawler options are missing"))
		}
		if err := s.Crawler.validate(); err != nil {
			return invalid(err)
		}
	default:
		return invalid(fmt.Errorf("unknown crawl type %q", s.CrawlType))
	}
	return nil
}

func (o *CrawlerOptions) validate() error {
	u, err := url.Parse(o.StartURL)
	if err != nil {
		return fmt.Errorf("start url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return fmt.Errorf("start url %q is not absolute", o.StartURL)
	}
	sel := o.Selectors
	if sel.ProductPage == "" || sel.ListPrice == "" {
		return errors.New("productPage and listPrice selectors are required")
	}
	if err := sel.Sku.validate(); err != nil {
		return err
	}
	if sel.Attributes != nil {
		if err := sel.Attributes.validate(); err != nil {
			return err
		}
	}
	if o.Sanitizers != nil {
		for _, rule := range o.Sanitizers.Sku {
			if _, err := rule.Compile(); err != nil {
				return err
			}
		}
	}
	return nil
}
