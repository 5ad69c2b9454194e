// Package browser drives headless Chrome for the crawler. One Browser is
// started per crawl run and every Page of that run shares its cookies and
// script cache.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrBlocked     = errors.New("navigation blocked by server")
	ErrNoContainer = errors.New("container not found")
)

// NavigationError is returned when a page load fails or the document
// response is one a retry might fix.
type NavigationError struct {
	URL    string
	Status int64
	Reason string
	Err    error
}

func (e *NavigationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("navigate %s: status %d", e.URL, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("navigate %s: %s", e.URL, e.Err)
	}
	return fmt.Sprintf("navigate %s: %s", e.URL, e.Reason)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

type Launcher interface {
	// Launch starts a browser for one crawl of the site rooted at seed.
	Launch(ctx context.Context, seed string) (Browser, error)
}

type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close()
}

type Page interface {
	// Navigate loads url and waits for the load lifecycle event.
	Navigate(ctx context.Context, url string) error
	// URL is the location after the last navigation, redirects included.
	URL() string
	// HasProduct reports whether container is present and the document
	// contains marker.
	HasProduct(ctx context.Context, container, marker string) (bool, error)
	// Click clicks selector inside the first container when it matches exactly
	// one element. An empty container searches the whole document.
	Click(ctx context.Context, container, selector string) (int, error)
	// DocumentHTML returns the outerHTML of the whole document, or
	// ErrNoContainer when container matches nothing.
	DocumentHTML(ctx context.Context, container string) (string, error)
	ScrollToBottom(ctx context.Context, maxScrolls int, wait time.Duration) error
	// Links returns the resolved href of every anchor on the page.
	Links(ctx context.Context) ([]string, error)
	Close()
}
