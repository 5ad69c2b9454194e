package browser

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/DrAndri/webstore-scraper/internal/urlmatch"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// stubImage is a 1x1 png served in place of every image.
const stubImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAIAAACQd1PeAAAAAXNSR0IB2cksfwAAAARnQU1BAACxjwv8YQUAAAAgY0hSTQAAeiYAAICEAAD6AAAAgOgAAHUwAADqYAAAOpgAABdwnLpRPAAAAAlwSFlzAAAuIwAALiMBeKU/dgAAAAxJREFUCNdj+P//PwAF/gL+3MxZ5wAAAABJRU5ErkJggg=="

type Action int

const (
	Continue Action = iota
	StubImage
	Block
	ServeCached
)

func (a Action) String() string {
	switch a {
	case StubImage:
		return "stub_image"
	case Block:
		return "block"
	case ServeCached:
		return "serve_cached"
	default:
		return "continue"
	}
}

var blockedResourceTypes = []network.ResourceType{
	network.ResourceTypeStylesheet,
	network.ResourceTypeMedia,
	network.ResourceTypeFont,
	network.ResourceTypeWebSocket,
	network.ResourceTypeOther,
}

type RequestInfo struct {
	URL          string
	ResourceType network.ResourceType
}

// Interceptor decides what happens to every sub-resource request of the pages
// of one crawl run.
type Interceptor struct {
	seedHost string
	cache    *ScriptCache
	log      *slog.Logger
}

func NewInterceptor(seedHost string, cache *ScriptCache, log *slog.Logger) *Interceptor {
	return &Interceptor{seedHost: seedHost, cache: cache, log: log}
}

func (i *Interceptor) Decide(req RequestInfo) Action {
	if req.ResourceType == network.ResourceTypeImage {
		return StubImage
	}
	for _, t := range blockedResourceTypes {
		if req.ResourceType == t {
			return Block
		}
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return Continue
	}
	if urlmatch.HasExtension(u, urlmatch.AssetExtensions) || urlmatch.IsTracker(req.URL) {
		return Block
	}
	if i.cacheable(req, u) {
		if _, ok := i.cache.Get(req.URL); ok {
			return ServeCached
		}
	}
	return Continue
}

func (i *Interceptor) cacheable(req RequestInfo, u *url.URL) bool {
	isScript := req.ResourceType == network.ResourceTypeScript || strings.HasSuffix(strings.ToLower(u.Path), ".js")
	return isScript && urlmatch.HostMatches(i.seedHost, u.Hostname())
}

// enable pauses every request before it is sent and script responses before
// they reach the page.
func (i *Interceptor) enable() chromedp.Action {
	return fetch.Enable().WithPatterns([]*fetch.RequestPattern{
		{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
		{URLPattern: "*", ResourceType: network.ResourceTypeScript, RequestStage: fetch.RequestStageResponse},
	})
}

// listen must be attached to a tab context. Paused requests are handled off
// the event goroutine since answering them is itself a browser command.
func (i *Interceptor) listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev any) {
		if e, ok := ev.(*fetch.EventRequestPaused); ok {
			go i.handle(ctx, e)
		}
	})
}

func (i *Interceptor) handle(ctx context.Context, e *fetch.EventRequestPaused) {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return
	}
	ectx := cdp.WithExecutor(ctx, c.Target)

	var err error
	if e.ResponseStatusCode != 0 || e.ResponseErrorReason != "" {
		err = i.handleResponse(ectx, e)
	} else {
		err = i.handleRequest(ectx, e)
	}
	if err != nil && ctx.Err() == nil {
		i.log.Debug("failed to answer paused request.", slog.String("url", e.Request.URL),
			slog.String("err", err.Error()))
	}
}

func (i *Interceptor) handleRequest(ctx context.Context, e *fetch.EventRequestPaused) error {
	req := RequestInfo{URL: e.Request.URL, ResourceType: e.ResourceType}
	switch i.Decide(req) {
	case StubImage:
		return fetch.FulfillRequest(e.RequestID, 200).
			WithResponseHeaders([]*fetch.HeaderEntry{{Name: "Content-Type", Value: "image/png"}}).
			WithBody(stubImage).Do(ctx)
	case Block:
		return fetch.FulfillRequest(e.RequestID, 200).Do(ctx)
	case ServeCached:
		if entry, ok := i.cache.Get(req.URL); ok {
			return fulfill(ctx, e.RequestID, entry)
		}
	}
	return fetch.ContinueRequest(e.RequestID).Do(ctx)
}

// handleResponse stores a same-origin script body and hands it to the page.
func (i *Interceptor) handleResponse(ctx context.Context, e *fetch.EventRequestPaused) error {
	u, err := url.Parse(e.Request.URL)
	if err != nil || e.ResponseErrorReason != "" || e.ResponseStatusCode != 200 ||
		!i.cacheable(RequestInfo{URL: e.Request.URL, ResourceType: e.ResourceType}, u) {
		return fetch.ContinueRequest(e.RequestID).Do(ctx)
	}
	body, err := fetch.GetResponseBody(e.RequestID).Do(ctx)
	if err != nil {
		i.log.Warn("failed to cache script.", slog.String("url", e.Request.URL), slog.String("err", err.Error()))
		return fetch.ContinueRequest(e.RequestID).Do(ctx)
	}
	entry := &CacheEntry{
		URL:       e.Request.URL,
		Status:    e.ResponseStatusCode,
		Headers:   replayHeaders(e.ResponseHeaders),
		Body:      body,
		ExpiresAt: time.Now().Add(MaxAge(headerValue(e.ResponseHeaders, "Cache-Control"))),
	}
	i.cache.Put(entry)
	return fulfill(ctx, e.RequestID, entry)
}

func fulfill(ctx context.Context, id fetch.RequestID, entry *CacheEntry) error {
	return fetch.FulfillRequest(id, entry.Status).
		WithResponseHeaders(entry.Headers).
		WithBody(base64.StdEncoding.EncodeToString(entry.Body)).
		Do(ctx)
}
