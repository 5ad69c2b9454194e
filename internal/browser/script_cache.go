package browser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/patrickmn/go-cache"
)

const DefaultScriptMaxAge = 900 * time.Second

var maxAgeRe = regexp.MustCompile(`max-age=(\d+)`)

type CacheEntry struct {
	URL       string
	Status    int64
	Headers   []*fetch.HeaderEntry
	Body      []byte
	ExpiresAt time.Time
}

// ScriptCache holds same-origin script responses for one crawl run. There is
// no janitor: an expired entry is invisible to Get and replaced by the next
// Put for the same URL.
type ScriptCache struct {
	items *cache.Cache
}

func NewScriptCache() *ScriptCache {
	return &ScriptCache{items: cache.New(cache.NoExpiration, 0)}
}

func (c *ScriptCache) Get(url string) (*CacheEntry, bool) {
	v, ok := c.items.Get(url)
	if !ok {
		return nil, false
	}
	return v.(*CacheEntry), true
}

func (c *ScriptCache) Put(entry *CacheEntry) {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}
	c.items.Set(entry.URL, entry, ttl)
}

func (c *ScriptCache) Len() int {
	return c.items.ItemCount()
}

// MaxAge reads max-age from a Cache-Control value.
func MaxAge(cacheControl string) time.Duration {
	m := maxAgeRe.FindStringSubmatch(cacheControl)
	if len(m) < 2 {
		return DefaultScriptMaxAge
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return DefaultScriptMaxAge
	}
	return time.Duration(secs) * time.Second
}

func headerValue(headers []*fetch.HeaderEntry, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// replayHeaders drops the headers that describe the wire encoding. The body
// from Fetch.getResponseBody is already decoded.
func replayHeaders(headers []*fetch.HeaderEntry) []*fetch.HeaderEntry {
	out := make([]*fetch.HeaderEntry, 0, len(headers))
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Encoding") || strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		out = append(out, h)
	}
	return out
}
