package crawler

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/DrAndri/webstore-scraper/internal/urlmatch"
)

type TargetState int

const (
	Pending TargetState = iota
	Active
	Succeeded
	Failed
)

func (s TargetState) String() string {
	switch s {
	case Active:
		return "active"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

type CrawlTarget struct {
	URL        string
	RetryCount int
	State      TargetState
}

// Frontier is the FIFO of URLs still to visit in one crawl. It is not safe for
// concurrent use; CrawlRun serialises access.
type Frontier struct {
	seed      *url.URL
	whitelist []string
	blacklist []string
	seen      map[string]struct{}
	queue     []*CrawlTarget
}

// NewFrontier queues the seed itself without filtering.
func NewFrontier(seed string, whitelist, blacklist []string) (*Frontier, error) {
	u, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("seed %q has no host", seed)
	}
	f := &Frontier{
		seed:      u,
		whitelist: whitelist,
		blacklist: blacklist,
		seen:      make(map[string]struct{}),
	}
	key := normalize(u)
	f.seen[key] = struct{}{}
	f.queue = append(f.queue, &CrawlTarget{URL: key})
	return f, nil
}

// Accept resolves raw against the seed and applies the link filters. It
// returns the normalised URL and whether it may be queued, ignoring dedupe.
func (f *Frontier) Accept(raw string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	u := f.seed.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if urlmatch.HasExtension(u, urlmatch.NavigationExtensions) {
		return "", false
	}
	if len(f.whitelist) > 0 && !hasAnyPrefix(u.Path, f.whitelist) {
		return "", false
	}
	if hasAnyPrefix(u.Path, f.blacklist) {
		return "", false
	}
	if !urlmatch.HostMatches(f.seed.Hostname(), u.Hostname()) {
		return "", false
	}
	return normalize(u), true
}

// Enqueue adds every accepted, unseen URL and returns how many were added.
func (f *Frontier) Enqueue(urls ...string) int {
	added := 0
	for _, raw := range urls {
		key, ok := f.Accept(raw)
		if !ok {
			continue
		}
		if _, dup := f.seen[key]; dup {
			continue
		}
		f.seen[key] = struct{}{}
		f.queue = append(f.queue, &CrawlTarget{URL: key})
		added++
	}
	return added
}

func (f *Frontier) Pop() (*CrawlTarget, bool) {
	if len(f.queue) == 0 {
		return nil, false
	}
	t := f.queue[0]
	f.queue[0] = nil
	f.queue = f.queue[1:]
	return t, true
}

// Requeue puts a target that is being retried at the back of the queue.
func (f *Frontier) Requeue(t *CrawlTarget) {
	t.State = Pending
	f.queue = append(f.queue, t)
}

func (f *Frontier) SeedURL() string {
	return normalize(f.seed)
}

func (f *Frontier) Len() int {
	return len(f.queue)
}

func (f *Frontier) Seen() int {
	return len(f.seen)
}

func normalize(u *url.URL) string {
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	return n.String()
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
