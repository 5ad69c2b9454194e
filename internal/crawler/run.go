package crawler

import (
	"context"
	"sync"

	"github.com/DrAndri/webstore-scraper/internal/extract"
	"github.com/DrAndri/webstore-scraper/internal/model"
)

type Stats struct {
	Requests        int `json:"requests"`
	Processed       int `json:"processed"`
	Errored         int `json:"errored"`
	NotProduct      int `json:"not_product"`
	Retried         int `json:"retried"`
	Failed          int `json:"failed"`
	Discovered      int `json:"discovered"`
	NameErrors      int `json:"name_errors"`
	InStockErrors   int `json:"in_stock_errors"`
	ImageErrors     int `json:"image_errors"`
	BrandErrors     int `json:"brand_errors"`
	DescErrors      int `json:"description_errors"`
	AttributeErrors int `json:"attribute_errors"`
	CategoryErrors  int `json:"category_errors"`
}

// CrawlRun is the state of one crawl: the frontier, the products found so
// far and the counters. Workers only touch it through its methods.
type CrawlRun struct {
	mu   sync.Mutex
	cond *sync.Cond

	frontier    *Frontier
	maxRequests int
	maxRetries  int
	started     int
	inFlight    int
	exhausted   bool

	products map[string]model.ProductSnapshot
	order    []string
	stats    Stats
}

func newCrawlRun(f *Frontier, maxRequests, maxRetries int) *CrawlRun {
	r := &CrawlRun{
		frontier:    f,
		maxRequests: maxRequests,
		maxRetries:  maxRetries,
		products:    make(map[string]model.ProductSnapshot),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// next blocks until a target is available. It returns false once the
// frontier is drained with nothing in flight, the request budget is spent or
// ctx is done.
func (r *CrawlRun) next(ctx context.Context) (*CrawlTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if ctx.Err() != nil || r.exhausted {
			return nil, false
		}
		if r.frontier.Len() > 0 && r.started >= r.maxRequests {
			r.exhausted = true
			r.cond.Broadcast()
			return nil, false
		}
		if t, ok := r.frontier.Pop(); ok {
			t.State = Active
			if t.RetryCount == 0 {
				r.started++
			}
			r.inFlight++
			return t, true
		}
		if r.inFlight == 0 {
			r.cond.Broadcast()
			return nil, false
		}
		r.cond.Wait()
	}
}

// complete records the outcome of a target. A failed target goes back to the
// frontier until its retry budget is spent.
func (r *CrawlRun) complete(t *CrawlTarget, err error) (retry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.cond.Broadcast()
	r.inFlight--

	switch {
	case err == nil:
		t.State = Succeeded
	case t.RetryCount < r.maxRetries:
		t.RetryCount++
		r.frontier.Requeue(t)
		r.stats.Retried++
		return true
	default:
		t.State = Failed
		r.stats.Failed++
	}
	return false
}

func (r *CrawlRun) enqueue(links []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.frontier.Enqueue(links...)
	r.stats.Discovered += n
	if n > 0 {
		r.cond.Broadcast()
	}
	return n
}

func (r *CrawlRun) requested(isProduct bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Requests++
	if !isProduct {
		r.stats.NotProduct++
	}
}

func (r *CrawlRun) record(res *extract.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sku := res.Product.Sku
	if _, ok := r.products[sku]; !ok {
		r.order = append(r.order, sku)
	}
	r.products[sku] = res.Product
	r.stats.Processed++

	e := res.Errors
	count := func(failed bool, n *int) {
		if failed {
			*n++
		}
	}
	count(e.Name, &r.stats.NameErrors)
	count(e.InStock, &r.stats.InStockErrors)
	count(e.Image, &r.stats.ImageErrors)
	count(e.Brand, &r.stats.BrandErrors)
	count(e.Description, &r.stats.DescErrors)
	count(e.Attributes, &r.stats.AttributeErrors)
	count(e.Categories, &r.stats.CategoryErrors)
}

func (r *CrawlRun) recordError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Errored++
}

// wake releases workers blocked in next, used when ctx is cancelled.
func (r *CrawlRun) wake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cond.Broadcast()
}

// snapshot returns the products in discovery order, one per SKU.
func (r *CrawlRun) snapshot() ([]model.ProductSnapshot, Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	products := make([]model.ProductSnapshot, 0, len(r.order))
	for _, sku := range r.order {
		products = append(products, r.products[sku])
	}
	return products, r.stats, r.exhausted
}
