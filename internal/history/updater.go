// Package history turns the snapshots of one crawl or feed download into
// price interval and metadata mutations.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DrAndri/webstore-scraper/config"
	"github.com/DrAndri/webstore-scraper/internal/model"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidSnapshot = errors.New("invalid snapshot")

// PriceStore is the persistent side of the history. LatestInterval returns
// nil without error when the key has no interval yet.
type PriceStore interface {
	LatestInterval(ctx context.Context, storeID int64, sku string, salePrice bool) (*model.PriceInterval, error)
	InsertIntervals(ctx context.Context, intervals []model.PriceInterval) (int64, error)
	ExtendInterval(ctx context.Context, id int64, end time.Time) (model.UpsertResult, error)
	UpsertMetadata(ctx context.Context, metadata *model.ProductMetadata) (model.UpsertResult, error)
}

type Updater struct {
	db  PriceStore
	cfg *config.HistoryConfig
	log *slog.Logger
}

func NewUpdater(db PriceStore, cfg *config.HistoryConfig, log *slog.Logger) *Updater {
	return &Updater{db: db, cfg: cfg, log: log}
}

type extension struct {
	id  int64
	end time.Time
}

// pending collects the mutations decided for one update before submission.
type pending struct {
	mu         sync.Mutex
	inserts    []model.PriceInterval
	extensions []extension
	metadata   []*model.ProductMetadata
}

// Update records every snapshot at timestamp. The three groups of mutations
// are submitted independently; a failure in one is counted and does not roll
// back the others.
func (u *Updater) Update(ctx context.Context, store *model.StoreConfig, snapshots []model.ProductSnapshot,
	timestamp time.Time) (*model.StoreUpdateResult, error) {
	log := u.log.With(slog.String("store", store.Name))
	res := &model.StoreUpdateResult{Store: store.Name, Snapshots: len(snapshots)}
	var resMu sync.Mutex

	p := &pending{}
	g := &errgroup.Group{}
	g.SetLimit(u.cfg.Concurrency)

	for _, snapshot := range dedupe(snapshots) {
		product, err := sanitize(snapshot)
		if err != nil {
			log.Warn("rejecting snapshot.", slog.String("sku", snapshot.Sku), slog.String("err", err.Error()))
			res.Rejected++
			continue
		}
		onSale := isOnSale(product)
		p.metadata = append(p.metadata, metadataFor(product, store.ID, onSale, timestamp))

		kinds := []bool{false}
		if onSale {
			kinds = append(kinds, true)
		}
		for _, sale := range kinds {
			sale := sale
			price := product.Price
			if sale {
				price = *product.SalePrice
			}
			g.Go(func() error {
				latest, err := u.db.LatestInterval(ctx, store.ID, product.Sku, sale)
				if err != nil {
					log.Error("failed to read latest price.", slog.String("sku", product.Sku),
						slog.Bool("sale_price", sale), slog.String("err", err.Error()))
					resMu.Lock()
					res.LookupErrors++
					resMu.Unlock()
					return nil
				}
				p.add(latest, store.ID, product.Sku, sale, price, timestamp, u.cfg.PriceChangeThreshold)
				return nil
			})
		}
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}

	u.submit(ctx, p, res, log)

	log.Info("store updated.",
		slog.Int("snapshots", res.Snapshots),
		slog.Int("rejected", res.Rejected),
		slog.Int64("new_prices", res.NewPrices),
		slog.Int64("prices_matched", res.PriceUpdate.MatchedCount),
		slog.Int64("prices_modified", res.PriceUpdate.ModifiedCount),
		slog.Int64("metadata_matched", res.MetadataUpsert.MatchedCount),
		slog.Int64("metadata_modified", res.MetadataUpsert.ModifiedCount),
		slog.Int64("metadata_upserted", res.MetadataUpsert.UpsertedCount),
		slog.Int("failed_insertions", res.FailedInsertions),
		slog.Int("failed_extends", res.FailedExtends),
		slog.Int("failed_upserts", res.FailedUpserts))
	return res, ctx.Err()
}

func (p *pending) add(latest *model.PriceInterval, storeID int64, sku string, sale bool, price int64,
	ts time.Time, threshold time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if opensInterval(latest, price, ts, threshold) {
		p.inserts = append(p.inserts, model.PriceInterval{
			Sku:       sku,
			StoreID:   storeID,
			SalePrice: sale,
			Price:     price,
			Start:     ts,
			End:       ts,
		})
		return
	}
	end := latest.End
	if ts.After(end) {
		end = ts
	}
	p.extensions = append(p.extensions, extension{id: latest.ID, end: end})
}

// opensInterval reports whether price observed at ts starts a new interval.
// A different price only counts once the latest interval has not been
// confirmed for at least threshold; until then it extends the old one.
func opensInterval(latest *model.PriceInterval, price int64, ts time.Time, threshold time.Duration) bool {
	if latest == nil {
		return true
	}
	if latest.Price == price {
		return false
	}
	return !latest.End.After(ts.Add(-threshold))
}

func (u *Updater) submit(ctx context.Context, p *pending, res *model.StoreUpdateResult, log *slog.Logger) {
	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(u.cfg.Concurrency)

	if len(p.inserts) > 0 {
		g.Go(func() error {
			n, err := u.db.InsertIntervals(ctx, p.inserts)
			mu.Lock()
			defer mu.Unlock()
			res.NewPrices += n
			if err != nil {
				res.FailedInsertions += len(p.inserts) - int(n)
				log.Error("failed to insert price intervals.", slog.String("err", err.Error()))
			}
			return nil
		})
	}
	for _, ext := range p.extensions {
		ext := ext
		g.Go(func() error {
			r, err := u.db.ExtendInterval(ctx, ext.id, ext.end)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.FailedExtends++
				log.Error("failed to extend price interval.", slog.Int64("id", ext.id), slog.String("err", err.Error()))
				return nil
			}
			res.PriceUpdate.Add(r)
			return nil
		})
	}
	for _, m := range p.metadata {
		m := m
		g.Go(func() error {
			r, err := u.db.UpsertMetadata(ctx, m)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.FailedUpserts++
				log.Error("failed to upsert metadata.", slog.String("sku", m.Sku), slog.String("err", err.Error()))
				return nil
			}
			res.MetadataUpsert.Add(r)
			return nil
		})
	}
	_ = g.Wait()
}

// dedupe keeps the last snapshot of every SKU so one update never opens two
// intervals for the same key.
func dedupe(snapshots []model.ProductSnapshot) []model.ProductSnapshot {
	index := make(map[string]int, len(snapshots))
	out := make([]model.ProductSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		key := strings.TrimSpace(s.Sku)
		if i, ok := index[key]; ok {
			out[i] = s
			continue
		}
		index[key] = len(out)
		out = append(out, s)
	}
	return out
}

func sanitize(s model.ProductSnapshot) (model.ProductSnapshot, error) {
	s.Sku = strings.TrimSpace(s.Sku)
	if s.Sku == "" {
		return s, fmt.Errorf("%w: empty sku", ErrInvalidSnapshot)
	}
	if s.Price <= 0 {
		return s, fmt.Errorf("%w: price %d", ErrInvalidSnapshot, s.Price)
	}
	s.Title = trimmed(s.Title)
	s.Brand = trimmed(s.Brand)
	s.Gtin = trimmed(s.Gtin)
	return s, nil
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

func isOnSale(s model.ProductSnapshot) bool {
	return s.SalePrice != nil && *s.SalePrice > 0 && *s.SalePrice < s.Price
}

func metadataFor(s model.ProductSnapshot, storeID int64, onSale bool, ts time.Time) *model.ProductMetadata {
	m := &model.ProductMetadata{
		Sku:         s.Sku,
		StoreID:     storeID,
		Name:        s.Title,
		Brand:       s.Brand,
		Ean:         s.Gtin,
		Attributes:  s.Attributes,
		Categories:  s.Categories,
		Image:       s.Image,
		Description: s.Description,
		InStock:     s.InStock,
		LastSeen:    ts,
	}
	if s.URL != "" {
		url := s.URL
		m.URL = &url
	}
	if onSale {
		seen := ts
		m.SalePriceLastSeen = &seen
	}
	return m
}
