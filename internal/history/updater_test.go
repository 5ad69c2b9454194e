package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DrAndri/webstore-scraper/config"
	"github.com/DrAndri/webstore-scraper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	intervals []model.PriceInterval
	metadata  map[string]model.ProductMetadata
	failMeta  bool
}

func newMemStore() *memStore {
	return &memStore{metadata: map[string]model.ProductMetadata{}}
}

func (m *memStore) LatestInterval(_ context.Context, storeID int64, sku string, sale bool) (*model.PriceInterval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.PriceInterval
	for i := range m.intervals {
		iv := m.intervals[i]
		if iv.StoreID != storeID || iv.Sku != sku || iv.SalePrice != sale {
			continue
		}
		if latest == nil || iv.End.After(latest.End) {
			latest = &iv
		}
	}
	return latest, nil
}

func (m *memStore) InsertIntervals(_ context.Context, intervals []model.PriceInterval) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, iv := range intervals {
		m.nextID++
		iv.ID = m.nextID
		m.intervals = append(m.intervals, iv)
	}
	return int64(len(intervals)), nil
}

func (m *memStore) ExtendInterval(_ context.Context, id int64, end time.Time) (model.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.intervals {
		if m.intervals[i].ID == id {
			res := model.UpsertResult{MatchedCount: 1}
			if !m.intervals[i].End.Equal(end) {
				m.intervals[i].End = end
				res.ModifiedCount = 1
			}
			return res, nil
		}
	}
	return model.UpsertResult{}, nil
}

func (m *memStore) UpsertMetadata(_ context.Context, md *model.ProductMetadata) (model.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMeta {
		return model.UpsertResult{}, errors.New("connection reset")
	}
	key := md.Sku
	if _, ok := m.metadata[key]; ok {
		m.metadata[key] = *md
		return model.UpsertResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	m.metadata[key] = *md
	return model.UpsertResult{UpsertedCount: 1}, nil
}

func (m *memStore) forKey(sku string, sale bool) []model.PriceInterval {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PriceInterval
	for _, iv := range m.intervals {
		if iv.Sku == sku && iv.SalePrice == sale {
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

const threshold = 48 * time.Hour

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	store   = &model.StoreConfig{ID: 3, Name: "Verslun"}
	t0      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newUpdater(db PriceStore) *Updater {
	return NewUpdater(db, &config.HistoryConfig{PriceChangeThreshold: threshold, Concurrency: 4}, discard)
}

func snapshot(sku string, price int64, sale *int64) model.ProductSnapshot {
	return model.ProductSnapshot{Sku: sku, Price: price, SalePrice: sale, URL: "https://shop.is/vara/" + sku}
}

func ptr[T any](v T) *T { return &v }

func TestFirstSnapshotOpensInterval(t *testing.T) {
	db := newMemStore()
	res, err := newUpdater(db).Update(context.Background(), store, []model.ProductSnapshot{snapshot("AB-1", 1000, ptr[int64](1000))}, t0)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.NewPrices)
	assert.Equal(t, int64(1), res.MetadataUpsert.UpsertedCount)
	list := db.forKey("AB-1", false)
	require.Len(t, list, 1)
	assert.Equal(t, t0, list[0].Start)
	assert.Equal(t, t0, list[0].End)
	assert.Empty(t, db.forKey("AB-1", true))
	assert.Nil(t, db.metadata["AB-1"].SalePriceLastSeen)
}

func TestSaleOpensSecondKind(t *testing.T) {
	db := newMemStore()
	res, err := newUpdater(db).Update(context.Background(), store, []model.ProductSnapshot{snapshot("AB-1", 1500, ptr[int64](1000))}, t0)
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.NewPrices)
	assert.Equal(t, int64(1000), db.forKey("AB-1", true)[0].Price)
	assert.Equal(t, int64(1500), db.forKey("AB-1", false)[0].Price)
	require.NotNil(t, db.metadata["AB-1"].SalePriceLastSeen)
	assert.Equal(t, t0, *db.metadata["AB-1"].SalePriceLastSeen)
}

func TestUpdateIsIdempotent(t *testing.T) {
	db := newMemStore()
	u := newUpdater(db)
	snaps := []model.ProductSnapshot{snapshot("AB-1", 1000, nil)}

	_, err := u.Update(context.Background(), store, snaps, t0)
	require.NoError(t, err)
	res, err := u.Update(context.Background(), store, snaps, t0)
	require.NoError(t, err)

	assert.Zero(t, res.NewPrices)
	assert.Equal(t, int64(1), res.PriceUpdate.MatchedCount)
	assert.Zero(t, res.PriceUpdate.ModifiedCount)
	assert.Len(t, db.forKey("AB-1", false), 1)
}

func TestDuplicateSkusInOneUpdate(t *testing.T) {
	db := newMemStore()
	snaps := []model.ProductSnapshot{snapshot("AB-1", 1000, nil), snapshot("AB-1", 1000, nil)}
	res, err := newUpdater(db).Update(context.Background(), store, snaps, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NewPrices)
	assert.Len(t, db.forKey("AB-1", false), 1)
}

func TestAntiFlap(t *testing.T) {
	db := newMemStore()
	u := newUpdater(db)
	ctx := context.Background()

	_, err := u.Update(ctx, store, []model.ProductSnapshot{snapshot("AB-1", 1000, nil)}, t0)
	require.NoError(t, err)

	t1 := t0.Add(threshold - time.Hour)
	res, err := u.Update(ctx, store, []model.ProductSnapshot{snapshot("AB-1", 900, nil)}, t1)
	require.NoError(t, err)
	assert.Zero(t, res.NewPrices)
	list := db.forKey("AB-1", false)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1000), list[0].Price)
	assert.Equal(t, t1, list[0].End)

	t2 := t1.Add(threshold)
	res, err = u.Update(ctx, store, []model.ProductSnapshot{snapshot("AB-1", 900, nil)}, t2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NewPrices)
	list = db.forKey("AB-1", false)
	require.Len(t, list, 2)
	assert.Equal(t, int64(900), list[1].Price)
	assert.Equal(t, t2, list[1].Start)
}

func TestOpensInterval(t *testing.T) {
	latest := &model.PriceInterval{Price: 1000, Start: t0, End: t0}
	assert.True(t, opensInterval(nil, 1000, t0, threshold))
	assert.False(t, opensInterval(latest, 1000, t0.Add(10*threshold), threshold))
	assert.False(t, opensInterval(latest, 900, t0.Add(threshold-time.Nanosecond), threshold))
	assert.True(t, opensInterval(latest, 900, t0.Add(threshold), threshold))
	assert.False(t, opensInterval(latest, 900, t0, threshold))
}

// Intervals of one key never overlap and exactly one has the greatest end.
func TestIntervalsStayOrdered(t *testing.T) {
	db := newMemStore()
	u := newUpdater(db)
	prices := []int64{1000, 1000, 900, 900, 1100, 800, 800, 1000, 950, 950}
	ts := t0
	for i, price := range prices {
		// alternate short and long gaps so some changes fall inside the window
		gap := 12 * time.Hour
		if i%3 == 0 {
			gap = 3 * 24 * time.Hour
		}
		ts = ts.Add(gap)
		_, err := u.Update(context.Background(), store, []model.ProductSnapshot{snapshot("AB-1", price, nil)}, ts)
		require.NoError(t, err)
	}

	list := db.forKey("AB-1", false)
	require.NotEmpty(t, list)
	maxEnds := 0
	last := list[len(list)-1].End
	for i, iv := range list {
		assert.False(t, iv.End.Before(iv.Start))
		if i > 0 {
			assert.True(t, list[i-1].End.Before(iv.Start))
		}
		if iv.End.Equal(last) {
			maxEnds++
		}
	}
	assert.Equal(t, 1, maxEnds)
	assert.Equal(t, ts, last)
}

func TestRejectsInvalidSnapshots(t *testing.T) {
	db := newMemStore()
	snaps := []model.ProductSnapshot{snapshot(" ", 1000, nil), snapshot("AB-2", 0, nil), snapshot("AB-3", 10, nil)}
	res, err := newUpdater(db).Update(context.Background(), store, snaps, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, int64(1), res.NewPrices)
}

func TestMetadataFailureDoesNotBlockPrices(t *testing.T) {
	db := newMemStore()
	db.failMeta = true
	res, err := newUpdater(db).Update(context.Background(), store, []model.ProductSnapshot{snapshot("AB-1", 1000, nil)}, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedUpserts)
	assert.Equal(t, int64(1), res.NewPrices)
}

func TestMetadataFromSnapshot(t *testing.T) {
	s := snapshot("AB-1", 1500, ptr[int64](1200))
	s.Title = ptr(" Sími ")
	s.Brand = ptr("")
	s.Gtin = ptr("5690000000001")
	s.Categories = []string{"Símar"}
	clean, err := sanitize(s)
	require.NoError(t, err)

	m := metadataFor(clean, 3, isOnSale(clean), t0)
	assert.Equal(t, "Sími", *m.Name)
	assert.Nil(t, m.Brand)
	assert.Equal(t, "5690000000001", *m.Ean)
	assert.Equal(t, "https://shop.is/vara/AB-1", *m.URL)
	assert.Equal(t, []string{"Símar"}, m.Categories)
	assert.Equal(t, t0, m.LastSeen)
	assert.NotNil(t, m.SalePriceLastSeen)
}
