package persistence

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DrAndri/webstore-scraper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	t0      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "prices.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(context.Background(), db, SQLite))
	return db
}

func ptr[T any](v T) *T { return &v }

func TestEnsureSchemaIsRepeatable(t *testing.T) {
	db := openSQLite(t)
	assert.NoError(t, EnsureSchema(context.Background(), db, SQLite))
	assert.Error(t, EnsureSchema(context.Background(), db, "postgres"))
}

func TestPriceIntervals(t *testing.T) {
	ctx := context.Background()
	repo := NewPriceRepository(openSQLite(t), SQLite, discard)

	latest, err := repo.LatestInterval(ctx, 1, "AB-1", false)
	require.NoError(t, err)
	assert.Nil(t, latest)

	n, err := repo.InsertIntervals(ctx, []model.PriceInterval{
		{Sku: "AB-1", StoreID: 1, Price: 1000, Start: t0, End: t0},
		{Sku: "AB-1", StoreID: 1, SalePrice: true, Price: 800, Start: t0, End: t0},
		{Sku: "AB-1", StoreID: 2, Price: 1200, Start: t0, End: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	latest, err = repo.LatestInterval(ctx, 1, "AB-1", true)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(800), latest.Price)
	assert.Equal(t, t0, latest.Start)

	later := t0.Add(24 * time.Hour)
	res, err := repo.ExtendInterval(ctx, latest.ID, later)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertResult{MatchedCount: 1, ModifiedCount: 1}, res)

	// extending to the same end again changes nothing
	res, err = repo.ExtendInterval(ctx, latest.ID, later)
	require.NoError(t, err)
	assert.Zero(t, res.ModifiedCount)

	n, err = repo.InsertIntervals(ctx, []model.PriceInterval{
		{Sku: "AB-1", StoreID: 1, SalePrice: true, Price: 700, Start: later.Add(72 * time.Hour), End: later.Add(72 * time.Hour)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := repo.Intervals(ctx, 1, "AB-1", true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, later, list[0].End)
	assert.Equal(t, int64(700), list[1].Price)

	latest, err = repo.LatestInterval(ctx, 1, "AB-1", true)
	require.NoError(t, err)
	assert.Equal(t, int64(700), latest.Price)
}

func TestInsertIntervalsInChunks(t *testing.T) {
	repo := NewPriceRepository(openSQLite(t), SQLite, discard)
	intervals := make([]model.PriceInterval, insertChunkSize+3)
	for i := range intervals {
		intervals[i] = model.PriceInterval{Sku: "AB-1", StoreID: 1, Price: int64(i + 1), Start: t0, End: t0}
	}
	n, err := repo.InsertIntervals(context.Background(), intervals)
	require.NoError(t, err)
	assert.Equal(t, int64(len(intervals)), n)
}

func TestMetadataIsSticky(t *testing.T) {
	ctx := context.Background()
	repo := NewPriceRepository(openSQLite(t), SQLite, discard)

	first := &model.ProductMetadata{
		Sku:         "AB-1",
		StoreID:     1,
		Name:        ptr("Skjár 27\""),
		Brand:       ptr("Dell"),
		Attributes:  []model.AttributeGroup{{Name: "Almennt", Attributes: []model.Attribute{{Name: "Stærð", Value: "27"}}}},
		Categories:  []string{"Tölvur", "Skjáir"},
		InStock:     ptr(true),
		URL:         ptr("https://shop.is/vara/AB-1"),
		LastSeen:    t0,
		Description: ptr("Góður skjár"),
	}
	res, err := repo.UpsertMetadata(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.UpsertedCount)

	sale := t0.Add(24 * time.Hour)
	second := &model.ProductMetadata{
		Sku:               "AB-1",
		StoreID:           1,
		Name:              ptr("Skjár 27\" nýr"),
		InStock:           ptr(false),
		LastSeen:          sale,
		SalePriceLastSeen: &sale,
	}
	res, err = repo.UpsertMetadata(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertResult{MatchedCount: 1, ModifiedCount: 1}, res)

	got, err := repo.GetMetadata(ctx, 1, "AB-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Skjár 27\" nýr", *got.Name)
	assert.Equal(t, "Dell", *got.Brand)
	assert.Nil(t, got.Ean)
	assert.False(t, *got.InStock)
	assert.Equal(t, first.Attributes, got.Attributes)
	assert.Equal(t, []string{"Tölvur", "Skjáir"}, got.Categories)
	assert.Equal(t, "Góður skjár", *got.Description)
	assert.Equal(t, sale, got.LastSeen)
	require.NotNil(t, got.SalePriceLastSeen)
	assert.Equal(t, sale, *got.SalePriceLastSeen)

	// a later crawl without a sale keeps the last time one was seen
	res, err = repo.UpsertMetadata(ctx, &model.ProductMetadata{Sku: "AB-1", StoreID: 1, LastSeen: sale.Add(time.Hour)})
	require.NoError(t, err)
	got, err = repo.GetMetadata(ctx, 1, "AB-1")
	require.NoError(t, err)
	assert.Equal(t, sale, *got.SalePriceLastSeen)

	missing, err := repo.GetMetadata(ctx, 2, "AB-1")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func feedStore(name string) *model.StoreConfig {
	return &model.StoreConfig{
		Name:      name,
		CrawlType: model.CrawlTypeFeed,
		Enabled:   true,
		Feed:      &model.FeedOptions{FeedURL: "https://" + name + ".is/feed.xml"},
	}
}

func crawlerStore(name string) *model.StoreConfig {
	return &model.StoreConfig{
		Name:      name,
		CrawlType: model.CrawlTypeCrawler,
		Enabled:   true,
		Crawler: &model.CrawlerOptions{
			StartURL:              "https://" + name + ".is/",
			ProductPageIdentifier: "add-to-cart",
			Selectors: model.ProductSelectors{
				ProductPage: ".product",
				ListPrice:   ".price",
				Sku:         model.SkuRule{Source: model.SkuFromURL, Delimiter: "/", Index: model.LastToken},
			},
			URLBlacklist: []string{"https://" + name + ".is/karfa"},
		},
	}
}

func TestStoresRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewStoreRepository(openSQLite(t), SQLite, discard)

	crawler := crawlerStore("tolvutek")
	require.NoError(t, repo.Save(ctx, crawler))
	require.NoError(t, repo.Save(ctx, feedStore("elko")))
	disabled := feedStore("heimkaup")
	disabled.Enabled = false
	require.NoError(t, repo.Save(ctx, disabled))

	// saving under the same name replaces the store
	crawler.Crawler.ScrollToBottom = true
	id := crawler.ID
	require.NoError(t, repo.Save(ctx, crawler))
	assert.Equal(t, id, crawler.ID)

	stores, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, stores, 2)
	assert.Equal(t, crawler, stores[0])
	assert.Equal(t, "https://elko.is/feed.xml", stores[1].Feed.FeedURL)
}

func TestListEnabledRejectsInvalidStore(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	repo := NewStoreRepository(db, SQLite, discard)
	require.NoError(t, repo.Save(ctx, feedStore("elko")))

	_, err := db.Exec(`INSERT INTO stores (name, crawl_type, enabled, options) VALUES (?, ?, ?, ?)`,
		"broken", "crawler", true, `{"startUrl":"https://broken.is/","selectors":{"productPage":".p"}}`)
	require.NoError(t, err)

	_, err = repo.ListEnabled(ctx)
	assert.ErrorIs(t, err, model.ErrInvalidStoreConfig)
}

func TestSaveRejectsInvalidStore(t *testing.T) {
	repo := NewStoreRepository(openSQLite(t), SQLite, discard)
	s := feedStore("elko")
	s.Feed.FeedURL = ""
	assert.ErrorIs(t, repo.Save(context.Background(), s), model.ErrInvalidStoreConfig)
}

func TestImportStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"name": "elko", "crawlType": "feed", "options": {"feedUrl": "https://elko.is/feed.xml"}},
		{"name": "tolvutek", "crawlType": "crawler", "enabled": false, "options": {
			"startUrl": "https://tolvutek.is/",
			"productPageIdentifier": "add-to-cart",
			"selectors": {"productPage": ".product", "listPrice": ".price", "sku": ".sku"}
		}}
	]`), 0o600))

	ctx := context.Background()
	repo := NewStoreRepository(openSQLite(t), SQLite, discard)
	n, err := repo.Import(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stores, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.Equal(t, "elko", stores[0].Name)
}
