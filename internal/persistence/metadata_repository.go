package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/DrAndri/webstore-scraper/internal/model"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const metadataColumns = `sku, store_id, name, brand, ean, attributes, categories, image, description, in_stock,
	url, last_seen_ms, sale_price_last_seen_ms`

// Optional fields are sticky: a value missing from this crawl keeps whatever
// an earlier crawl stored.
const mysqlUpsertMetadata = `INSERT INTO product_metadata (` + metadataColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		name = COALESCE(VALUES(name), name),
		brand = COALESCE(VALUES(brand), brand),
		ean = COALESCE(VALUES(ean), ean),
		attributes = COALESCE(VALUES(attributes), attributes),
		categories = COALESCE(VALUES(categories), categories),
		image = COALESCE(VALUES(image), image),
		description = COALESCE(VALUES(description), description),
		in_stock = COALESCE(VALUES(in_stock), in_stock),
		url = COALESCE(VALUES(url), url),
		last_seen_ms = VALUES(last_seen_ms),
		sale_price_last_seen_ms = COALESCE(VALUES(sale_price_last_seen_ms), sale_price_last_seen_ms)`

const sqliteUpsertMetadata = `INSERT INTO product_metadata (` + metadataColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(sku, store_id) DO UPDATE SET
		name = COALESCE(excluded.name, product_metadata.name),
		brand = COALESCE(excluded.brand, product_metadata.brand),
		ean = COALESCE(excluded.ean, product_metadata.ean),
		attributes = COALESCE(excluded.attributes, product_metadata.attributes),
		categories = COALESCE(excluded.categories, product_metadata.categories),
		image = COALESCE(excluded.image, product_metadata.image),
		description = COALESCE(excluded.description, product_metadata.description),
		in_stock = COALESCE(excluded.in_stock, product_metadata.in_stock),
		url = COALESCE(excluded.url, product_metadata.url),
		last_seen_ms = excluded.last_seen_ms,
		sale_price_last_seen_ms = COALESCE(excluded.sale_price_last_seen_ms, product_metadata.sale_price_last_seen_ms)`

func (r *PriceRepository) UpsertMetadata(ctx context.Context, m *model.ProductMetadata) (model.UpsertResult, error) {
	args, err := metadataArgs(m)
	if err != nil {
		return model.UpsertResult{}, err
	}

	switch r.dialect {
	case MySQL:
		res, err := r.db.ExecContext(ctx, mysqlUpsertMetadata, args...)
		if err != nil {
			return model.UpsertResult{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return model.UpsertResult{}, err
		}
		// 1 for a new row, 2 for an updated row, 0 for an unchanged one
		switch n {
		case 1:
			return model.UpsertResult{UpsertedCount: 1}, nil
		case 2:
			return model.UpsertResult{MatchedCount: 1, ModifiedCount: 1}, nil
		default:
			return model.UpsertResult{MatchedCount: 1}, nil
		}
	case SQLite:
		var exists int
		err = r.db.QueryRowContext(ctx, `SELECT 1 FROM product_metadata WHERE sku = ? AND store_id = ?`,
			m.Sku, m.StoreID).Scan(&exists)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return model.UpsertResult{}, err
		}
		if _, err = r.db.ExecContext(ctx, sqliteUpsertMetadata, args...); err != nil {
			return model.UpsertResult{}, err
		}
		if exists == 1 {
			return model.UpsertResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
		return model.UpsertResult{UpsertedCount: 1}, nil
	default:
		return model.UpsertResult{}, fmt.Errorf("unsupported dialect %q", r.dialect)
	}
}

func metadataArgs(m *model.ProductMetadata) ([]any, error) {
	attributes, err := jsonColumn(m.Attributes, len(m.Attributes) == 0)
	if err != nil {
		return nil, err
	}
	categories, err := jsonColumn(m.Categories, len(m.Categories) == 0)
	if err != nil {
		return nil, err
	}
	var salePriceLastSeen any
	if m.SalePriceLastSeen != nil {
		salePriceLastSeen = m.SalePriceLastSeen.UnixMilli()
	}
	return []any{
		m.Sku, m.StoreID,
		nullable(m.Name), nullable(m.Brand), nullable(m.Ean),
		attributes, categories,
		nullable(m.Image), nullable(m.Description),
		nullableBool(m.InStock), nullable(m.URL),
		m.LastSeen.UnixMilli(), salePriceLastSeen,
	}, nil
}

func jsonColumn(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

// GetMetadata returns nil without error when the product is unknown.
func (r *PriceRepository) GetMetadata(ctx context.Context, storeID int64, sku string) (*model.ProductMetadata, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+metadataColumns+` FROM product_metadata WHERE sku = ? AND store_id = ?`,
		sku, storeID)
	var (
		m                                        model.ProductMetadata
		name, brand, ean, attributes, categories sql.NullString
		image, description, url                  sql.NullString
		inStock                                  sql.NullBool
		lastSeen                                 int64
		salePriceLastSeen                        sql.NullInt64
	)
	err := row.Scan(&m.Sku, &m.StoreID, &name, &brand, &ean, &attributes, &categories, &image, &description,
		&inStock, &url, &lastSeen, &salePriceLastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Name = fromNull(name)
	m.Brand = fromNull(brand)
	m.Ean = fromNull(ean)
	m.Image = fromNull(image)
	m.Description = fromNull(description)
	m.URL = fromNull(url)
	if inStock.Valid {
		m.InStock = &inStock.Bool
	}
	if attributes.Valid {
		if err = json.Unmarshal([]byte(attributes.String), &m.Attributes); err != nil {
			return nil, err
		}
	}
	if categories.Valid {
		if err = json.Unmarshal([]byte(categories.String), &m.Categories); err != nil {
			return nil, err
		}
	}
	m.LastSeen = time.UnixMilli(lastSeen).UTC()
	if salePriceLastSeen.Valid {
		t := time.UnixMilli(salePriceLastSeen.Int64).UTC()
		m.SalePriceLastSeen = &t
	}
	return &m, nil
}

func fromNull(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
