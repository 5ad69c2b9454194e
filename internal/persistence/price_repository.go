package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DrAndri/webstore-scraper/internal/model"
)

// insertChunkSize keeps multi-row inserts under the placeholder limits of
// both drivers.
const insertChunkSize = 500

// PriceRepository persists price intervals and product metadata.
type PriceRepository struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
}

func NewPriceRepository(db *sql.DB, dialect Dialect, log *slog.Logger) *PriceRepository {
	return &PriceRepository{db: db, dialect: dialect, log: log}
}

func (r *PriceRepository) LatestInterval(ctx context.Context, storeID int64, sku string,
	salePrice bool) (*model.PriceInterval, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, store_id, sku, sale_price, price, start_ms, end_ms FROM price_changes
		WHERE store_id = ? AND sku = ? AND sale_price = ? ORDER BY end_ms DESC LIMIT 1`,
		storeID, sku, salePrice)
	var (
		iv         model.PriceInterval
		start, end int64
	)
	err := row.Scan(&iv.ID, &iv.StoreID, &iv.Sku, &iv.SalePrice, &iv.Price, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	iv.Start = time.UnixMilli(start).UTC()
	iv.End = time.UnixMilli(end).UTC()
	return &iv, nil
}

// InsertIntervals inserts in chunks and returns how many rows were written
// before the first failing chunk.
func (r *PriceRepository) InsertIntervals(ctx context.Context, intervals []model.PriceInterval) (int64, error) {
	var inserted int64
	for start := 0; start < len(intervals); start += insertChunkSize {
		chunk := intervals[start:min(start+insertChunkSize, len(intervals))]
		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*6)
		for _, iv := range chunk {
			placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?)")
			args = append(args, iv.StoreID, iv.Sku, iv.SalePrice, iv.Price, iv.Start.UnixMilli(), iv.End.UnixMilli())
		}
		query := `INSERT INTO price_changes (store_id, sku, sale_price, price, start_ms, end_ms) VALUES ` +
			strings.Join(placeholders, ", ")
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("insert price changes: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = int64(len(chunk))
		}
		inserted += n
	}
	r.log.Debug("price intervals inserted.", slog.Int64("count", inserted))
	return inserted, nil
}

// ExtendInterval moves the end of an interval forward. The interval comes
// from LatestInterval of the same update, so no affected row means its end
// was already at or past end.
func (r *PriceRepository) ExtendInterval(ctx context.Context, id int64, end time.Time) (model.UpsertResult, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE price_changes SET end_ms = ? WHERE id = ? AND end_ms < ?`,
		end.UnixMilli(), id, end.UnixMilli())
	if err != nil {
		return model.UpsertResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.UpsertResult{}, err
	}
	return model.UpsertResult{MatchedCount: 1, ModifiedCount: n}, nil
}

// Intervals lists the intervals of one key oldest first.
func (r *PriceRepository) Intervals(ctx context.Context, storeID int64, sku string,
	salePrice bool) ([]model.PriceInterval, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, store_id, sku, sale_price, price, start_ms, end_ms FROM price_changes
		WHERE store_id = ? AND sku = ? AND sale_price = ? ORDER BY start_ms`,
		storeID, sku, salePrice)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PriceInterval
	for rows.Next() {
		var (
			iv         model.PriceInterval
			start, end int64
		)
		if err = rows.Scan(&iv.ID, &iv.StoreID, &iv.Sku, &iv.SalePrice, &iv.Price, &start, &end); err != nil {
			return nil, err
		}
		iv.Start = time.UnixMilli(start).UTC()
		iv.End = time.UnixMilli(end).UTC()
		out = append(out, iv)
	}
	return out, rows.Err()
}
