package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/DrAndri/webstore-scraper/internal/model"
	jsoniter "github.com/json-iterator/go"
)

type StoreStorage interface {
	ListEnabled(ctx context.Context) ([]*model.StoreConfig, error)
}

type StoreRepository struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
}

func NewStoreRepository(db *sql.DB, dialect Dialect, log *slog.Logger) *StoreRepository {
	return &StoreRepository{db: db, dialect: dialect, log: log}
}

// ListEnabled loads and validates every enabled store. A single store with an
// invalid shape fails the whole call.
func (r *StoreRepository) ListEnabled(ctx context.Context) ([]*model.StoreConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, crawl_type, enabled, options FROM stores WHERE enabled = ? ORDER BY id`, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stores []*model.StoreConfig
	for rows.Next() {
		var (
			s       model.StoreConfig
			options string
		)
		if err = rows.Scan(&s.ID, &s.Name, &s.CrawlType, &s.Enabled, &options); err != nil {
			return nil, err
		}
		if err = decodeOptions(&s, []byte(options)); err != nil {
			return nil, err
		}
		if err = s.Validate(); err != nil {
			return nil, err
		}
		stores = append(stores, &s)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	r.log.Debug("stores loaded.", slog.Int("count", len(stores)))
	return stores, nil
}

func decodeOptions(s *model.StoreConfig, options []byte) error {
	var err error
	switch s.CrawlType {
	case model.CrawlTypeCrawler:
		s.Crawler = &model.CrawlerOptions{}
		err = json.Unmarshal(options, s.Crawler)
	case model.CrawlTypeFeed:
		s.Feed = &model.FeedOptions{}
		err = json.Unmarshal(options, s.Feed)
	default:
		return fmt.Errorf("%w: store %s: unknown crawl type %q", model.ErrInvalidStoreConfig, s.Name, s.CrawlType)
	}
	if err != nil {
		return fmt.Errorf("%w: store %s: %w", model.ErrInvalidStoreConfig, s.Name, err)
	}
	return nil
}

// Save inserts the store or replaces the store with the same name and sets
// s.ID.
func (r *StoreRepository) Save(ctx context.Context, s *model.StoreConfig) error {
	if err := s.Validate(); err != nil {
		return err
	}
	var options any = s.Feed
	if s.CrawlType == model.CrawlTypeCrawler {
		options = s.Crawler
	}
	body, err := json.Marshal(options)
	if err != nil {
		return err
	}

	var query string
	switch r.dialect {
	case MySQL:
		query = `INSERT INTO stores (name, crawl_type, enabled, options) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE crawl_type = VALUES(crawl_type), enabled = VALUES(enabled), options = VALUES(options)`
	case SQLite:
		query = `INSERT INTO stores (name, crawl_type, enabled, options) VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET crawl_type = excluded.crawl_type, enabled = excluded.enabled,
			options = excluded.options`
	default:
		return fmt.Errorf("unsupported dialect %q", r.dialect)
	}
	if _, err = r.db.ExecContext(ctx, query, s.Name, s.CrawlType, s.Enabled, string(body)); err != nil {
		return fmt.Errorf("save store %s: %w", s.Name, err)
	}
	return r.db.QueryRowContext(ctx, `SELECT id FROM stores WHERE name = ?`, s.Name).Scan(&s.ID)
}

// Import reads a JSON array of stores from path and saves each of them.
// Options use the same layout as the options column.
func (r *StoreRepository) Import(ctx context.Context, path string) (int, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var entries []struct {
		Name      string              `json:"name"`
		CrawlType model.CrawlType     `json:"crawlType"`
		Enabled   *bool               `json:"enabled,omitempty"`
		Options   jsoniter.RawMessage `json:"options"`
	}
	if err = json.Unmarshal(body, &entries); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, e := range entries {
		s := &model.StoreConfig{Name: e.Name, CrawlType: e.CrawlType, Enabled: e.Enabled == nil || *e.Enabled}
		if err = decodeOptions(s, e.Options); err != nil {
			return i, err
		}
		if err = r.Save(ctx, s); err != nil {
			return i, err
		}
		r.log.Info("store imported.", slog.String("store", s.Name), slog.Int64("id", s.ID))
	}
	return len(entries), nil
}
