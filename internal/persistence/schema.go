package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

// Timestamps are stored as unix milliseconds in every dialect.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS stores (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(191) NOT NULL UNIQUE,
		crawl_type VARCHAR(16) NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		options JSON NOT NULL,
		INDEX idx_stores_enabled (enabled)
	)`,
	`CREATE TABLE IF NOT EXISTS price_changes (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		sku VARCHAR(191) NOT NULL,
		sale_price BOOLEAN NOT NULL,
		price BIGINT NOT NULL,
		start_ms BIGINT NOT NULL,
		end_ms BIGINT NOT NULL,
		INDEX idx_price_changes_store_sku (store_id, sku),
		INDEX idx_price_changes_latest (store_id, sku, sale_price, end_ms)
	)`,
	`CREATE TABLE IF NOT EXISTS product_metadata (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		sku VARCHAR(191) NOT NULL,
		store_id BIGINT NOT NULL,
		name TEXT NULL,
		brand VARCHAR(255) NULL,
		ean VARCHAR(64) NULL,
		attributes JSON NULL,
		categories JSON NULL,
		image TEXT NULL,
		description MEDIUMTEXT NULL,
		in_stock BOOLEAN NULL,
		url TEXT NULL,
		last_seen_ms BIGINT NOT NULL,
		sale_price_last_seen_ms BIGINT NULL,
		UNIQUE INDEX idx_product_metadata_sku_store (sku, store_id)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS stores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		crawl_type TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		options TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stores_enabled ON stores(enabled)`,
	`CREATE TABLE IF NOT EXISTS price_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		store_id INTEGER NOT NULL,
		sku TEXT NOT NULL,
		sale_price BOOLEAN NOT NULL,
		price INTEGER NOT NULL,
		start_ms INTEGER NOT NULL,
		end_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_changes_store_sku ON price_changes(store_id, sku)`,
	`CREATE INDEX IF NOT EXISTS idx_price_changes_latest ON price_changes(store_id, sku, sale_price, end_ms)`,
	`CREATE TABLE IF NOT EXISTS product_metadata (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sku TEXT NOT NULL,
		store_id INTEGER NOT NULL,
		name TEXT,
		brand TEXT,
		ean TEXT,
		attributes TEXT,
		categories TEXT,
		image TEXT,
		description TEXT,
		in_stock BOOLEAN,
		url TEXT,
		last_seen_ms INTEGER NOT NULL,
		sale_price_last_seen_ms INTEGER
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_product_metadata_sku_store ON product_metadata(sku, store_id)`,
}

// EnsureSchema creates the tables and indexes that are missing. Statements
// run one by one since the mysql driver rejects multi statements by default.
func EnsureSchema(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var stmts []string
	switch dialect {
	case MySQL:
		stmts = mysqlSchema
	case SQLite:
		stmts = sqliteSchema
	default:
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
