package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
    store_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    store_name TEXT,
    category TEXT NOT NULL,
    category_path TEXT,
    name TEXT NOT NULL,
    price REAL,
    in_stock BOOLEAN NOT NULL DEFAULT 0,
    brand TEXT,
    image_url TEXT,
    product_url TEXT,
    page INTEGER NOT NULL,
    scraped_at DATETIME NOT NULL,

    -- 同一门店同一商品只保留最新一条
    UNIQUE(store_id, product_id)
);

CREATE INDEX IF NOT EXISTS idx_products_store ON products(store_id);
CREATE INDEX IF NOT EXISTS idx_products_category ON products(category);`

const upsert = `
INSERT INTO products (store_id, product_id, store_name, category, category_path, name, price,
    in_stock, brand, image_url, product_url, page, scraped_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(store_id, product_id) DO UPDATE SET
    store_name = excluded.store_name,
    category = excluded.category,
    category_path = excluded.category_path,
    name = excluded.name,
    price = excluded.price,
    in_stock = excluded.in_stock,
    brand = excluded.brand,
    image_url = excluded.image_url,
    product_url = excluded.product_url,
    page = excluded.page,
    scraped_at = excluded.scraped_at`

// SQLite 按(门店, 商品)去重写入SQLite
type SQLite struct {
	db *sql.DB
}

// NewSQLite 打开数据库并初始化表结构
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// SQLite单写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Write 实现Sink,一批记录在同一事务内写入
func (s *SQLite) Write(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("准备语句失败: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var price sql.NullFloat64
		if r.Price != nil {
			price = sql.NullFloat64{Float64: *r.Price, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.StoreID, r.ProductID, r.StoreName, r.Category, r.CategoryPath, r.Name, price,
			r.InStock, r.Brand, r.ImageURL, r.ProductURL, r.Page, r.ScrapedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("写入商品 %s/%s 失败: %w", r.StoreID, r.ProductID, err)
		}
	}
	return tx.Commit()
}

// Count 表中记录数
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n)
	return n, err
}

// Close 实现Sink
func (s *SQLite) Close() error {
	return s.db.Close()
}
