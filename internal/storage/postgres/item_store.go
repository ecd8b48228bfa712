// Package postgres provides Postgres-backed persistence for annotated page
// items.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigbluedigital/pagefeed/internal/pagefeed"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ItemStoreConfig controls the Postgres connection pool used for item rows.
type ItemStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ItemStore writes annotated item rows into Postgres.
type ItemStore struct {
	pool  execCloser
	table string
	now   func() time.Time
}

// NewItemStore creates a Postgres-backed ItemStore using the provided config.
func NewItemStore(ctx context.Context, cfg ItemStoreConfig) (*ItemStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "page_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ItemStore{
		pool:  pool,
		table: table,
		now:   time.Now,
	}, nil
}

// NewItemStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewItemStoreWithPool(pool execCloser, table string) (*ItemStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "page_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ItemStore{pool: pool, table: table, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreItem inserts one annotated item row into Postgres. The item body
// lands in a JSONB column; the pagination coordinates are kept alongside so
// a row can be traced back to the exact page request that produced it.
func (s *ItemStore) StoreItem(ctx context.Context, item pagefeed.AnnotatedItem) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("item store is not configured")
	}
	if len(item.Item) == 0 {
		return fmt.Errorf("item body is required")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	item,
	item_offset,
	page_limit,
	page_offset,
	slot,
	slot_offset,
	last_page,
	stored_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, s.table)

	args := []any{
		uuid.New(),
		[]byte(item.Item),
		item.ItemOffset,
		item.PageLimit,
		item.PageOffset,
		item.Slot,
		item.SlotOffset,
		item.LooksLikeLastPage,
		s.now(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// StorePage inserts every item of one page event.
func (s *ItemStore) StorePage(ctx context.Context, ev pagefeed.PageEvent) error {
	for _, item := range pagefeed.AnnotateItems(ev) {
		if err := s.StoreItem(ctx, item); err != nil {
			return fmt.Errorf("page at offset %d: %w", ev.Offset, err)
		}
	}
	return nil
}
