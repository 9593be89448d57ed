// Package postgres provides Postgres-backed persistence
// implementations for books and executions.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillstats/rankwatch/internal/books"
)

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// BookStore persists normalized books, stats and ranking snapshots.
type BookStore struct {
	pool db
}

// NewBookStore connects a pool and returns a BookStore.
func NewBookStore(ctx context.Context, dsn string) (*BookStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &BookStore{pool: pool}, nil
}

// NewBookStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewBookStoreWithPool(pool db) (*BookStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &BookStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *BookStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertBook creates or updates the book keyed by source item id.
func (s *BookStore) UpsertBook(ctx context.Context, book books.Book) error {
	if book.SourceItemID == "" {
		return fmt.Errorf("book source item id is required")
	}
	query := `
		INSERT INTO books (source_item_id, title, author_id, author_name, category, tags, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (source_item_id) DO UPDATE
		SET title = EXCLUDED.title,
			author_id = EXCLUDED.author_id,
			author_name = EXCLUDED.author_name,
			category = EXCLUDED.category,
			tags = EXCLUDED.tags,
			updated_at = now();
	`
	if _, err := s.pool.Exec(ctx, query,
		book.SourceItemID, book.Title, book.AuthorID, book.AuthorName, book.Category, book.Tags,
	); err != nil {
		return fmt.Errorf("upsert book: %w", err)
	}
	return nil
}

// AppendStat appends one stat snapshot row.
func (s *BookStore) AppendStat(ctx context.Context, stat books.BookStat) error {
	query := `
		INSERT INTO book_stats (source_id, source_item_id, clicks, favorites, comments, chapters, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	if _, err := s.pool.Exec(ctx, query,
		stat.SourceID, stat.SourceItemID, stat.Clicks, stat.Favorites, stat.Comments, stat.Chapters, stat.CollectedAt,
	); err != nil {
		return fmt.Errorf("append stat: %w", err)
	}
	return nil
}

// AppendRankingSnapshot appends one ranking position row.
func (s *BookStore) AppendRankingSnapshot(ctx context.Context, snap books.RankingSnapshot) error {
	query := `
		INSERT INTO ranking_snapshots (source_id, source_item_id, position, collected_at)
		VALUES ($1, $2, $3, $4);
	`
	if _, err := s.pool.Exec(ctx, query,
		snap.SourceID, snap.SourceItemID, snap.Position, snap.CollectedAt,
	); err != nil {
		return fmt.Errorf("append ranking snapshot: %w", err)
	}
	return nil
}

// FindSnapshotNear reports whether any ranking or stat snapshot for
// the source falls within +/- window of at.
func (s *BookStore) FindSnapshotNear(ctx context.Context, sourceID string, at time.Time, window time.Duration) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM ranking_snapshots
			WHERE source_id = $1 AND collected_at BETWEEN $2 AND $3
		) OR EXISTS (
			SELECT 1 FROM book_stats
			WHERE source_id = $1 AND collected_at BETWEEN $2 AND $3
		);
	`
	var found bool
	if err := s.pool.QueryRow(ctx, query, sourceID, at.Add(-window), at.Add(window)).Scan(&found); err != nil {
		return false, fmt.Errorf("find snapshot near: %w", err)
	}
	return found, nil
}
