package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/quillstats/rankwatch/internal/books"
)

func TestUpsertBookWritesConflictUpdate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewBookStoreWithPool(mock)
	require.NoError(t, err)

	book := books.Book{
		SourceItemID: "10086",
		Title:        "临高启明",
		AuthorID:     "77",
		AuthorName:   "吹牛者",
		Category:     "历史",
		Tags:         []string{"穿越", "群穿"},
	}

	mock.ExpectExec("INSERT INTO books").
		WithArgs(book.SourceItemID, book.Title, book.AuthorID, book.AuthorName, book.Category, book.Tags).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertBook(context.Background(), book))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBookRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewBookStoreWithPool(mock)
	require.NoError(t, err)

	require.Error(t, store.UpsertBook(context.Background(), books.Book{Title: "untitled"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendStatInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewBookStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1750000000, 0).UTC()
	stat := books.BookStat{
		SourceID:     "detail-10086",
		SourceItemID: "10086",
		Clicks:       12000,
		Favorites:    340,
		Comments:     56,
		Chapters:     789,
		CollectedAt:  now,
	}

	mock.ExpectExec("INSERT INTO book_stats").
		WithArgs(stat.SourceID, stat.SourceItemID, stat.Clicks, stat.Favorites, stat.Comments, stat.Chapters, stat.CollectedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AppendStat(context.Background(), stat))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSnapshotNearBoundsWindow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewBookStoreWithPool(mock)
	require.NoError(t, err)

	at := time.Unix(1750000000, 0).UTC()
	window := 30 * time.Minute

	// Both ranking and stat rows count as evidence.
	mock.ExpectQuery(`ranking_snapshots(?s).*book_stats`).
		WithArgs("hot", at.Add(-window), at.Add(window)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	found, err := store.FindSnapshotNear(context.Background(), "hot", at, window)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}
