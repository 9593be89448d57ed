package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillstats/rankwatch/internal/books"
)

func TestBookStore_UpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewBookStore()

	book := books.Book{SourceItemID: "n1", Title: "Original"}
	require.NoError(t, s.UpsertBook(ctx, book))

	book.Title = "Renamed"
	require.NoError(t, s.UpsertBook(ctx, book))

	require.Equal(t, 1, s.BookCount())
	got, ok := s.Book("n1")
	require.True(t, ok)
	require.Equal(t, "Renamed", got.Title)
}

func TestBookStore_FindSnapshotNear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewBookStore()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendRankingSnapshot(ctx, books.RankingSnapshot{
		SourceID:     "hot",
		SourceItemID: "n1",
		Position:     1,
		CollectedAt:  at.Add(10 * time.Minute),
	}))

	found, err := s.FindSnapshotNear(ctx, "hot", at, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, found)

	found, err = s.FindSnapshotNear(ctx, "hot", at.Add(2*time.Hour), 30*time.Minute)
	require.NoError(t, err)
	require.False(t, found)

	found, err = s.FindSnapshotNear(ctx, "other", at, 30*time.Minute)
	require.NoError(t, err)
	require.False(t, found)
}

func TestBookStore_StatCountsAsSnapshotEvidence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewBookStore()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// A detail source writes stats only, never rankings.
	require.NoError(t, s.AppendStat(ctx, books.BookStat{
		SourceID:     "detail-n1",
		SourceItemID: "n1",
		Clicks:       100,
		CollectedAt:  at,
	}))

	found, err := s.FindSnapshotNear(ctx, "detail-n1", at, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, found)

	// Stats from one source are not evidence for another.
	found, err = s.FindSnapshotNear(ctx, "hot", at, 30*time.Minute)
	require.NoError(t, err)
	require.False(t, found)

	found, err = s.FindSnapshotNear(ctx, "detail-n1", at.Add(2*time.Hour), 30*time.Minute)
	require.NoError(t, err)
	require.False(t, found)
}
