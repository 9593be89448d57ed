// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/quillstats/rankwatch/internal/books"
)

// BookStore implements books.Store with process-local maps.
type BookStore struct {
	mu        sync.RWMutex
	books     map[string]books.Book
	stats     map[string][]books.BookStat
	snapshots map[string][]books.RankingSnapshot
}

// NewBookStore constructs a BookStore.
func NewBookStore() *BookStore {
	return &BookStore{
		books:     make(map[string]books.Book),
		stats:     make(map[string][]books.BookStat),
		snapshots: make(map[string][]books.RankingSnapshot),
	}
}

// UpsertBook creates or replaces the book keyed by SourceItemID.
func (s *BookStore) UpsertBook(_ context.Context, book books.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[book.SourceItemID] = book
	return nil
}

// AppendStat appends a stat snapshot for the book.
func (s *BookStore) AppendStat(_ context.Context, stat books.BookStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[stat.SourceItemID] = append(s.stats[stat.SourceItemID], stat)
	return nil
}

// AppendRankingSnapshot appends a ranking position for the source.
func (s *BookStore) AppendRankingSnapshot(_ context.Context, snap books.RankingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.SourceID] = append(s.snapshots[snap.SourceID], snap)
	return nil
}

// FindSnapshotNear reports whether any snapshot for the source falls
// within +/- window of at. Stat snapshots count as evidence too, so
// sources that never produce rankings are still covered.
func (s *BookStore) FindSnapshotNear(_ context.Context, sourceID string, at time.Time, window time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.snapshots[sourceID] {
		if within(snap.CollectedAt, at, window) {
			return true, nil
		}
	}
	for _, byBook := range s.stats {
		for _, stat := range byBook {
			if stat.SourceID == sourceID && within(stat.CollectedAt, at, window) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Book returns the stored book and whether it exists.
func (s *BookStore) Book(id string) (books.Book, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	return b, ok
}

// Stats returns all stat snapshots recorded for a book.
func (s *BookStore) Stats(id string) []books.BookStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]books.BookStat, len(s.stats[id]))
	copy(out, s.stats[id])
	return out
}

// Snapshots returns all ranking snapshots recorded for a source.
func (s *BookStore) Snapshots(sourceID string) []books.RankingSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]books.RankingSnapshot, len(s.snapshots[sourceID]))
	copy(out, s.snapshots[sourceID])
	return out
}

// BookCount returns the number of distinct books stored.
func (s *BookStore) BookCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books)
}

func within(t, at time.Time, window time.Duration) bool {
	diff := t.Sub(at)
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}
