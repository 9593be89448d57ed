// Package books defines core domain records shared across subsystems.
package books

import "time"

// Book is the canonical identity record for one upstream title.
// Produced by the normalizer, keyed by the upstream item id.
type Book struct {
	SourceItemID string   `json:"source_item_id"`
	Title        string   `json:"title"`
	AuthorID     string   `json:"author_id,omitempty"`
	AuthorName   string   `json:"author_name,omitempty"`
	Category     string   `json:"category,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// BookStat is one point-in-time counter snapshot for a book.
// SourceID records which source the collection came from.
type BookStat struct {
	SourceID     string    `json:"source_id"`
	SourceItemID string    `json:"source_item_id"`
	Clicks       int64     `json:"clicks"`
	Favorites    int64     `json:"favorites"`
	Comments     int64     `json:"comments"`
	Chapters     int64     `json:"chapters"`
	CollectedAt  time.Time `json:"collected_at"`
}

// RankingSnapshot records the position a book held on a ranked source
// at collection time. Position is 1-based list order.
type RankingSnapshot struct {
	SourceID     string    `json:"source_id"`
	SourceItemID string    `json:"source_item_id"`
	Position     int       `json:"position"`
	CollectedAt  time.Time `json:"collected_at"`
}
