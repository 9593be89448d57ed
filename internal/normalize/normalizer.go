package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quillstats/rankwatch/internal/books"
)

// Shape hints how a source's payload is laid out.
type Shape int

// Payload shapes handled by Parse.
const (
	// ShapeFlatList is a single ordered list of items.
	ShapeFlatList Shape = iota
	// ShapeBlocks is an object of named item lists, flattened in
	// document order.
	ShapeBlocks
	// ShapeSingle is one item object.
	ShapeSingle
)

// Item pairs the identity record with its counter snapshot for one
// upstream entry. Position preserves original list order, 1-based.
type Item struct {
	Book     books.Book
	Stat     books.BookStat
	Position int
}

// Parse converts a raw JSON payload into normalized items. The first
// item missing both id and title aborts the whole parse with a
// MalformedResponseError carrying the offending fragment.
func Parse(payload []byte, shape Shape, collectedAt time.Time) ([]Item, error) {
	rawItems, err := extractItems(payload, shape)
	if err != nil {
		return nil, err
	}

	out := make([]Item, 0, len(rawItems))
	for i, raw := range rawItems {
		item, err := parseItem(raw, i+1, collectedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func parseItem(raw map[string]any, position int, collectedAt time.Time) (Item, error) {
	id := stringField(raw, "id")
	title := stringField(raw, "title")
	if id == "" && title == "" {
		return Item{}, &books.MalformedResponseError{
			Reason:   "item missing identity id and title",
			Fragment: fragment(raw),
		}
	}
	if id == "" {
		// Title-only items keep the title as a stable surrogate key.
		id = title
	}

	book := books.Book{
		SourceItemID: id,
		Title:        title,
		AuthorID:     stringField(raw, "authorId"),
		AuthorName:   stringField(raw, "author"),
		Category:     stringField(raw, "category"),
		Tags:         tagsField(raw),
	}
	stat := books.BookStat{
		SourceItemID: id,
		Clicks:       numberField(raw, "clicks", 0),
		Favorites:    numberField(raw, "favorites", 0),
		Comments:     numberField(raw, "comments", 0),
		Chapters:     numberField(raw, "chapters", 0),
		CollectedAt:  collectedAt,
	}
	return Item{Book: book, Stat: stat, Position: position}, nil
}

// extractItems pulls the ordered item list out of the payload
// according to its shape hint.
func extractItems(payload []byte, shape Shape) ([]map[string]any, error) {
	switch shape {
	case ShapeSingle:
		var item map[string]any
		if err := json.Unmarshal(payload, &item); err != nil {
			return nil, &books.MalformedResponseError{Reason: fmt.Sprintf("decode item object: %v", err)}
		}
		if inner, ok := item["data"].(map[string]any); ok {
			item = inner
		}
		return []map[string]any{item}, nil
	case ShapeBlocks:
		return extractBlocks(payload)
	default:
		return extractFlatList(payload)
	}
}

func extractFlatList(payload []byte) ([]map[string]any, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	body := payload
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.Data) > 0 {
		body = envelope.Data
	}
	var list []map[string]any
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &books.MalformedResponseError{Reason: fmt.Sprintf("decode item list: %v", err)}
	}
	return list, nil
}

// extractBlocks flattens named blocks in document order. A map decode
// would lose key ordering, so the object is walked with a token
// decoder instead.
func extractBlocks(payload []byte) ([]map[string]any, error) {
	body := payload
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.Data) > 0 {
		body = envelope.Data
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		// Some category responses are already flat.
		return extractFlatList(body)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return nil, &books.MalformedResponseError{Reason: fmt.Sprintf("decode blocks: %v", err)}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, &books.MalformedResponseError{Reason: "category payload is neither list nor blocks"}
	}

	var out []map[string]any
	for dec.More() {
		if _, err := dec.Token(); err != nil { // block name
			return nil, &books.MalformedResponseError{Reason: fmt.Sprintf("decode block name: %v", err)}
		}
		var block []map[string]any
		if err := dec.Decode(&block); err != nil {
			return nil, &books.MalformedResponseError{Reason: fmt.Sprintf("decode block list: %v", err)}
		}
		out = append(out, block...)
	}
	return out, nil
}

const maxFragmentLen = 200

// fragment renders a bounded view of the raw item for error reports.
func fragment(raw map[string]any) string {
	b, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	if len(b) > maxFragmentLen {
		b = b[:maxFragmentLen]
	}
	return string(b)
}

func formatNumericID(f float64) string {
	return strconv.FormatInt(int64(f), 10)
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '，' || r == '|' || r == ' '
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
