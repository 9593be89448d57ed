package normalize

// fieldAliases maps each logical field to the upstream key variants
// observed across API generations, in lookup priority order. The
// first key present in an item wins.
var fieldAliases = map[string][]string{
	"id":        {"novelId", "novelid", "bookId", "book_id", "id"},
	"title":     {"novelName", "novelname", "bookName", "title", "name"},
	"authorId":  {"authorId", "authorid", "author_id"},
	"author":    {"authorName", "authorname", "author", "penName"},
	"category":  {"categoryName", "category", "sortName", "className"},
	"tags":      {"tags", "tagList", "keyWord"},
	"clicks":    {"clickCount", "clicknum", "allVisit", "views"},
	"favorites": {"favoriteCount", "collectNum", "allFavorite", "favorites"},
	"comments":  {"commentCount", "commentNum", "comments"},
	"chapters":  {"chapterCount", "chapterNum", "chapters", "sizeCount"},
}

// lookup returns the first aliased value present in the item.
func lookup(item map[string]any, field string) (any, bool) {
	for _, key := range fieldAliases[field] {
		if v, ok := item[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(item map[string]any, field string) string {
	v, ok := lookup(item, field)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// Numeric ids arrive as JSON numbers from older endpoints.
		return formatNumericID(s)
	default:
		return ""
	}
}

func numberField(item map[string]any, field string, def int64) int64 {
	v, ok := lookup(item, field)
	if !ok {
		return def
	}
	return numberFromValue(v, def)
}

func tagsField(item map[string]any) []string {
	v, ok := lookup(item, "tags")
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return splitTags(t)
	default:
		return nil
	}
}
