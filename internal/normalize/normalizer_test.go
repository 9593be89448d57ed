package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillstats/rankwatch/internal/books"
)

var collected = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestParse_FlatList(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"data":[
		{"novelId":"n1","novelName":"First","authorName":"a1","clickCount":"1.2万","favoriteCount":300,"chapterCount":120},
		{"novelid":"n2","novelname":"Second","clicknum":42},
		{"bookId":7,"title":"Third","tags":["玄幻","热血"]}
	]}`)

	items, err := Parse(payload, ShapeFlatList, collected)
	require.NoError(t, err)
	require.Len(t, items, 3)

	require.Equal(t, "n1", items[0].Book.SourceItemID)
	require.Equal(t, "First", items[0].Book.Title)
	require.Equal(t, "a1", items[0].Book.AuthorName)
	require.Equal(t, int64(12_000), items[0].Stat.Clicks)
	require.Equal(t, int64(300), items[0].Stat.Favorites)
	require.Equal(t, int64(120), items[0].Stat.Chapters)
	require.Equal(t, 1, items[0].Position)

	// Case-variant aliases resolve to the same logical fields.
	require.Equal(t, "n2", items[1].Book.SourceItemID)
	require.Equal(t, int64(42), items[1].Stat.Clicks)
	require.Equal(t, 2, items[1].Position)

	// Numeric ids are stringified; tags pass through.
	require.Equal(t, "7", items[2].Book.SourceItemID)
	require.Equal(t, []string{"玄幻", "热血"}, items[2].Book.Tags)
	require.Equal(t, 3, items[2].Position)

	require.Equal(t, collected, items[0].Stat.CollectedAt)
}

func TestParse_BareArrayPayload(t *testing.T) {
	t.Parallel()

	items, err := Parse([]byte(`[{"id":"x","title":"T"}]`), ShapeFlatList, collected)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "x", items[0].Book.SourceItemID)
}

func TestParse_BlocksFlattenedInDocumentOrder(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"data":{
		"weekly":[{"id":"b1","title":"One"},{"id":"b2","title":"Two"}],
		"monthly":[{"id":"b3","title":"Three"}]
	}}`)

	items, err := Parse(payload, ShapeBlocks, collected)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "b1", items[0].Book.SourceItemID)
	require.Equal(t, "b2", items[1].Book.SourceItemID)
	require.Equal(t, "b3", items[2].Book.SourceItemID)
	require.Equal(t, []int{1, 2, 3}, []int{items[0].Position, items[1].Position, items[2].Position})
}

func TestParse_BlocksAcceptsFlatCategoryPayload(t *testing.T) {
	t.Parallel()

	items, err := Parse([]byte(`{"data":[{"id":"c1","title":"Solo"}]}`), ShapeBlocks, collected)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestParse_SingleObject(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"data":{"novelId":"d1","novelName":"Detail","commentCount":"3千"}}`)
	items, err := Parse(payload, ShapeSingle, collected)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "d1", items[0].Book.SourceItemID)
	require.Equal(t, int64(3_000), items[0].Stat.Comments)
}

func TestParse_MissingIdentityAbortsBatch(t *testing.T) {
	t.Parallel()

	payload := []byte(`[
		{"id":"ok","title":"Fine"},
		{"clickCount":5}
	]`)
	items, err := Parse(payload, ShapeFlatList, collected)
	require.Nil(t, items)

	var me *books.MalformedResponseError
	require.ErrorAs(t, err, &me)
	require.Contains(t, me.Fragment, "clickCount")
}

func TestParse_TitleOnlyItemUsesTitleAsKey(t *testing.T) {
	t.Parallel()

	items, err := Parse([]byte(`[{"title":"Untracked"}]`), ShapeFlatList, collected)
	require.NoError(t, err)
	require.Equal(t, "Untracked", items[0].Book.SourceItemID)
}

func TestParse_UndecodablePayload(t *testing.T) {
	t.Parallel()

	for _, shape := range []Shape{ShapeFlatList, ShapeBlocks, ShapeSingle} {
		_, err := Parse([]byte(`{not json`), shape, collected)
		var me *books.MalformedResponseError
		require.ErrorAs(t, err, &me, "shape=%d", shape)
	}
}
