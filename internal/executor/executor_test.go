package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quillstats/rankwatch/internal/books"
	"github.com/quillstats/rankwatch/internal/source"
	storememory "github.com/quillstats/rankwatch/internal/store/memory"
)

type fakeFetcher struct {
	payloads map[string][]byte
	err      error
}

func (f *fakeFetcher) Get(_ context.Context, url string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.payloads[url], nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeArchive struct {
	mu    sync.Mutex
	paths []string
	data  map[string][]byte
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{data: make(map[string][]byte)}
}

func (a *fakeArchive) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = append(a.paths, path)
	a.data[path] = data
	return "mem://" + path, nil
}

func mustSource(t *testing.T, cfg source.Config) source.Source {
	t.Helper()
	src, err := source.New(cfg)
	require.NoError(t, err)
	return src
}

func TestExecutor_Run_HotListSuccess(t *testing.T) {
	t.Parallel()

	src := mustSource(t, source.Config{
		ID:          "hot",
		Kind:        source.KindHotList,
		URLTemplate: "https://api.example.com/hot",
	})
	payload := []byte(`{"data":[
		{"novelId":"n1","novelName":"One","clickCount":"1万"},
		{"novelId":"n2","novelName":"Two","clickCount":200},
		{"novelId":"n3","novelName":"Three"}
	]}`)

	store := storememory.NewBookStore()
	clock := fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	fetcher := &fakeFetcher{payloads: map[string][]byte{"https://api.example.com/hot": payload}}

	e := New(fetcher, store, nil, clock, Config{}, zap.NewNop())
	res := e.Run(context.Background(), src)

	require.NoError(t, res.Err)
	require.Equal(t, 3, res.ItemCount)
	require.Equal(t, 3, store.BookCount())

	stats := store.Stats("n1")
	require.Len(t, stats, 1)
	require.Equal(t, "hot", stats[0].SourceID)
	require.Equal(t, int64(10_000), stats[0].Clicks)
	require.Equal(t, clock.now, stats[0].CollectedAt)

	snaps := store.Snapshots("hot")
	require.Len(t, snaps, 3)
	require.Equal(t, 1, snaps[0].Position)
	require.Equal(t, "n1", snaps[0].SourceItemID)
	require.Equal(t, 3, snaps[2].Position)
}

func TestExecutor_Run_DetailSourceSkipsRanking(t *testing.T) {
	t.Parallel()

	src := mustSource(t, source.Config{
		ID:          "detail-9",
		Kind:        source.KindDetail,
		URLTemplate: "https://api.example.com/book/9",
	})
	store := storememory.NewBookStore()
	fetcher := &fakeFetcher{payloads: map[string][]byte{
		"https://api.example.com/book/9": []byte(`{"data":{"novelId":"9","novelName":"Solo","favoriteCount":"2千"}}`),
	}}

	e := New(fetcher, store, nil, fakeClock{now: time.Now().UTC()}, Config{}, zap.NewNop())
	res := e.Run(context.Background(), src)

	require.NoError(t, res.Err)
	require.Equal(t, 1, res.ItemCount)
	require.Empty(t, store.Snapshots("detail-9"))

	stats := store.Stats("9")
	require.Len(t, stats, 1)
	require.Equal(t, "detail-9", stats[0].SourceID)
	require.Equal(t, int64(2_000), stats[0].Favorites)
}

func TestExecutor_Run_TransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	src := mustSource(t, source.Config{ID: "hot", Kind: source.KindHotList, URLTemplate: "https://x/hot"})
	fetcher := &fakeFetcher{err: books.NewTransient("get", context.DeadlineExceeded)}

	e := New(fetcher, storememory.NewBookStore(), nil, fakeClock{now: time.Now().UTC()}, Config{}, zap.NewNop())
	res := e.Run(context.Background(), src)

	require.Error(t, res.Err)
	require.True(t, books.IsTransient(res.Err))
	require.Zero(t, res.ItemCount)
}

func TestExecutor_Run_MalformedItemIsFatalAndPersistsNothing(t *testing.T) {
	t.Parallel()

	src := mustSource(t, source.Config{ID: "hot", Kind: source.KindHotList, URLTemplate: "https://x/hot"})
	store := storememory.NewBookStore()
	fetcher := &fakeFetcher{payloads: map[string][]byte{
		"https://x/hot": []byte(`[{"novelId":"ok","novelName":"Fine"},{"clickCount":1}]`),
	}}

	e := New(fetcher, store, nil, fakeClock{now: time.Now().UTC()}, Config{}, zap.NewNop())
	res := e.Run(context.Background(), src)

	require.Error(t, res.Err)
	require.True(t, books.IsFatal(res.Err))
	require.Zero(t, store.BookCount(), "a malformed item aborts the whole batch")
}

func TestExecutor_Run_ArchivesRawPayload(t *testing.T) {
	t.Parallel()

	src := mustSource(t, source.Config{ID: "hot", Kind: source.KindHotList, URLTemplate: "https://x/hot"})
	payload := []byte(`[{"novelId":"n1","novelName":"One"}]`)
	archive := newFakeArchive()
	clock := fakeClock{now: time.Unix(1_750_000_000, 0).UTC()}
	fetcher := &fakeFetcher{payloads: map[string][]byte{"https://x/hot": payload}}

	e := New(fetcher, storememory.NewBookStore(), archive, clock, Config{ArchivePrefix: "raw"}, zap.NewNop())
	res := e.Run(context.Background(), src)

	require.NoError(t, res.Err)
	require.Len(t, archive.paths, 1)
	require.Equal(t, "raw/hot/1750000000.json", archive.paths[0])
	require.Equal(t, payload, archive.data[archive.paths[0]])
}
