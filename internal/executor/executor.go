// Package executor runs one crawl source end to end: fetch,
// normalize, persist.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quillstats/rankwatch/internal/books"
	"github.com/quillstats/rankwatch/internal/metrics"
	"github.com/quillstats/rankwatch/internal/normalize"
	"github.com/quillstats/rankwatch/internal/source"
)

// Fetcher issues the upstream GET. Satisfied by httpclient.Client.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Result reports one crawl run. Err is nil on success, a
// TransientError on retryable failure, or a MalformedResponseError /
// ConfigurationError on fatal failure.
type Result struct {
	SourceID   string
	ItemCount  int
	RawPayload []byte
	Err        error
}

// Config toggles optional executor behavior.
type Config struct {
	// ArchivePrefix prepends raw-payload blob paths; empty disables
	// archiving even when a blob store is wired.
	ArchivePrefix string
}

// Executor is stateless and safe for concurrent reuse across jobs.
type Executor struct {
	client  Fetcher
	store   books.Store
	archive books.BlobStore
	clock   books.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Executor. The archive may be nil.
func New(client Fetcher, store books.Store, archive books.BlobStore, clock books.Clock, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		client:  client,
		store:   store,
		archive: archive,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run crawls one source. It never panics past its boundary: every
// failure comes back inside the Result.
func (e *Executor) Run(ctx context.Context, src source.Source) Result {
	res := Result{SourceID: src.ID()}

	payload, err := e.client.Get(ctx, src.BuildURL())
	if err != nil {
		res.Err = err
		metrics.ObserveCrawl(src.ID(), outcome(err), 0)
		return res
	}
	res.RawPayload = payload

	now := e.clock.Now()
	items, err := normalize.Parse(payload, src.ExpectedShape(), now)
	if err != nil {
		res.Err = err
		metrics.ObserveCrawl(src.ID(), outcome(err), 0)
		return res
	}

	if err := e.persist(ctx, src, items); err != nil {
		res.Err = err
		metrics.ObserveCrawl(src.ID(), outcome(err), 0)
		return res
	}
	res.ItemCount = len(items)

	e.archiveRaw(ctx, src, payload, now)

	metrics.ObserveCrawl(src.ID(), "success", len(items))
	e.logger.Info("crawl completed",
		zap.String("source", src.ID()),
		zap.Int("items", len(items)),
	)
	return res
}

func (e *Executor) persist(ctx context.Context, src source.Source, items []normalize.Item) error {
	for _, item := range items {
		if err := e.store.UpsertBook(ctx, item.Book); err != nil {
			return books.NewTransient("upsert book "+item.Book.SourceItemID, err)
		}
		stat := item.Stat
		stat.SourceID = src.ID()
		if err := e.store.AppendStat(ctx, stat); err != nil {
			return books.NewTransient("append stat "+item.Book.SourceItemID, err)
		}
		if !src.Ranked() {
			continue
		}
		snap := books.RankingSnapshot{
			SourceID:     src.ID(),
			SourceItemID: item.Book.SourceItemID,
			Position:     item.Position,
			CollectedAt:  item.Stat.CollectedAt,
		}
		if err := e.store.AppendRankingSnapshot(ctx, snap); err != nil {
			return books.NewTransient("append ranking snapshot "+item.Book.SourceItemID, err)
		}
	}
	return nil
}

// archiveRaw stores the raw payload when an archive is wired. Archive
// failures are logged, never fatal: the crawl already persisted.
func (e *Executor) archiveRaw(ctx context.Context, src source.Source, payload []byte, now time.Time) {
	if e.archive == nil || e.cfg.ArchivePrefix == "" {
		return
	}
	path := fmt.Sprintf("%s/%s/%d.json", e.cfg.ArchivePrefix, src.ID(), now.Unix())
	uri, err := e.archive.PutObject(ctx, path, "application/json", payload)
	if err != nil {
		e.logger.Warn("raw payload archive failed",
			zap.String("source", src.ID()),
			zap.Error(err),
		)
		return
	}
	e.logger.Debug("raw payload archived", zap.String("uri", uri))
}

func outcome(err error) string {
	switch {
	case books.IsFatal(err):
		return "fatal"
	case books.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
