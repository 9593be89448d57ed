// Package scheduler owns trigger evaluation, the bounded worker pool
// and the retry policy for crawl jobs.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quillstats/rankwatch/internal/books"
	"github.com/quillstats/rankwatch/internal/executor"
	"github.com/quillstats/rankwatch/internal/jobs"
	"github.com/quillstats/rankwatch/internal/metrics"
	"github.com/quillstats/rankwatch/internal/source"
)

// Runner executes one crawl source. Satisfied by executor.Executor.
type Runner interface {
	Run(ctx context.Context, src source.Source) executor.Result
}

// Config controls scheduler behavior.
type Config struct {
	MaxWorkers        int
	DefaultMaxRetries int
	BackoffBase       time.Duration
	MaxRetryDelay     time.Duration
	Retention         time.Duration
	PruneInterval     time.Duration
	// EventTopic names the completion-event topic; empty disables
	// publishing.
	EventTopic string
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 5
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 72 * time.Hour
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Hour
	}
	return c
}

// Stats is the scheduler status snapshot exposed to the API layer.
type Stats struct {
	Running        bool  `json:"running"`
	ActiveJobCount int   `json:"active_job_count"`
	Succeeded      int64 `json:"succeeded"`
	Failed         int64 `json:"failed"`
}

type outcomeEvent struct {
	def    jobs.Definition
	exec   jobs.Execution
	result executor.Result
	panic  error
}

// Scheduler evaluates triggers, dispatches due jobs to a bounded
// worker pool and reacts to outcomes through an event channel.
type Scheduler struct {
	cfg     Config
	store   jobs.ExecutionStore
	runner  Runner
	catalog *source.Catalog
	clock   books.Clock
	idGen   books.IDGenerator
	pub     books.Publisher
	logger  *zap.Logger

	cron   *cron.Cron
	parser cron.Parser
	sem    chan struct{}
	events chan outcomeEvent

	mu      sync.Mutex
	defs    map[string]jobs.Definition
	running bool

	active    atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. The publisher may be nil.
func New(
	store jobs.ExecutionStore,
	runner Runner,
	catalog *source.Catalog,
	clock books.Clock,
	idGen books.IDGenerator,
	pub books.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		catalog: catalog,
		clock:   clock,
		idGen:   idGen,
		pub:     pub,
		logger:  logger,
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		parser:  parser,
		sem:     make(chan struct{}, cfg.MaxWorkers),
		events:  make(chan outcomeEvent, cfg.MaxWorkers*2),
		defs:    make(map[string]jobs.Definition),
	}
}

// Register adds a recurring definition before or after Start.
// One-shot definitions use TriggerJob instead.
func (s *Scheduler) Register(def jobs.Definition) error {
	if len(def.Sources) == 0 {
		return &books.ConfigurationError{Detail: fmt.Sprintf("definition %q has no sources", def.ID)}
	}
	for _, id := range def.Sources {
		if _, err := s.catalog.Get(id); err != nil {
			return err
		}
	}
	def = s.applyDefaults(def)

	s.mu.Lock()
	s.defs[def.ID] = def
	started := s.running
	s.mu.Unlock()

	if started {
		return s.schedule(def)
	}
	return nil
}

// Start begins trigger evaluation and blocks only until startup work
// is registered; it returns immediately after.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	defs := make([]jobs.Definition, 0, len(s.defs))
	for _, def := range s.defs {
		defs = append(defs, def)
	}
	s.mu.Unlock()

	if err := s.reconcileInterrupted(ctx); err != nil {
		return err
	}

	for _, def := range defs {
		if err := s.schedule(def); err != nil {
			return err
		}
	}
	s.cron.Start()

	s.wg.Add(2)
	go s.eventLoop()
	go s.pruneLoop()

	s.logger.Info("scheduler started",
		zap.Int("definitions", len(defs)),
		zap.Int("max_workers", s.cfg.MaxWorkers),
	)
	return nil
}

// Stop halts trigger evaluation and waits for in-flight work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// reconcileInterrupted fails executions a previous process left in the
// running state. Without this a crashed run keeps its job's running
// count above zero and every future tick of that job is skipped.
func (s *Scheduler) reconcileInterrupted(ctx context.Context) error {
	stale, err := s.store.List(ctx, jobs.ListFilter{Status: jobs.StatusRunning})
	if err != nil {
		return fmt.Errorf("list running executions: %w", err)
	}
	now := s.clock.Now()
	for _, exec := range stale {
		if err := s.store.Finish(ctx, exec.ID, jobs.StatusFailed, "interrupted: still running at startup", exec.ItemsCrawled, now); err != nil {
			s.logger.Error("reconcile interrupted execution failed",
				zap.String("execution_id", exec.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Warn("failed interrupted execution",
			zap.String("execution_id", exec.ID),
			zap.String("job_id", exec.JobID),
		)
	}
	return nil
}

// schedule registers a recurring definition's trigger with cron.
func (s *Scheduler) schedule(def jobs.Definition) error {
	switch def.Trigger.Kind {
	case jobs.TriggerInterval:
		if def.Trigger.Every <= 0 {
			return &books.ConfigurationError{Detail: fmt.Sprintf("definition %q interval must be positive", def.ID)}
		}
		s.cron.Schedule(cron.Every(def.Trigger.Every), cron.FuncJob(func() { s.fire(def, 0) }))
	case jobs.TriggerCron:
		if _, err := s.parser.Parse(def.Trigger.CronExpr); err != nil {
			return &books.ConfigurationError{Detail: fmt.Sprintf("definition %q cron %q: %v", def.ID, def.Trigger.CronExpr, err)}
		}
		if _, err := s.cron.AddFunc(def.Trigger.CronExpr, func() { s.fire(def, 0) }); err != nil {
			return fmt.Errorf("add cron job %q: %w", def.ID, err)
		}
	case jobs.TriggerOneShot:
		s.scheduleAt(def, 0, def.Trigger.RunAt)
	default:
		return &books.ConfigurationError{Detail: fmt.Sprintf("definition %q has unknown trigger kind %q", def.ID, def.Trigger.Kind)}
	}
	return nil
}

// TriggerJob creates and schedules a one-shot job for the given
// sources at runAt (zero means now) and returns its execution id.
// Unknown source ids fail fast before any execution is created, and a
// stopped scheduler refuses rather than strand a pending execution.
func (s *Scheduler) TriggerJob(ctx context.Context, sourceIDs []string, runAt time.Time) (string, error) {
	s.mu.Lock()
	started := s.running
	s.mu.Unlock()
	if !started {
		return "", fmt.Errorf("scheduler is not running")
	}
	if len(sourceIDs) == 0 {
		return "", &books.ConfigurationError{Detail: "at least one source id required"}
	}
	for _, id := range sourceIDs {
		if _, err := s.catalog.Get(id); err != nil {
			return "", err
		}
	}

	now := s.clock.Now()
	if runAt.IsZero() {
		runAt = now
	}
	def := s.applyDefaults(jobs.Definition{
		ID:      "manual-" + strings.Join(sourceIDs, "+"),
		Sources: sourceIDs,
		Trigger: jobs.TriggerSpec{Kind: jobs.TriggerOneShot, RunAt: runAt},
	})

	exec, err := s.newExecution(ctx, def, 0)
	if err != nil {
		return "", err
	}
	s.dispatchAt(def, exec, runAt)
	return exec.ID, nil
}

// GetExecution looks up one execution by id.
func (s *Scheduler) GetExecution(ctx context.Context, executionID string) (jobs.Execution, error) {
	return s.store.Get(ctx, executionID)
}

// ListExecutions returns executions matching the filter.
func (s *Scheduler) ListExecutions(ctx context.Context, filter jobs.ListFilter) ([]jobs.Execution, error) {
	return s.store.List(ctx, filter)
}

// GetStats snapshots the scheduler counters.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return Stats{
		Running:        running,
		ActiveJobCount: int(s.active.Load()),
		Succeeded:      s.succeeded.Load(),
		Failed:         s.failed.Load(),
	}
}

// fire creates a fresh execution for a due definition and dispatches
// it. A definition whose previous execution is still running is
// skipped for this tick, not queued.
func (s *Scheduler) fire(def jobs.Definition, retryCount int) {
	ctx := s.ctx
	running, err := s.store.RunningCount(ctx, def.ID)
	if err != nil {
		s.logger.Error("running count lookup failed", zap.String("job_id", def.ID), zap.Error(err))
		return
	}
	if running > 0 {
		s.logger.Warn("previous execution still running, skipping tick", zap.String("job_id", def.ID))
		return
	}

	exec, err := s.newExecution(ctx, def, retryCount)
	if err != nil {
		s.logger.Error("create execution failed", zap.String("job_id", def.ID), zap.Error(err))
		return
	}
	s.dispatch(def, exec)
}

// scheduleAt creates the execution immediately and dispatches it when
// runAt arrives. Used for one-shot definitions and retries.
func (s *Scheduler) scheduleAt(def jobs.Definition, retryCount int, runAt time.Time) {
	exec, err := s.newExecution(context.Background(), def, retryCount)
	if err != nil {
		s.logger.Error("create one-shot execution failed", zap.String("job_id", def.ID), zap.Error(err))
		return
	}
	s.dispatchAt(def, exec, runAt)
}

func (s *Scheduler) dispatchAt(def jobs.Definition, exec jobs.Execution, runAt time.Time) {
	delay := runAt.Sub(s.clock.Now())
	if delay <= 0 {
		s.dispatch(def, exec)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.done():
			return
		case <-timer.C:
			s.dispatch(def, exec)
		}
	}()
}

// dispatch routes an execution to batch fan-out or a worker slot.
func (s *Scheduler) dispatch(def jobs.Definition, exec jobs.Execution) {
	if def.Batch() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fanOut(def, exec)
		}()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-s.done():
			return
		}
		defer func() { <-s.sem }()
		s.runExecution(def, exec)
	}()
}

// fanOut spawns one child execution per source. The parent completes
// once every child is dispatched, independent of child outcomes.
func (s *Scheduler) fanOut(def jobs.Definition, parent jobs.Execution) {
	now := s.clock.Now()
	ok, err := s.store.TryStart(context.Background(), parent.ID, now)
	if err != nil || !ok {
		s.logger.Error("batch parent start failed", zap.String("execution_id", parent.ID), zap.Error(err))
		return
	}

	childIDs := make([]string, 0, len(def.Sources))
	for _, sourceID := range def.Sources {
		childDef := s.applyDefaults(jobs.Definition{
			ID:          def.ID + ":" + sourceID,
			Sources:     []string{sourceID},
			Trigger:     jobs.TriggerSpec{Kind: jobs.TriggerOneShot, RunAt: now},
			MaxRetries:  def.MaxRetries,
			BackoffBase: def.BackoffBase,
		})
		child, err := s.newExecutionForSource(context.Background(), childDef, sourceID, 0)
		if err != nil {
			s.logger.Error("create batch child failed",
				zap.String("job_id", childDef.ID),
				zap.Error(err),
			)
			continue
		}
		childIDs = append(childIDs, child.ID)
		s.dispatch(childDef, child)
	}

	if err := s.store.SetChildren(context.Background(), parent.ID, childIDs); err != nil {
		s.logger.Error("record batch children failed", zap.String("execution_id", parent.ID), zap.Error(err))
	}
	// Dispatched is done for a batch parent; child failures surface
	// on the children themselves.
	if err := s.store.Finish(context.Background(), parent.ID, jobs.StatusCompleted, "", 0, s.clock.Now()); err != nil {
		s.logger.Error("finish batch parent failed", zap.String("execution_id", parent.ID), zap.Error(err))
	}
	s.succeeded.Add(1)
	metrics.ObserveExecution(string(jobs.StatusCompleted))
	s.logger.Info("batch dispatched",
		zap.String("execution_id", parent.ID),
		zap.Int("children", len(childIDs)),
	)
}

// runExecution performs the compare-and-swap start, runs the crawl
// and reports the outcome on the event channel.
func (s *Scheduler) runExecution(def jobs.Definition, exec jobs.Execution) {
	ctx := s.ctx
	ok, err := s.store.TryStart(ctx, exec.ID, s.clock.Now())
	if err != nil {
		s.logger.Error("execution start failed", zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}
	if !ok {
		// Lost the start race to a concurrent trigger of the same job.
		s.logger.Warn("execution skipped, job already running", zap.String("execution_id", exec.ID))
		if err := s.store.Finish(ctx, exec.ID, jobs.StatusFailed, "skipped: previous execution still running", 0, s.clock.Now()); err != nil {
			s.logger.Error("finish skipped execution failed", zap.String("execution_id", exec.ID), zap.Error(err))
		}
		return
	}

	s.active.Add(1)
	metrics.IncActiveWorkers()
	defer func() {
		s.active.Add(-1)
		metrics.DecActiveWorkers()
	}()

	ev := outcomeEvent{def: def, exec: exec}
	func() {
		defer func() {
			if r := recover(); r != nil {
				ev.panic = fmt.Errorf("panic: %v", r)
			}
		}()
		src, err := s.catalog.Get(exec.SourceID)
		if err != nil {
			ev.result = executor.Result{SourceID: exec.SourceID, Err: err}
			return
		}
		ev.result = s.runner.Run(ctx, src)
	}()

	select {
	case s.events <- ev:
	case <-s.done():
	}
}

// eventLoop is the single place that decides retry, terminal failure
// or completion for every outcome.
func (s *Scheduler) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done():
			return
		case ev := <-s.events:
			s.handleOutcome(ev)
		}
	}
}

func (s *Scheduler) handleOutcome(ev outcomeEvent) {
	now := s.clock.Now()
	res := ev.result

	switch {
	case ev.panic == nil && res.Err == nil:
		if err := s.store.Finish(context.Background(), ev.exec.ID, jobs.StatusCompleted, "", res.ItemCount, now); err != nil {
			s.logger.Error("finish execution failed", zap.String("execution_id", ev.exec.ID), zap.Error(err))
		}
		s.succeeded.Add(1)
		metrics.ObserveExecution(string(jobs.StatusCompleted))
		s.publishOutcome(ev.exec, jobs.StatusCompleted, res.ItemCount, "")
		return

	case ev.panic != nil || books.IsTransient(res.Err):
		errText := errTextOf(ev)
		if err := s.store.Finish(context.Background(), ev.exec.ID, jobs.StatusFailed, errText, res.ItemCount, now); err != nil {
			s.logger.Error("finish execution failed", zap.String("execution_id", ev.exec.ID), zap.Error(err))
		}
		s.failed.Add(1)
		metrics.ObserveExecution(string(jobs.StatusFailed))
		s.publishOutcome(ev.exec, jobs.StatusFailed, res.ItemCount, errText)

		if ev.exec.RetryCount < ev.def.MaxRetries {
			delay := s.retryDelay(ev.def, ev.exec.RetryCount)
			s.logger.Info("scheduling retry",
				zap.String("job_id", ev.def.ID),
				zap.Int("retry", ev.exec.RetryCount+1),
				zap.Duration("delay", delay),
			)
			s.scheduleAt(ev.def, ev.exec.RetryCount+1, now.Add(delay))
			return
		}
		s.logger.Warn("job failed terminally, retries exhausted",
			zap.String("job_id", ev.def.ID),
			zap.Int("retries", ev.exec.RetryCount),
			zap.Strings("history", s.retryHistory(ev.def.ID)),
		)
		return

	default: // fatal: malformed data or configuration
		errText := res.Err.Error()
		if err := s.store.Finish(context.Background(), ev.exec.ID, jobs.StatusFailed, errText, res.ItemCount, now); err != nil {
			s.logger.Error("finish execution failed", zap.String("execution_id", ev.exec.ID), zap.Error(err))
		}
		s.failed.Add(1)
		metrics.ObserveExecution(string(jobs.StatusFailed))
		s.publishOutcome(ev.exec, jobs.StatusFailed, res.ItemCount, errText)
		s.logger.Warn("job failed on malformed data, not retrying",
			zap.String("job_id", ev.def.ID),
			zap.String("error", errText),
		)
	}
}

// retryDelay grows the backoff base exponentially per retry, capped.
func (s *Scheduler) retryDelay(def jobs.Definition, retryCount int) time.Duration {
	base := def.BackoffBase
	if base <= 0 {
		base = s.cfg.BackoffBase
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= s.cfg.MaxRetryDelay {
			return s.cfg.MaxRetryDelay
		}
	}
	if d > s.cfg.MaxRetryDelay {
		return s.cfg.MaxRetryDelay
	}
	return d
}

// retryHistory collects error messages across a job's executions.
func (s *Scheduler) retryHistory(jobID string) []string {
	execs, err := s.store.List(context.Background(), jobs.ListFilter{JobID: jobID})
	if err != nil {
		return []string{fmt.Sprintf("history unavailable: %v", err)}
	}
	var out []string
	for _, exec := range execs {
		if exec.LastError != "" {
			out = append(out, fmt.Sprintf("%s: %s", exec.ID, exec.LastError))
		}
	}
	return out
}

func (s *Scheduler) publishOutcome(exec jobs.Execution, status jobs.Status, items int, errText string) {
	if s.pub == nil || s.cfg.EventTopic == "" {
		return
	}
	payload := map[string]any{
		"execution_id": exec.ID,
		"job_id":       exec.JobID,
		"source_id":    exec.SourceID,
		"status":       string(status),
		"items":        items,
		"timestamp":    s.clock.Now().Format(time.RFC3339),
	}
	if errText != "" {
		payload["error"] = errText
	}
	if _, err := s.pub.Publish(context.Background(), s.cfg.EventTopic, payload); err != nil {
		s.logger.Warn("publish outcome failed", zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

func (s *Scheduler) newExecution(ctx context.Context, def jobs.Definition, retryCount int) (jobs.Execution, error) {
	sourceID := ""
	if len(def.Sources) == 1 {
		sourceID = def.Sources[0]
	}
	return s.newExecutionForSource(ctx, def, sourceID, retryCount)
}

func (s *Scheduler) newExecutionForSource(ctx context.Context, def jobs.Definition, sourceID string, retryCount int) (jobs.Execution, error) {
	now := s.clock.Now()
	suffix, err := s.idGen.NewID()
	if err != nil {
		return jobs.Execution{}, fmt.Errorf("generate execution id: %w", err)
	}
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	exec := jobs.Execution{
		ID:         fmt.Sprintf("%s-%d-%s", def.ID, now.UnixMilli(), suffix),
		JobID:      def.ID,
		SourceID:   sourceID,
		Status:     jobs.StatusPending,
		Created:    now,
		RetryCount: retryCount,
		Batch:      def.Batch(),
	}
	if err := s.store.Create(ctx, exec); err != nil {
		return jobs.Execution{}, fmt.Errorf("create execution: %w", err)
	}
	return exec, nil
}

func (s *Scheduler) applyDefaults(def jobs.Definition) jobs.Definition {
	if def.MaxRetries == 0 {
		def.MaxRetries = s.cfg.DefaultMaxRetries
	}
	if def.BackoffBase <= 0 {
		def.BackoffBase = s.cfg.BackoffBase
	}
	return def
}

// pruneLoop drops terminal executions older than the retention window.
func (s *Scheduler) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done():
			return
		case <-ticker.C:
			cutoff := s.clock.Now().Add(-s.cfg.Retention)
			dropped, err := s.store.PruneBefore(context.Background(), cutoff)
			if err != nil {
				s.logger.Error("prune executions failed", zap.Error(err))
				continue
			}
			if dropped > 0 {
				s.logger.Info("pruned executions", zap.Int("dropped", dropped))
			}
		}
	}
}

// done returns the scheduler's lifetime channel; safe before Start.
func (s *Scheduler) done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.ctx.Done()
}

func errTextOf(ev outcomeEvent) string {
	if ev.panic != nil {
		return ev.panic.Error()
	}
	if ev.result.Err != nil {
		return ev.result.Err.Error()
	}
	return ""
}
