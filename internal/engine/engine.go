// Package engine ties the pipeline together: scheduled integrity sweeps
// enqueue backfill jobs, a worker pool leases and fills them through the
// historical provider, and a reaper reclaims expired leases.
package engine

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"fxpipeline/internal/builder"
	"fxpipeline/internal/gapdetect"
	"fxpipeline/internal/logger"
	"fxpipeline/internal/model"
	"fxpipeline/internal/timeframe"

	"github.com/robfig/cron/v3"
)

// Job priorities by source. Fresh gaps from the hourly sweep jump the
// queue ahead of deep-check and repair work.
const (
	PrioritySweep     = 5
	PriorityRepair    = 2
	PriorityDeepCheck = 1
)

// Store is the slice of the storage layer the engine needs.
type Store interface {
	model.CandleStore
	model.TickStore
	model.JobQueue
	model.IntegrityStore
}

// Config controls scheduling and the worker pool. Zero values take the
// documented defaults.
type Config struct {
	Symbols []string // instruments swept periodically

	WorkerCount   int           // default 2
	LeaseTTL      time.Duration // default 5m
	IdlePoll      time.Duration // worker sleep when the queue is empty, default 2s
	FetchTimeout  time.Duration // per provider request, default 15s
	ReapInterval  time.Duration // default 30s
	ShutdownGrace time.Duration // drain budget for in-flight jobs, default 30s

	SweepSpec     string // cron spec for the gap sweep, default "@every 60m"
	DeepCheckSpec string // cron spec for the deep check, default "@every 24h"
	SweepWindow   time.Duration // trailing window swept for M1 gaps, default 1h
	DeepCheckDays int           // trailing days for the deep check, default 7
	TickRetention time.Duration // ticks older than this are pruned, default 7d
}

func (c *Config) defaults() {
	if len(c.Symbols) == 0 {
		c.Symbols = model.PrimarySymbols
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = 2
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.IdlePoll == 0 {
		c.IdlePoll = 2 * time.Second
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 60m"
	}
	if c.DeepCheckSpec == "" {
		c.DeepCheckSpec = "@every 24h"
	}
	if c.SweepWindow == 0 {
		c.SweepWindow = time.Hour
	}
	if c.DeepCheckDays == 0 {
		c.DeepCheckDays = 7
	}
	if c.TickRetention == 0 {
		c.TickRetention = 7 * 24 * time.Hour
	}
}

// Engine runs the self-healing loop.
type Engine struct {
	cfg      Config
	store    Store
	provider model.HistoricalProvider
	detector *gapdetect.Detector
	builder  *builder.Builder
	cron     *cron.Cron

	runCtx context.Context // live while Run is active, used by cron jobs

	// Metrics hooks (optional, set externally).
	OnGapFound   func(tf timeframe.Timeframe, missing int)
	OnJobQueued  func()
	OnJobOutcome func(outcome string) // "completed" | "retried" | "failed"
}

// New creates an Engine. Scheduling starts with Run.
func New(cfg Config, store Store, provider model.HistoricalProvider, det *gapdetect.Detector, bld *builder.Builder) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:      cfg,
		store:    store,
		provider: provider,
		detector: det,
		builder:  bld,
		cron:     cron.New(),
	}
}

// Run starts the schedulers, worker pool and reaper, then blocks until
// ctx is cancelled. Shutdown is two-phase: intake stops immediately,
// in-flight jobs drain within the shutdown grace, then work is cut off.
func (e *Engine) Run(ctx context.Context) {
	hardCtx, hardCancel := context.WithCancel(context.Background())
	defer hardCancel()
	e.runCtx = hardCtx

	var wg sync.WaitGroup
	for i := 1; i <= e.cfg.WorkerCount; i++ {
		id := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx, hardCtx, id)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.reaperLoop(ctx)
	}()

	if _, err := e.cron.AddFunc(e.cfg.SweepSpec, func() { e.Sweep(e.runCtx) }); err != nil {
		log.Printf("[engine] bad sweep spec %q: %v", e.cfg.SweepSpec, err)
	}
	if _, err := e.cron.AddFunc(e.cfg.DeepCheckSpec, func() { e.DeepCheck(e.runCtx) }); err != nil {
		log.Printf("[engine] bad deep-check spec %q: %v", e.cfg.DeepCheckSpec, err)
	}
	e.cron.Start()
	log.Printf("[engine] started: %d workers, sweep %s, deep check %s",
		e.cfg.WorkerCount, e.cfg.SweepSpec, e.cfg.DeepCheckSpec)

	<-ctx.Done()
	log.Println("[engine] shutting down: draining in-flight jobs")

	cronDone := e.cron.Stop().Done()
	grace := time.AfterFunc(e.cfg.ShutdownGrace, hardCancel)
	defer grace.Stop()

	wg.Wait()
	<-cronDone
	log.Println("[engine] stopped")
}

// workerLoop leases and processes jobs until intake is closed. The
// in-flight job runs against hardCtx so it can finish during drain.
func (e *Engine) workerLoop(intakeCtx, hardCtx context.Context, workerID string) {
	for {
		select {
		case <-intakeCtx.Done():
			return
		default:
		}

		processed, err := e.ProcessNext(hardCtx, workerID)
		if err != nil {
			log.Printf("[engine] %s: lease failed: %v", workerID, err)
		}
		if processed {
			continue
		}
		select {
		case <-intakeCtx.Done():
			return
		case <-time.After(e.cfg.IdlePoll):
		}
	}
}

// ProcessNext leases the next ready job and processes it to completion.
// Returns false when the queue had no ready job.
func (e *Engine) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	job, err := e.store.LeaseNext(ctx, workerID, e.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	e.process(ctx, job)
	return true, nil
}

// process fetches the gap window from the provider, upserts the candles,
// rebuilds derived timeframes, and settles the job.
func (e *Engine) process(ctx context.Context, job *model.BackfillJob) {
	ctx = logger.WithJobID(ctx, job.ID)
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	candles, err := e.provider.Fetch(fetchCtx, job.Symbol, job.Timeframe, job.GapStart, job.GapEnd)
	cancel()
	if err != nil {
		e.fail(ctx, job, fmt.Errorf("fetch: %w", err))
		return
	}

	written := 0
	if len(candles) > 0 {
		written, err = e.store.UpsertCandles(ctx, candles)
		if err != nil {
			e.fail(ctx, job, fmt.Errorf("upsert: %w", err))
			return
		}
		if err := e.builder.RebuildAbove(ctx, job.Symbol, job.Timeframe, job.GapStart, job.GapEnd); err != nil {
			e.fail(ctx, job, fmt.Errorf("rebuild: %w", err))
			return
		}
	}

	if err := e.store.Complete(ctx, job.ID); err != nil {
		log.Printf("[engine] complete job %s: %v", job.ID, err)
		return
	}
	slog.Info("backfill job done",
		append(logger.LogWithJob(ctx),
			slog.String("symbol", job.Symbol),
			slog.String("timeframe", string(job.Timeframe)),
			slog.String("from", job.GapStart.Format(time.RFC3339)),
			slog.String("to", job.GapEnd.Format(time.RFC3339)),
			slog.Int("written", written),
			slog.Int("attempt", job.Attempts))...)
	if e.OnJobOutcome != nil {
		e.OnJobOutcome("completed")
	}
}

func (e *Engine) fail(ctx context.Context, job *model.BackfillJob, jobErr error) {
	slog.Warn("backfill job attempt failed",
		append(logger.LogWithJob(ctx),
			slog.String("symbol", job.Symbol),
			slog.String("timeframe", string(job.Timeframe)),
			slog.Int("attempt", job.Attempts),
			slog.String("error", jobErr.Error()))...)
	if err := e.store.Fail(ctx, job.ID, jobErr); err != nil {
		log.Printf("[engine] record failure for job %s: %v", job.ID, err)
		return
	}
	if e.OnJobOutcome != nil {
		if model.KindOf(jobErr) == model.KindPermanent {
			e.OnJobOutcome("failed")
		} else {
			e.OnJobOutcome("retried")
		}
	}
}

// reaperLoop periodically returns expired leases to the queue.
func (e *Engine) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.Reap(ctx)
			if err != nil {
				log.Printf("[engine] reap: %v", err)
			} else if n > 0 {
				log.Printf("[engine] reaped %d expired leases", n)
			}
		}
	}
}

// Sweep scans the trailing window of M1 data for every configured symbol
// and enqueues a backfill job per gap found.
func (e *Engine) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	from := now.Add(-e.cfg.SweepWindow)
	// Exclude the current open bucket; it is legitimately incomplete.
	to := timeframe.M1.Align(now)

	queued := 0
	for _, symbol := range e.cfg.Symbols {
		gaps, err := e.detector.DetectGaps(ctx, symbol, timeframe.M1, from, to)
		if err != nil {
			log.Printf("[engine] sweep %s: %v", symbol, err)
			continue
		}
		queued += e.enqueueGaps(ctx, gaps, PrioritySweep)
	}
	log.Printf("[engine] sweep done: %d symbols, %d jobs queued", len(e.cfg.Symbols), queued)
}

// DeepCheck runs the full integrity check over the trailing days for
// every symbol and timeframe, queues provider backfill for M1 defects,
// rebuilds derived-timeframe defects from M1, and prunes expired ticks.
func (e *Engine) DeepCheck(ctx context.Context) {
	for _, symbol := range e.cfg.Symbols {
		for _, tf := range timeframe.All {
			report, err := e.detector.FullIntegrityCheck(ctx, symbol, tf, e.cfg.DeepCheckDays)
			if err != nil {
				log.Printf("[engine] deep check %s %s: %v", symbol, tf, err)
				continue
			}

			if tf == timeframe.M1 {
				e.enqueueGaps(ctx, report.Gaps, PriorityDeepCheck)
				if len(report.Degenerate) > 0 {
					repair, err := e.detector.DegenerateRepairJob(ctx, symbol, tf, e.cfg.DeepCheckDays)
					if err != nil {
						log.Printf("[engine] repair job %s: %v", symbol, err)
					} else if repair != nil {
						e.enqueue(ctx, *repair)
					}
				}
			} else {
				// Derived timeframes are repaired locally from M1.
				e.repairDerived(ctx, symbol, tf, report)
			}

			log.Printf("[engine] deep check %s %s: coverage %.3f, %d gaps, %d degenerate, healthy=%v",
				symbol, tf, report.Coverage, len(report.Gaps), len(report.Degenerate), report.Healthy)
		}
	}

	cutoff := time.Now().UTC().Add(-e.cfg.TickRetention)
	if n, err := e.store.PruneTicks(ctx, cutoff); err != nil {
		log.Printf("[engine] prune ticks: %v", err)
	} else if n > 0 {
		log.Printf("[engine] pruned %d ticks older than %s", n, cutoff.Format(time.RFC3339))
	}
}

// repairDerived rebuilds the gap and degenerate ranges of a derived
// timeframe from the stored M1 base. Buckets whose M1 data is itself
// missing stay empty; the M1 backfill pass rebuilds them on landing.
func (e *Engine) repairDerived(ctx context.Context, symbol string, tf timeframe.Timeframe, report *gapdetect.Report) {
	for _, g := range report.Gaps {
		if _, err := e.builder.RebuildRange(ctx, symbol, tf, g.Start, g.End); err != nil {
			log.Printf("[engine] rebuild %s %s gap: %v", symbol, tf, err)
		}
	}
	if len(report.Degenerate) > 0 {
		first := report.Degenerate[0].TS
		last := report.Degenerate[len(report.Degenerate)-1].TS.Add(tf.Duration())
		if _, err := e.builder.RebuildRange(ctx, symbol, tf, first, last); err != nil {
			log.Printf("[engine] rebuild %s %s degenerate: %v", symbol, tf, err)
		}
	}
}

func (e *Engine) enqueueGaps(ctx context.Context, gaps []gapdetect.Gap, priority int) int {
	queued := 0
	for _, g := range gaps {
		if e.OnGapFound != nil {
			e.OnGapFound(g.Timeframe, g.MissingCandles)
		}
		job := model.BackfillJob{
			Symbol:    g.Symbol,
			Timeframe: g.Timeframe,
			GapStart:  g.Start,
			GapEnd:    g.End,
			Priority:  priority,
		}
		if e.enqueue(ctx, job) {
			queued++
		}
	}
	return queued
}

func (e *Engine) enqueue(ctx context.Context, job model.BackfillJob) bool {
	stored, err := e.store.Enqueue(ctx, job)
	if err != nil {
		log.Printf("[engine] enqueue %s %s: %v", job.Symbol, job.Timeframe, err)
		return false
	}
	log.Printf("[engine] queued job %s: %s %s [%s, %s) priority %d",
		stored.ID, stored.Symbol, stored.Timeframe,
		stored.GapStart.Format(time.RFC3339), stored.GapEnd.Format(time.RFC3339), stored.Priority)
	if e.OnJobQueued != nil {
		e.OnJobQueued()
	}
	return true
}
