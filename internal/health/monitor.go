// Package health runs the pipeline health monitor: a periodic probe that
// measures per-symbol data freshness, tick rate, gap counts and candle
// quality, compares them against alert thresholds, and exposes the result
// via /healthz, Prometheus gauges and the append-only health series.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"fxpipeline/internal/calendar"
	"fxpipeline/internal/model"
	"fxpipeline/internal/timeframe"
)

// Store is the slice of the storage layer the monitor reads from.
type Store interface {
	LatestTimestamp(ctx context.Context, symbol string, tf timeframe.Timeframe) (time.Time, bool, error)
	CountCandles(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) (int, error)
	CountDegenerate(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) (int, error)
	CountTicksSince(ctx context.Context, symbol string, since time.Time) (int, error)
	StatusCounts(ctx context.Context) (map[model.JobStatus]int, error)
	InsertHealthMetrics(ctx context.Context, metrics []model.HealthMetric) error
	Latency(ctx context.Context) (time.Duration, error)
}

// HealthPublisher pushes the latest snapshot to an external sink (Redis).
type HealthPublisher interface {
	PublishHealth(ctx context.Context, snapshot []byte) error
}

// Thresholds are the alerting limits. Zero values are replaced by
// defaults in New.
type Thresholds struct {
	MaxDataAge           time.Duration // max age of latest M1 while market open
	MinTickRate          float64       // ticks/min over the trailing 5 minutes
	MaxGapsPerDay        int           // missing M1 candles per symbol per 24h
	MaxIncompletePercent float64       // degenerate candles as % of stored
	QueuePendingWarn     int
	QueueFailedWarn      int
}

// DefaultThresholds returns the stock alerting limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxDataAge:           5 * time.Minute,
		MinTickRate:          10,
		MaxGapsPerDay:        10,
		MaxIncompletePercent: 5,
		QueuePendingWarn:     50,
		QueueFailedWarn:      10,
	}
}

func (t *Thresholds) defaults() {
	d := DefaultThresholds()
	if t.MaxDataAge == 0 {
		t.MaxDataAge = d.MaxDataAge
	}
	if t.MinTickRate == 0 {
		t.MinTickRate = d.MinTickRate
	}
	if t.MaxGapsPerDay == 0 {
		t.MaxGapsPerDay = d.MaxGapsPerDay
	}
	if t.MaxIncompletePercent == 0 {
		t.MaxIncompletePercent = d.MaxIncompletePercent
	}
	if t.QueuePendingWarn == 0 {
		t.QueuePendingWarn = d.QueuePendingWarn
	}
	if t.QueueFailedWarn == 0 {
		t.QueueFailedWarn = d.QueueFailedWarn
	}
}

// InstrumentHealth is the per-symbol slice of a snapshot. NextOpen is
// zero while the market is open.
type InstrumentHealth struct {
	model.Instrument
	LastM1        time.Time `json:"last_m1,omitempty"`
	DataAgeSec    float64   `json:"data_age_seconds"`
	TickRate      float64   `json:"tick_rate_per_minute"`
	MissingM1Day  int       `json:"missing_m1_24h"`
	DegeneratePct float64   `json:"degenerate_percent_24h"`
	MarketOpen    bool      `json:"market_open"`
	NextOpen      time.Time `json:"next_open,omitempty"`
	Alerts        []string  `json:"alerts,omitempty"`
}

// Snapshot is the full output of one health probe.
type Snapshot struct {
	At             time.Time                `json:"at"`
	Status         string                   `json:"status"` // "healthy" | "degraded"
	Instruments    []InstrumentHealth       `json:"instruments"`
	Queue          map[model.JobStatus]int  `json:"queue"`
	StoreLatencyMs float64                  `json:"store_latency_ms"`
	Alerts         []string                 `json:"alerts,omitempty"`
}

// Monitor probes the pipeline on a fixed interval.
type Monitor struct {
	store      Store
	cal        *calendar.Calendar
	thresholds Thresholds
	symbols    []string

	metrics   *Metrics        // optional
	publisher HealthPublisher // optional

	mu   sync.RWMutex
	last *Snapshot

	// Now is overridable for tests.
	Now func() time.Time
}

// New creates a Monitor over the given symbols.
func New(store Store, cal *calendar.Calendar, symbols []string, thresholds Thresholds) *Monitor {
	thresholds.defaults()
	return &Monitor{
		store:      store,
		cal:        cal,
		thresholds: thresholds,
		symbols:    symbols,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches the Prometheus metric set.
func (m *Monitor) SetMetrics(metrics *Metrics) { m.metrics = metrics }

// SetPublisher attaches an external snapshot sink.
func (m *Monitor) SetPublisher(p HealthPublisher) { m.publisher = p }

// Run probes on the given interval until ctx is cancelled. One probe
// runs immediately on start.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log.Printf("[health] monitor started, probing every %s", interval)

	m.probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[health] monitor stopped")
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	snap, err := m.Collect(ctx)
	if err != nil {
		log.Printf("[health] probe failed: %v", err)
		return
	}
	for _, alert := range snap.Alerts {
		log.Printf("[health] ALERT: %s", alert)
	}

	// Append to the health series; a full store never blocks probing.
	if err := m.store.InsertHealthMetrics(ctx, snap.metricPoints()); err != nil {
		log.Printf("[health] insert metrics: %v", err)
	}
	if m.publisher != nil {
		if err := m.publisher.PublishHealth(ctx, snap.JSON()); err != nil {
			log.Printf("[health] publish snapshot: %v", err)
		}
	}
}

// Collect runs one probe and records it as the latest snapshot.
func (m *Monitor) Collect(ctx context.Context) (*Snapshot, error) {
	now := m.Now()
	snap := &Snapshot{
		At:     now,
		Status: "healthy",
	}

	for _, symbol := range m.symbols {
		ih, err := m.collectInstrument(ctx, symbol, now)
		if err != nil {
			return nil, err
		}
		snap.Instruments = append(snap.Instruments, ih)
		snap.Alerts = append(snap.Alerts, ih.Alerts...)
	}

	counts, err := m.store.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	snap.Queue = counts
	if pending := counts[model.JobPending]; pending > m.thresholds.QueuePendingWarn {
		snap.Alerts = append(snap.Alerts,
			fmt.Sprintf("backfill queue: %d pending jobs (warn at %d)", pending, m.thresholds.QueuePendingWarn))
	}
	if failed := counts[model.JobFailed]; failed > m.thresholds.QueueFailedWarn {
		snap.Alerts = append(snap.Alerts,
			fmt.Sprintf("backfill queue: %d failed jobs (warn at %d)", failed, m.thresholds.QueueFailedWarn))
	}

	if lat, err := m.store.Latency(ctx); err == nil {
		snap.StoreLatencyMs = float64(lat) / float64(time.Millisecond)
	} else {
		snap.Alerts = append(snap.Alerts, fmt.Sprintf("store unreachable: %v", err))
	}

	if len(snap.Alerts) > 0 {
		snap.Status = "degraded"
	}

	m.updateGauges(snap)

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	return snap, nil
}

func (m *Monitor) collectInstrument(ctx context.Context, symbol string, now time.Time) (InstrumentHealth, error) {
	class := model.ClassOf(symbol)
	open := m.cal.IsOpen(class, now)
	ih := InstrumentHealth{
		Instrument: model.Instrument{Symbol: symbol, Class: class},
		MarketOpen: open,
	}
	if !open {
		ih.NextOpen = m.cal.NextOpen(class, now)
	}

	last, ok, err := m.store.LatestTimestamp(ctx, symbol, timeframe.M1)
	if err != nil {
		return ih, err
	}
	if ok {
		ih.LastM1 = last
		ih.DataAgeSec = now.Sub(last).Seconds()
	}

	tickCount, err := m.store.CountTicksSince(ctx, symbol, now.Add(-5*time.Minute))
	if err != nil {
		return ih, err
	}
	ih.TickRate = float64(tickCount) / 5

	dayAgo := now.Add(-24 * time.Hour)
	actual, err := m.store.CountCandles(ctx, symbol, timeframe.M1, dayAgo, now)
	if err != nil {
		return ih, err
	}
	expected := timeframe.M1.Expected(dayAgo, now, func(t time.Time) bool {
		return m.cal.IsOpen(class, t)
	})
	if missing := expected - actual; missing > 0 {
		ih.MissingM1Day = missing
	}

	degenerate, err := m.store.CountDegenerate(ctx, symbol, timeframe.M1, dayAgo, now)
	if err != nil {
		return ih, err
	}
	if actual > 0 {
		ih.DegeneratePct = float64(degenerate) / float64(actual) * 100
	}

	// Freshness and tick rate only alert while the market is open:
	// weekend staleness is normal.
	if open {
		if !ok {
			ih.Alerts = append(ih.Alerts, fmt.Sprintf("%s: no M1 data in store", symbol))
		} else if age := now.Sub(last); age > m.thresholds.MaxDataAge {
			ih.Alerts = append(ih.Alerts,
				fmt.Sprintf("%s: latest M1 is %s old (max %s)", symbol, age.Truncate(time.Second), m.thresholds.MaxDataAge))
		}
		if ih.TickRate < m.thresholds.MinTickRate {
			ih.Alerts = append(ih.Alerts,
				fmt.Sprintf("%s: tick rate %.1f/min below %.1f/min", symbol, ih.TickRate, m.thresholds.MinTickRate))
		}
	}
	if ih.MissingM1Day > m.thresholds.MaxGapsPerDay {
		ih.Alerts = append(ih.Alerts,
			fmt.Sprintf("%s: %d M1 candles missing in last 24h (max %d)", symbol, ih.MissingM1Day, m.thresholds.MaxGapsPerDay))
	}
	if ih.DegeneratePct > m.thresholds.MaxIncompletePercent {
		ih.Alerts = append(ih.Alerts,
			fmt.Sprintf("%s: %.1f%% degenerate candles in last 24h (max %.1f%%)", symbol, ih.DegeneratePct, m.thresholds.MaxIncompletePercent))
	}
	return ih, nil
}

func (m *Monitor) updateGauges(snap *Snapshot) {
	if m.metrics == nil {
		return
	}
	for _, ih := range snap.Instruments {
		m.metrics.DataAge.WithLabelValues(ih.Symbol).Set(ih.DataAgeSec)
		m.metrics.TickRate.WithLabelValues(ih.Symbol).Set(ih.TickRate)
	}
	for status, n := range snap.Queue {
		m.metrics.QueueJobs.WithLabelValues(string(status)).Set(float64(n))
	}
	m.metrics.StoreLatency.Set(snap.StoreLatencyMs / 1000)
}

// Latest returns the most recent snapshot, or nil before the first probe.
func (m *Monitor) Latest() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// JSON renders the snapshot for /healthz and the Redis health key.
func (s *Snapshot) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// metricPoints flattens the snapshot into health series rows.
func (s *Snapshot) metricPoints() []model.HealthMetric {
	var points []model.HealthMetric
	for _, ih := range s.Instruments {
		points = append(points,
			model.HealthMetric{Name: "data_age_seconds", Value: ih.DataAgeSec, Symbol: ih.Symbol, Timeframe: "M1", RecordedAt: s.At},
			model.HealthMetric{Name: "tick_rate_per_minute", Value: ih.TickRate, Symbol: ih.Symbol, RecordedAt: s.At},
			model.HealthMetric{Name: "missing_m1_24h", Value: float64(ih.MissingM1Day), Symbol: ih.Symbol, Timeframe: "M1", RecordedAt: s.At},
			model.HealthMetric{Name: "degenerate_percent_24h", Value: ih.DegeneratePct, Symbol: ih.Symbol, Timeframe: "M1", RecordedAt: s.At},
		)
	}
	for status, n := range s.Queue {
		points = append(points, model.HealthMetric{Name: "queue_" + string(status), Value: float64(n), RecordedAt: s.At})
	}
	points = append(points, model.HealthMetric{Name: "store_latency_ms", Value: s.StoreLatencyMs, RecordedAt: s.At})
	return points
}
