package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"fxpipeline/config"
	"fxpipeline/internal/builder"
	"fxpipeline/internal/calendar"
	"fxpipeline/internal/engine"
	"fxpipeline/internal/gapdetect"
	"fxpipeline/internal/health"
	"fxpipeline/internal/logger"
	"fxpipeline/internal/marketdata/agg"
	"fxpipeline/internal/marketdata/bus"
	"fxpipeline/internal/marketdata/ws"
	"fxpipeline/internal/model"
	"fxpipeline/internal/provider"
	redisstore "fxpipeline/internal/store/redis"
	sqlitestore "fxpipeline/internal/store/sqlite"
	"fxpipeline/internal/timeframe"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("pipeline", slog.LevelInfo)
	log.Println("[pipeline] starting...")

	cfg := config.Load()
	if cfg.ProviderURL == "" {
		log.Fatal("[pipeline] PROVIDER_URL not set")
	}

	symbols := cfg.ParseSymbols()
	if symbols == nil {
		symbols = model.PrimarySymbols
	}
	log.Printf("[pipeline] instruments: %v", symbols)

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics ----
	prom := health.NewMetrics()

	// ---- SQLite store ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	store, err := sqlitestore.New(sqlitestore.Config{Path: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[pipeline] sqlite init failed: %v", err)
	}
	defer store.Close()
	log.Println("[pipeline] sqlite store ready")

	// ---- Redis publisher (optional) ----
	var publisher *redisstore.Publisher
	if cfg.RedisAddr != "" {
		publisher, err = redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[pipeline] WARNING: redis init failed: %v (continuing without redis)", err)
			publisher = nil
		}
	}
	if publisher != nil {
		defer publisher.Close()
	}

	// ---- Domain services ----
	cal := calendar.New()
	det := gapdetect.New(store, cal)
	bld := builder.New(store, cal)

	prov, err := provider.New(provider.Config{
		BaseURL: cfg.ProviderURL,
		Token:   cfg.ProviderToken,
		RPM:     cfg.ProviderRPM,
	})
	if err != nil {
		log.Fatalf("[pipeline] provider init failed: %v", err)
	}

	// ---- Backfill engine ----
	eng := engine.New(engine.Config{
		Symbols:       symbols,
		WorkerCount:   cfg.WorkerCount,
		TickRetention: cfg.TickRetention,
	}, store, prov, det, bld)
	eng.OnGapFound = func(tf timeframe.Timeframe, missing int) {
		prom.GapsFound.WithLabelValues(string(tf)).Add(float64(missing))
	}
	eng.OnJobQueued = func() {
		prom.JobsEnqueued.Inc()
	}
	eng.OnJobOutcome = func(outcome string) {
		prom.JobsDone.WithLabelValues(outcome).Inc()
	}
	go eng.Run(ctx)

	// ---- Health monitor + HTTP server ----
	monitor := health.New(store, cal, symbols, health.DefaultThresholds())
	monitor.SetMetrics(prom)
	if publisher != nil {
		monitor.SetPublisher(publisher)
	}
	go monitor.Run(ctx, time.Minute)

	healthSrv := health.NewServer(cfg.ListenAddr, monitor)
	healthSrv.Start()

	// ---- Live tick path (optional) ----
	if cfg.FeedWSURL != "" {
		startLivePath(ctx, cfg, store, cal, publisher, prom)
	} else {
		log.Println("[pipeline] no FEED_WS_URL set, running in historical-only mode")
	}

	log.Println("[pipeline] ready")

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[pipeline] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	healthSrv.Stop(shutdownCtx)

	log.Println("[pipeline] shutdown complete.")
}

// startLivePath wires WS ingest → tick fan-out → {M1 aggregator, tick
// persister}; finalized M1 candles tee to the SQLite writer and the
// Redis publisher.
func startLivePath(ctx context.Context, cfg *config.Config, store *sqlitestore.Store,
	cal *calendar.Calendar, publisher *redisstore.Publisher, prom *health.Metrics) {

	tickCh := make(chan model.Tick, 10000)
	candleCh := make(chan model.Candle, 5000)
	sqliteCandleCh := make(chan model.Candle, 5000)

	var redisCandleCh chan model.Candle
	if publisher != nil {
		redisCandleCh = make(chan model.Candle, 5000)
	}

	// Fan out raw ticks to the aggregator and the tick persister.
	fanout := bus.New(5000)
	fanout.OnDrop = func(subscriberIdx int) {
		prom.FanoutDrops.WithLabelValues(strconv.Itoa(subscriberIdx)).Inc()
		prom.DroppedTicks.Inc()
	}
	aggTickCh := fanout.Subscribe()
	persistTickCh := fanout.Subscribe()
	go fanout.Run(ctx, tickCh)

	// M1 aggregator.
	aggregator := agg.New(cal)
	aggregator.OnDroppedTick = func() {
		prom.DroppedTicks.Inc()
	}
	go aggregator.Run(ctx, aggTickCh, candleCh)

	// Tee finalized candles to SQLite and Redis; drop on a stalled sink.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-candleCh:
				if !ok {
					return
				}
				prom.CandlesWritten.Inc()
				select {
				case sqliteCandleCh <- c:
				default:
				}
				if redisCandleCh != nil {
					select {
					case redisCandleCh <- c:
					default:
					}
				}
			}
		}
	}()

	go store.RunCandleWriter(ctx, sqliteCandleCh)
	if publisher != nil {
		go publisher.Run(ctx, redisCandleCh)
	}

	// Tick persister: batched inserts off the hot path.
	go runTickPersister(ctx, store, persistTickCh)

	// WS ingest.
	ingest, err := ws.New(ws.Config{URL: cfg.FeedWSURL})
	if err != nil {
		log.Fatalf("[pipeline] ws init failed: %v", err)
	}
	ingest.OnReconnect = func() {
		prom.WSReconnects.Inc()
	}
	ingest.OnTick = func() {
		prom.TicksTotal.Inc()
	}
	go func() {
		if err := ingest.Start(ctx, tickCh); err != nil {
			log.Printf("[pipeline] ws ingest stopped: %v", err)
		}
	}()

	log.Printf("[pipeline] live tick path started, feed=%s", cfg.FeedWSURL)
}

// runTickPersister drains ticks into batched InsertTicks calls: flush at
// 500 ticks or every second, whichever first.
func runTickPersister(ctx context.Context, store *sqlitestore.Store, tickCh <-chan model.Tick) {
	const batchSize = 500

	batch := make([]model.Tick, 0, batchSize)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Fresh context so the final flush survives shutdown.
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := store.InsertTicks(fctx, batch); err != nil {
			log.Printf("[pipeline] tick batch insert failed: %v", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case t, ok := <-tickCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, t)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
