// fxctl is the operator tool for the market-data pipeline: rebuilds,
// backfills, integrity checks and health inspection against the same
// store the daemon uses.
//
// Exit codes: 0 success, 1 unrecoverable error, 2 integrity issues
// detected without --fix.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"fxpipeline/config"
	"fxpipeline/internal/builder"
	"fxpipeline/internal/calendar"
	"fxpipeline/internal/engine"
	"fxpipeline/internal/gapdetect"
	"fxpipeline/internal/health"
	"fxpipeline/internal/model"
	"fxpipeline/internal/provider"
	sqlitestore "fxpipeline/internal/store/sqlite"
	"fxpipeline/internal/timeframe"
)

const (
	exitOK     = 0
	exitError  = 1
	exitIssues = 2
)

func main() {
	log.SetFlags(0)
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitError
	}

	cfg := config.Load()
	store, err := sqlitestore.New(sqlitestore.Config{Path: cfg.SQLitePath})
	if err != nil {
		log.Printf("open store: %v", err)
		return exitError
	}
	defer store.Close()

	cal := calendar.New()
	app := &app{
		cfg:      cfg,
		store:    store,
		cal:      cal,
		detector: gapdetect.New(store, cal),
		builder:  builder.New(store, cal),
	}

	ctx := context.Background()
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "rebuild":
		return app.rebuild(ctx, rest)
	case "backfill":
		return app.backfill(ctx, rest)
	case "verify":
		return app.verify(ctx, rest)
	case "gaps":
		return app.gaps(ctx, rest)
	case "health":
		return app.health(ctx, rest)
	case "fix-incomplete":
		return app.fixIncomplete(ctx, rest)
	default:
		log.Printf("unknown command %q", cmd)
		usage()
		return exitError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: fxctl <command> [arguments]

commands:
  rebuild <instrument> [<tf>] --from T --to T   rebuild candles in a range
  backfill <instrument> --days N [--timeframe TF] [--ticks]
                                                enqueue and run a backfill
  verify <instrument> [<tf>] --days N           run the full integrity check
  gaps [<instrument>...] [--primary] [--days N] [--fix]
                                                scan for gaps, optionally enqueue fixes
  health                                        print the current health snapshot
  fix-incomplete <instrument> --days N          repair degenerate candles`)
}

type app struct {
	cfg      *config.Config
	store    *sqlitestore.Store
	cal      *calendar.Calendar
	detector *gapdetect.Detector
	builder  *builder.Builder
}

// splitArgs separates leading positional arguments from flags so
// subcommands can be invoked as "fxctl verify EURUSD M1 --days 7".
func splitArgs(args []string) (pos, rest []string) {
	i := 0
	for ; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			break
		}
		pos = append(pos, args[i])
	}
	return pos, args[i:]
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q (want RFC3339 or 2006-01-02)", s)
}

func (a *app) rebuild(ctx context.Context, args []string) int {
	pos, rest := splitArgs(args)
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	fromStr := fs.String("from", "", "range start (inclusive)")
	toStr := fs.String("to", "", "range end (exclusive)")
	fs.Parse(rest)

	if len(pos) < 1 || *fromStr == "" || *toStr == "" {
		log.Println("usage: fxctl rebuild <instrument> [<tf>] --from T --to T")
		return exitError
	}
	symbol := strings.ToUpper(pos[0])

	from, err := parseTime(*fromStr)
	if err != nil {
		log.Print(err)
		return exitError
	}
	to, err := parseTime(*toStr)
	if err != nil {
		log.Print(err)
		return exitError
	}

	if len(pos) >= 2 {
		tf, err := timeframe.Parse(pos[1])
		if err != nil {
			log.Print(err)
			return exitError
		}
		n, err := a.builder.RebuildRange(ctx, symbol, tf, from, to)
		if err != nil {
			log.Printf("rebuild: %v", err)
			return exitError
		}
		log.Printf("rebuilt %d %s candles for %s", n, tf, symbol)
		return exitOK
	}

	if err := a.builder.RebuildHigherTimeframes(ctx, symbol, from, to); err != nil {
		log.Printf("rebuild: %v", err)
		return exitError
	}
	log.Printf("rebuilt all derived timeframes for %s in [%s, %s)",
		symbol, from.Format(time.RFC3339), to.Format(time.RFC3339))
	return exitOK
}

func (a *app) backfill(ctx context.Context, args []string) int {
	pos, rest := splitArgs(args)
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	days := fs.Int("days", 1, "trailing days to backfill")
	tfName := fs.String("timeframe", "M1", "timeframe to fetch")
	ticks := fs.Bool("ticks", false, "rebuild M1 from stored ticks instead of the provider")
	fs.Parse(rest)

	if len(pos) < 1 {
		log.Println("usage: fxctl backfill <instrument> --days N [--timeframe TF] [--ticks]")
		return exitError
	}
	symbol := strings.ToUpper(pos[0])

	now := time.Now().UTC()
	from := now.Add(-time.Duration(*days) * 24 * time.Hour)

	if *ticks {
		n, err := a.builder.BuildM1FromTicks(ctx, symbol, from, now)
		if err != nil {
			log.Printf("build from ticks: %v", err)
			return exitError
		}
		if err := a.builder.RebuildHigherTimeframes(ctx, symbol, from, now); err != nil {
			log.Printf("rebuild derived: %v", err)
			return exitError
		}
		log.Printf("built %d M1 candles for %s from stored ticks", n, symbol)
		return exitOK
	}

	tf, err := timeframe.Parse(*tfName)
	if err != nil {
		log.Print(err)
		return exitError
	}
	job, err := a.store.Enqueue(ctx, model.BackfillJob{
		Symbol:    symbol,
		Timeframe: tf,
		GapStart:  tf.Align(from),
		GapEnd:    tf.Align(now),
		Priority:  engine.PriorityRepair,
	})
	if err != nil {
		log.Printf("enqueue: %v", err)
		return exitError
	}
	log.Printf("queued job %s: %s %s over %d day(s)", job.ID, symbol, tf, *days)
	return a.drainQueue(ctx)
}

func (a *app) verify(ctx context.Context, args []string) int {
	pos, rest := splitArgs(args)
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	days := fs.Int("days", 7, "trailing days to check")
	fs.Parse(rest)

	if len(pos) < 1 {
		log.Println("usage: fxctl verify <instrument> [<tf>] --days N")
		return exitError
	}
	symbol := strings.ToUpper(pos[0])

	tf := timeframe.M1
	if len(pos) >= 2 {
		var err error
		if tf, err = timeframe.Parse(pos[1]); err != nil {
			log.Print(err)
			return exitError
		}
	}

	report, err := a.detector.FullIntegrityCheck(ctx, symbol, tf, *days)
	if err != nil {
		log.Printf("integrity check: %v", err)
		return exitError
	}
	printJSON(report)
	if !report.Healthy {
		return exitIssues
	}
	return exitOK
}

func (a *app) gaps(ctx context.Context, args []string) int {
	pos, rest := splitArgs(args)
	fs := flag.NewFlagSet("gaps", flag.ExitOnError)
	primary := fs.Bool("primary", false, "scan the default instrument set")
	days := fs.Int("days", 1, "trailing days to scan")
	fix := fs.Bool("fix", false, "enqueue a backfill job per gap")
	fs.Parse(rest)

	symbols := pos
	if *primary || len(symbols) == 0 {
		symbols = model.PrimarySymbols
	}
	for i := range symbols {
		symbols[i] = strings.ToUpper(symbols[i])
	}

	now := time.Now().UTC()
	from := now.Add(-time.Duration(*days) * 24 * time.Hour)
	to := timeframe.M1.Align(now)

	found := 0
	for _, symbol := range symbols {
		gaps, err := a.detector.DetectGaps(ctx, symbol, timeframe.M1, from, to)
		if err != nil {
			log.Printf("detect %s: %v", symbol, err)
			return exitError
		}
		for _, g := range gaps {
			found++
			log.Printf("%s %s %s: [%s, %s) missing %d candles",
				g.Symbol, g.Timeframe, g.Kind,
				g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339), g.MissingCandles)
			if *fix {
				job, err := a.store.Enqueue(ctx, model.BackfillJob{
					Symbol:    g.Symbol,
					Timeframe: g.Timeframe,
					GapStart:  g.Start,
					GapEnd:    g.End,
					Priority:  engine.PriorityDeepCheck,
				})
				if err != nil {
					log.Printf("enqueue: %v", err)
					return exitError
				}
				log.Printf("  queued job %s", job.ID)
			}
		}
	}

	log.Printf("%d gap(s) across %d instrument(s)", found, len(symbols))
	if found > 0 && !*fix {
		return exitIssues
	}
	return exitOK
}

func (a *app) health(ctx context.Context, args []string) int {
	symbols := a.cfg.ParseSymbols()
	if symbols == nil {
		symbols = model.PrimarySymbols
	}
	monitor := health.New(a.store, a.cal, symbols, health.DefaultThresholds())
	snap, err := monitor.Collect(ctx)
	if err != nil {
		log.Printf("health probe: %v", err)
		return exitError
	}
	printJSON(snap)
	return exitOK
}

func (a *app) fixIncomplete(ctx context.Context, args []string) int {
	pos, rest := splitArgs(args)
	fs := flag.NewFlagSet("fix-incomplete", flag.ExitOnError)
	days := fs.Int("days", 1, "trailing days to repair")
	fs.Parse(rest)

	if len(pos) < 1 {
		log.Println("usage: fxctl fix-incomplete <instrument> --days N")
		return exitError
	}
	symbol := strings.ToUpper(pos[0])

	job, err := a.detector.DegenerateRepairJob(ctx, symbol, timeframe.M1, *days)
	if err != nil {
		log.Printf("repair scan: %v", err)
		return exitError
	}
	if job == nil {
		log.Printf("no degenerate candles for %s in the last %d day(s)", symbol, *days)
		return exitOK
	}

	queued, err := a.store.Enqueue(ctx, *job)
	if err != nil {
		log.Printf("enqueue: %v", err)
		return exitError
	}
	log.Printf("queued repair job %s: %s [%s, %s)",
		queued.ID, symbol, queued.GapStart.Format(time.RFC3339), queued.GapEnd.Format(time.RFC3339))
	return a.drainQueue(ctx)
}

// drainQueue processes ready jobs inline until the queue is empty. When
// no provider is configured the jobs are left for the daemon's workers.
func (a *app) drainQueue(ctx context.Context) int {
	if a.cfg.ProviderURL == "" {
		log.Println("PROVIDER_URL not set; jobs left queued for the pipeline daemon")
		return exitOK
	}

	prov, err := provider.New(provider.Config{
		BaseURL: a.cfg.ProviderURL,
		Token:   a.cfg.ProviderToken,
		RPM:     a.cfg.ProviderRPM,
	})
	if err != nil {
		log.Printf("provider init: %v", err)
		return exitError
	}

	eng := engine.New(engine.Config{WorkerCount: 1}, a.store, prov, a.detector, a.builder)
	for {
		processed, err := eng.ProcessNext(ctx, "fxctl")
		if err != nil {
			log.Printf("process: %v", err)
			return exitError
		}
		if !processed {
			// Retries waiting on backoff stay queued; report and stop.
			counts, err := a.store.StatusCounts(ctx)
			if err == nil && counts[model.JobPending] > 0 {
				log.Printf("%d job(s) still pending (retry backoff); the daemon will finish them", counts[model.JobPending])
			}
			return exitOK
		}
	}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Printf("encode: %v", err)
		return
	}
	fmt.Println(string(b))
}
