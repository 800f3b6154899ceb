package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	TicksTotal     prometheus.Counter
	CandlesWritten prometheus.Counter
	DroppedTicks   prometheus.Counter
	WSReconnects   prometheus.Counter
	FanoutDrops    *prometheus.CounterVec // labels: subscriber

	GapsFound    *prometheus.CounterVec // labels: timeframe
	JobsEnqueued prometheus.Counter
	JobsDone     *prometheus.CounterVec // labels: outcome=completed|failed|retried

	ProviderRequestDur prometheus.Histogram

	QueueJobs    *prometheus.GaugeVec // labels: status
	DataAge      *prometheus.GaugeVec // labels: symbol
	TickRate     *prometheus.GaugeVec // labels: symbol
	StoreLatency prometheus.Gauge
}

// NewMetrics registers and returns all pipeline metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_ticks_total",
			Help: "Total ticks received from the live feed",
		}),
		CandlesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_candles_written_total",
			Help: "Total candles written to the store",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_dropped_ticks_total",
			Help: "Ticks dropped (late, closed market, or channel full)",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_ws_reconnects_total",
			Help: "Total live feed reconnection attempts",
		}),
		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpipeline_fanout_drops_total",
			Help: "Ticks dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),

		GapsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpipeline_gaps_found_total",
			Help: "Gaps detected by integrity sweeps (by timeframe)",
		}, []string{"timeframe"}),
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_backfill_jobs_enqueued_total",
			Help: "Backfill jobs enqueued",
		}),
		JobsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpipeline_backfill_jobs_done_total",
			Help: "Backfill job attempt outcomes",
		}, []string{"outcome"}),

		ProviderRequestDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fxpipeline_provider_request_duration_seconds",
			Help:    "Historical provider fetch latency",
			Buckets: prometheus.DefBuckets,
		}),

		QueueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fxpipeline_queue_jobs",
			Help: "Backfill queue size by status",
		}, []string{"status"}),
		DataAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fxpipeline_data_age_seconds",
			Help: "Age of the latest M1 candle per symbol",
		}, []string{"symbol"}),
		TickRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fxpipeline_tick_rate_per_minute",
			Help: "Ticks per minute over the trailing five minutes",
		}, []string{"symbol"}),
		StoreLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxpipeline_store_latency_seconds",
			Help: "Store round-trip latency from the last health probe",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.CandlesWritten,
		m.DroppedTicks,
		m.WSReconnects,
		m.FanoutDrops,
		m.GapsFound,
		m.JobsEnqueued,
		m.JobsDone,
		m.ProviderRequestDur,
		m.QueueJobs,
		m.DataAge,
		m.TickRate,
		m.StoreLatency,
	)

	return m
}
