package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "llmgate"

type Metrics struct {
	EnqueuedTurns  prometheus.Counter
	ProcessedTurns prometheus.Counter
	FailedTurns    prometheus.Counter
	UpdatesTotal   prometheus.Counter

	FetchAttempts *prometheus.CounterVec
	FetchOutcomes *prometheus.CounterVec

	ProviderStreams *prometheus.CounterVec
	ProviderChunks  *prometheus.CounterVec
	ProviderTTFB    *prometheus.HistogramVec

	CacheLookups      *prometheus.CounterVec
	CacheDollarsSaved prometheus.Counter
	CacheSweptTotal   prometheus.Counter

	GovernorRejections *prometheus.CounterVec
	GovernorActive     prometheus.Gauge

	GatekeeperDecisions *prometheus.CounterVec
	GatekeeperLatency   prometheus.Histogram

	ImageGenerations *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedTurns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_enqueued_total",
				Help:      "Total chat turns enqueued to redis stream",
			}),
			ProcessedTurns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_processed_total",
				Help:      "Total chat turns successfully processed",
			}),
			FailedTurns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_failed_total",
				Help:      "Total chat turns failed during processing",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "attempts_total",
				Help:      "Upstream HTTP attempts made by the resilient fetcher",
			}, []string{"host"}),
			FetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "outcomes_total",
				Help:      "Final outcome of resilient fetch calls",
			}, []string{"host", "outcome"}),
			ProviderStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "streams_total",
				Help:      "Streams opened per provider and status",
			}, []string{"provider", "status"}),
			ProviderChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "chunks_total",
				Help:      "Chunks yielded per provider and kind",
			}, []string{"provider", "kind"}),
			ProviderTTFB: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "ttfb_seconds",
				Help:      "Time to first chunk per provider",
				Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 16},
			}, []string{"provider"}),
			CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "image_cache",
				Name:      "lookups_total",
				Help:      "Image cache lookups by tier and result",
			}, []string{"tier", "result"}),
			CacheDollarsSaved: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "image_cache",
				Name:      "dollars_saved_total",
				Help:      "Estimated upstream spend avoided by cache hits",
			}),
			CacheSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "image_cache",
				Name:      "swept_total",
				Help:      "Persistent cache entries removed by the expiry sweep",
			}),
			GovernorRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "governor",
				Name:      "rejections_total",
				Help:      "Image generations rejected by the governor",
			}, []string{"scope"}),
			GovernorActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "governor",
				Name:      "active_generations",
				Help:      "Image generations currently holding a slot",
			}),
			GatekeeperDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gatekeeper",
				Name:      "decisions_total",
				Help:      "Gatekeeper decisions by type and source",
			}, []string{"type", "source"}),
			GatekeeperLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gatekeeper",
				Name:      "latency_seconds",
				Help:      "Gatekeeper classification latency",
				Buckets:   []float64{.0005, .001, .01, .05, .1, .25, .5, 1},
			}),
			ImageGenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "images",
				Name:      "generations_total",
				Help:      "Image generation requests by provider and result",
			}, []string{"provider", "result"}),
		}
		prometheus.MustRegister(
			global.EnqueuedTurns, global.ProcessedTurns, global.FailedTurns, global.UpdatesTotal,
			global.FetchAttempts, global.FetchOutcomes,
			global.ProviderStreams, global.ProviderChunks, global.ProviderTTFB,
			global.CacheLookups, global.CacheDollarsSaved, global.CacheSweptTotal,
			global.GovernorRejections, global.GovernorActive,
			global.GatekeeperDecisions, global.GatekeeperLatency,
			global.ImageGenerations,
		)
	})
	return global
}
