package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cr_engine"

// Pipeline counters and histograms. The collector updates the stage outcome
// and duration metrics and the fetcher counts discoveries; nothing observes
// RateLimitWaitSeconds.
var (
	RecordingsDiscoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recordings_discovered_total",
		Help:      "Recordings yielded by the fetcher after dedup.",
	})

	StageOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_outcomes_total",
		Help:      "Per-stage outcomes (submitted, succeeded, failed, timeout).",
	}, []string{"stage", "outcome"})

	ProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "processing_seconds",
		Help:      "Wall-clock transcription processing time per job.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s → ~34m
	})

	AudioDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "audio_duration_seconds",
		Help:      "Audio duration of transcribed recordings.",
		Buckets:   prometheus.ExponentialBuckets(5, 2, 10), // 5s → ~42m
	})

	RateLimitWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent blocked in rate limiter admission.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(
		RecordingsDiscoveredTotal,
		StageOutcomesTotal,
		ProcessingSeconds,
		AudioDurationSeconds,
		RateLimitWaitSeconds,
	)
}
