// Package metrics keeps in-process pipeline counters and exposes them both as
// a read-only snapshot and as Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline stages for counter keys.
const (
	StageFetch      = "fetch"
	StageTranscribe = "transcribe"
	StagePersist    = "persist"
)

// Outcomes per stage.
const (
	OutcomeSubmitted = "submitted"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
)

// eventRingSize bounds the recent-event deque.
const eventRingSize = 100

// Event is one job event kept in the recent-events ring.
type Event struct {
	Time        time.Time `json:"time"`
	RecordingID string    `json:"recording_id"`
	Stage       string    `json:"stage"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
}

// Snapshot is a read-only copy of the collector state.
type Snapshot struct {
	Counters     map[string]map[string]int64 `json:"counters"`
	RecentEvents []Event                     `json:"recent_events"`
}

// Collector accumulates per-stage counters and the last N job events.
// All methods are safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	counters map[string]map[string]int64
	events   []Event
}

func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]map[string]int64),
	}
}

// Count increments a stage/outcome counter and mirrors it to Prometheus.
func (c *Collector) Count(stage, outcome string) {
	c.mu.Lock()
	m, ok := c.counters[stage]
	if !ok {
		m = make(map[string]int64)
		c.counters[stage] = m
	}
	m[outcome]++
	c.mu.Unlock()

	StageOutcomesTotal.WithLabelValues(stage, outcome).Inc()
}

// JobEvent records an event in the bounded recent-events ring.
func (c *Collector) JobEvent(recordingID, stage, outcome, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{
		Time:        time.Now().UTC(),
		RecordingID: recordingID,
		Stage:       stage,
		Outcome:     outcome,
		Detail:      detail,
	})
	if len(c.events) > eventRingSize {
		c.events = c.events[len(c.events)-eventRingSize:]
	}
}

// ObserveProcessing records a completed transcription's wall-clock and audio
// durations.
func (c *Collector) ObserveProcessing(processing, audio float64) {
	ProcessingSeconds.Observe(processing)
	if audio > 0 {
		AudioDurationSeconds.Observe(audio)
	}
}

// Snapshot returns a deep copy of counters and events.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters := make(map[string]map[string]int64, len(c.counters))
	for stage, m := range c.counters {
		cp := make(map[string]int64, len(m))
		for k, v := range m {
			cp[k] = v
		}
		counters[stage] = cp
	}
	events := make([]Event, len(c.events))
	copy(events, c.events)
	return Snapshot{Counters: counters, RecentEvents: events}
}

// QueueStats provides the runtime collector access to live queue depths.
type QueueStats interface {
	TranscribeQueueDepth() int
	PersistQueueDepth() int
}

// RuntimeCollector implements prometheus.Collector to read live gauges at
// scrape time.
type RuntimeCollector struct {
	pool  *pgxpool.Pool
	stats QueueStats

	transcribeQueue *prometheus.Desc
	persistQueue    *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewRuntimeCollector creates a collector that reads live state at scrape
// time. pool may be nil (metrics report 0); stats may be nil when no run is
// active.
func NewRuntimeCollector(pool *pgxpool.Pool, stats QueueStats) *RuntimeCollector {
	return &RuntimeCollector{
		pool:  pool,
		stats: stats,
		transcribeQueue: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "transcribe_queue_depth"),
			"Recordings waiting for a transcribe worker.",
			nil, nil,
		),
		persistQueue: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "persist_queue_depth"),
			"Results waiting for a persist worker.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *RuntimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.transcribeQueue
	ch <- c.persistQueue
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *RuntimeCollector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(c.transcribeQueue, prometheus.GaugeValue, float64(c.stats.TranscribeQueueDepth()))
		ch <- prometheus.MustNewConstMetric(c.persistQueue, prometheus.GaugeValue, float64(c.stats.PersistQueueDepth()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.transcribeQueue, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.persistQueue, prometheus.GaugeValue, 0)
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
