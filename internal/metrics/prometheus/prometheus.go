// Package prometheus is the Prometheus-backed implementation of
// internal/metrics's CacheMetrics and XcpMetrics interfaces, following the
// teacher's promauto-constructor pattern.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/remotefs/rcache/internal/metrics"
)

type cacheMetrics struct {
	readBytesDisk    prometheus.Counter
	readBytesRAM     prometheus.Counter
	readBytesMissed  prometheus.Counter
	readDuration     prometheus.Histogram
	blockFetchTotal  *prometheus.CounterVec
	blockFetchDur    prometheus.Histogram
	syncDuration     prometheus.Histogram
	prefetchScore    *prometheus.GaugeVec
	ramOutstanding   prometheus.Gauge
	ramCapacity      prometheus.Gauge
}

// NewCacheMetrics creates a Prometheus-backed metrics.CacheMetrics. Returns
// nil if metrics.InitRegistry has not been called, matching the teacher's
// zero-overhead-when-disabled convention.
func NewCacheMetrics() metrics.CacheMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &cacheMetrics{
		readBytesDisk: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rcache_read_bytes_disk_total",
			Help: "Bytes served from the on-disk block image.",
		}),
		readBytesRAM: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rcache_read_bytes_ram_total",
			Help: "Bytes served from blocks the prefetcher made resident in RAM.",
		}),
		readBytesMissed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rcache_read_bytes_missed_total",
			Help: "Bytes fetched from the remote for the read itself (neither disk nor prefetched RAM).",
		}),
		readDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "rcache_read_duration_seconds",
			Help:    "Duration of File.Read calls.",
			Buckets: prometheus.DefBuckets,
		}),
		blockFetchTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rcache_block_fetch_total",
			Help: "Remote block fetches by outcome.",
		}, []string{"outcome"}),
		blockFetchDur: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "rcache_block_fetch_duration_seconds",
			Help:    "Duration of remote block fetches.",
			Buckets: prometheus.DefBuckets,
		}),
		syncDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "rcache_sync_duration_seconds",
			Help:    "Duration of Sync() calls.",
			Buckets: prometheus.DefBuckets,
		}),
		prefetchScore: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "rcache_prefetch_score",
			Help: "Current prefetch score (hits/reads) by payload.",
		}, []string{"payload_id"}),
		ramOutstanding: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rcache_ram_blocks_outstanding",
			Help: "Blocks currently granted by the RAM admission broker.",
		}),
		ramCapacity: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rcache_ram_blocks_capacity",
			Help: "Maximum blocks the RAM admission broker may grant at once.",
		}),
	}
}

func (m *cacheMetrics) ObserveRead(bytesDisk, bytesRAM, bytesMissed int64, d time.Duration) {
	m.readBytesDisk.Add(float64(bytesDisk))
	m.readBytesRAM.Add(float64(bytesRAM))
	m.readBytesMissed.Add(float64(bytesMissed))
	m.readDuration.Observe(d.Seconds())
}

func (m *cacheMetrics) ObserveBlockFetch(ok bool, d time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.blockFetchTotal.WithLabelValues(outcome).Inc()
	m.blockFetchDur.Observe(d.Seconds())
}

func (m *cacheMetrics) ObserveSync(d time.Duration) {
	m.syncDuration.Observe(d.Seconds())
}

func (m *cacheMetrics) RecordPrefetchScore(payloadID string, score float64) {
	m.prefetchScore.WithLabelValues(payloadID).Set(score)
}

func (m *cacheMetrics) RecordRAMOutstanding(blocks, capacity int64) {
	m.ramOutstanding.Set(float64(blocks))
	m.ramCapacity.Set(float64(capacity))
}

type xcpMetrics struct {
	chunkBytes   *prometheus.CounterVec
	chunkDur     *prometheus.HistogramVec
	sourceRate   *prometheus.GaugeVec
	steals       prometheus.Counter
	copyResult   *prometheus.CounterVec
	copyDuration prometheus.Histogram
}

// NewXcpMetrics creates a Prometheus-backed metrics.XcpMetrics. Returns nil
// if metrics are disabled.
func NewXcpMetrics() metrics.XcpMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &xcpMetrics{
		chunkBytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rcache_xcp_chunk_bytes_total",
			Help: "Bytes delivered per source URL.",
		}, []string{"source"}),
		chunkDur: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rcache_xcp_chunk_duration_seconds",
			Help:    "Duration of a single chunk read per source.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		sourceRate: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "rcache_xcp_source_rate_bytes_per_second",
			Help: "Sliding transfer-rate estimate per source.",
		}, []string{"source"}),
		steals: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rcache_xcp_steals_total",
			Help: "Work-steal events from a weakest-link source.",
		}),
		copyResult: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rcache_xcp_copy_result_total",
			Help: "Terminal copy outcomes by status.",
		}, []string{"status"}),
		copyDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "rcache_xcp_copy_duration_seconds",
			Help:    "Duration of a whole copy from Initialize to done.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *xcpMetrics) ObserveChunk(sourceURL string, bytes int64, d time.Duration) {
	m.chunkBytes.WithLabelValues(sourceURL).Add(float64(bytes))
	m.chunkDur.WithLabelValues(sourceURL).Observe(d.Seconds())
}

func (m *xcpMetrics) RecordSourceRate(sourceURL string, bytesPerSecond float64) {
	m.sourceRate.WithLabelValues(sourceURL).Set(bytesPerSecond)
}

func (m *xcpMetrics) RecordSteal(fromURL, toURL string) {
	m.steals.Inc()
}

func (m *xcpMetrics) ObserveCopyResult(status string, d time.Duration) {
	m.copyResult.WithLabelValues(status).Inc()
	m.copyDuration.Observe(d.Seconds())
}
