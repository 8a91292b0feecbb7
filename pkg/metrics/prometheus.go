package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Chain metrics
	blockHeight      prometheus.Gauge
	blocksReplayed   prometheus.Counter
	replayDuration   prometheus.Histogram
	syncState        *prometheus.GaugeVec
	chainCorruptions *prometheus.CounterVec
	fakeKeyrings     prometheus.Counter
	handlerFailures  *prometheus.CounterVec

	// Index metrics
	deployPhase     *prometheus.HistogramVec
	deployRetries   *prometheus.CounterVec
	deployFailures  *prometheus.CounterVec
	eventsIndexed   prometheus.Counter
	nftsMinted      prometheus.Counter
	stagingRejected *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,

		// Chain metrics
		blockHeight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "block_height",
				Help:      "Recorded chain height",
			},
		),
		blocksReplayed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_replayed_total",
				Help:      "Total number of blocks replayed",
			},
		),
		replayDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "replay_duration_seconds",
				Help:      "Duration of a full chain replay",
				Buckets:   []float64{0.1, 1, 10, 60, 300, 1800, 3600},
			},
		),
		syncState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_state",
				Help:      "Current replay state (1 = active state)",
			},
			[]string{"state"},
		),
		chainCorruptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_corruptions_total",
				Help:      "Total number of corrupted blocks found during replay",
			},
			[]string{"action"},
		),
		fakeKeyrings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fake_keyrings_total",
				Help:      "Total number of rejected keyring blocks",
			},
		),
		handlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_failures_total",
				Help:      "Total number of failed block handler dispatches",
			},
			[]string{"block_type"},
		),

		// Index metrics
		deployPhase: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_phase_duration_seconds",
				Help:      "Duration of each index deploy phase",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		deployRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploy_retries_total",
				Help:      "Total number of retried deploy phase attempts",
			},
			[]string{"phase"},
		),
		deployFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploy_failures_total",
				Help:      "Total number of deploy phases that exhausted their retries",
			},
			[]string{"phase"},
		),
		eventsIndexed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_indexed_total",
				Help:      "Total number of contract events persisted",
			},
		),
		nftsMinted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nfts_minted_total",
				Help:      "Total number of NFT mints persisted",
			},
		),
		stagingRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "staging_rejected_total",
				Help:      "Total number of NFT staging requests rejected for insufficient supply",
			},
			[]string{"op"},
		),
	}

	m.registerMetrics()
	return m
}

func (m *PrometheusMetrics) registerMetrics() {
	m.registry.MustRegister(
		m.blockHeight,
		m.blocksReplayed,
		m.replayDuration,
		m.syncState,
		m.chainCorruptions,
		m.fakeKeyrings,
		m.handlerFailures,
		m.deployPhase,
		m.deployRetries,
		m.deployFailures,
		m.eventsIndexed,
		m.nftsMinted,
		m.stagingRejected,
	)
}

// Chain metrics

func (m *PrometheusMetrics) SetBlockHeight(height int64) {
	m.blockHeight.Set(float64(height))
}

func (m *PrometheusMetrics) IncBlocksReplayed() {
	m.blocksReplayed.Inc()
}

func (m *PrometheusMetrics) ObserveReplayDuration(duration time.Duration) {
	m.replayDuration.Observe(duration.Seconds())
}

func (m *PrometheusMetrics) SetSyncState(state string) {
	for _, s := range []string{SyncStateIdle, SyncStateSyncing} {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.syncState.WithLabelValues(s).Set(value)
	}
}

func (m *PrometheusMetrics) IncChainCorruptions(action string) {
	m.chainCorruptions.WithLabelValues(action).Inc()
}

func (m *PrometheusMetrics) IncFakeKeyrings() {
	m.fakeKeyrings.Inc()
}

func (m *PrometheusMetrics) IncHandlerFailures(blockType string) {
	m.handlerFailures.WithLabelValues(blockType).Inc()
}

// Index metrics

func (m *PrometheusMetrics) ObserveDeployPhase(phase string, duration time.Duration) {
	m.deployPhase.WithLabelValues(phase).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) IncDeployRetries(phase string) {
	m.deployRetries.WithLabelValues(phase).Inc()
}

func (m *PrometheusMetrics) IncDeployFailures(phase string) {
	m.deployFailures.WithLabelValues(phase).Inc()
}

func (m *PrometheusMetrics) AddEventsIndexed(count int) {
	m.eventsIndexed.Add(float64(count))
}

func (m *PrometheusMetrics) AddNftsMinted(count int) {
	m.nftsMinted.Add(float64(count))
}

func (m *PrometheusMetrics) IncStagingRejected(op string) {
	m.stagingRejected.WithLabelValues(op).Inc()
}

// Handler returns an HTTP handler for serving metrics.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying Prometheus registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Ensure PrometheusMetrics implements Metrics.
var _ Metrics = (*PrometheusMetrics)(nil)
