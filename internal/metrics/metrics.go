package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmichael/fantrix-feed/internal/domain"
)

// Metrics holds the service's Prometheus collectors on a private registry.
// It implements domain.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	snapshots          prometheus.Counter
	malformed          prometheus.Counter
	feedPosts          prometheus.Gauge
	subscriptionErrors prometheus.Counter
	postsCreated       prometheus.Counter
	toggles            *prometheus.CounterVec
	txConflicts        prometheus.Counter
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	streamClients      prometheus.Gauge
}

var _ domain.Recorder = (*Metrics)(nil)

// New registers all collectors, including Go runtime and process metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_snapshots_total",
			Help: "Feed snapshots applied.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_malformed_documents_total",
			Help: "Post documents dropped from snapshots because they failed to decode.",
		}),
		feedPosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_posts",
			Help: "Posts in the latest snapshot.",
		}),
		subscriptionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_subscription_errors_total",
			Help: "Errors reported by the feed subscription.",
		}),
		postsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_posts_created_total",
			Help: "Posts created.",
		}),
		toggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_engagement_toggles_total",
			Help: "Committed engagement toggles by kind and resulting state.",
		}, []string{"kind", "active"}),
		txConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docstore_transaction_conflicts_total",
			Help: "Transaction attempts retried after a concurrent write.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_stream_clients",
			Help: "Connected websocket feed clients.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.snapshots,
		m.malformed,
		m.feedPosts,
		m.subscriptionErrors,
		m.postsCreated,
		m.toggles,
		m.txConflicts,
		m.httpRequests,
		m.httpDuration,
		m.streamClients,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SnapshotApplied(posts, malformed int) {
	m.snapshots.Inc()
	m.malformed.Add(float64(malformed))
	m.feedPosts.Set(float64(posts))
}

func (m *Metrics) SubscriptionFailed() {
	m.subscriptionErrors.Inc()
}

func (m *Metrics) PostCreated() {
	m.postsCreated.Inc()
}

func (m *Metrics) Toggled(kind domain.EngagementKind, active bool) {
	m.toggles.WithLabelValues(kind.String(), strconv.FormatBool(active)).Inc()
}

// TransactionConflict counts a lost optimistic-concurrency race.
func (m *Metrics) TransactionConflict() {
	m.txConflicts.Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// StreamClientConnected and StreamClientDisconnected track websocket clients.
func (m *Metrics) StreamClientConnected() {
	m.streamClients.Inc()
}

func (m *Metrics) StreamClientDisconnected() {
	m.streamClients.Dec()
}
