package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oblivion/oblivion/internal/logging"
)

type Metrics struct {
	connectionsTotal    prometheus.Counter
	requestsTotal       *prometheus.CounterVec
	blocksTotal         *prometheus.CounterVec
	ratelimitHitsTotal  prometheus.Counter
	parseErrorsTotal    *prometheus.CounterVec
	upstreamErrorsTotal prometheus.Counter
	requestDuration     prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "oblivion_connections_total", Help: "Total accepted connections"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "oblivion_requests_total", Help: "Total requests by outcome"},
			[]string{"kind", "code"},
		),
		blocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "oblivion_blocks_total", Help: "Total inspection blocks"},
			[]string{"category"},
		),
		ratelimitHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "oblivion_ratelimit_hits_total", Help: "Total rate limit rejections"},
		),
		parseErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "oblivion_parse_errors_total", Help: "Total parse failures"},
			[]string{"kind"},
		),
		upstreamErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "oblivion_upstream_errors_total", Help: "Total upstream failures"},
		),
		requestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "oblivion_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.connectionsTotal,
		m.requestsTotal,
		m.blocksTotal,
		m.ratelimitHitsTotal,
		m.parseErrorsTotal,
		m.upstreamErrorsTotal,
		m.requestDuration,
	)

	return m
}

func (m *Metrics) Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ConnectionAccepted counts one accepted TCP connection.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
}

// Observe records one request outcome from its decision record.
func (m *Metrics) Observe(record logging.Record) {
	if m == nil {
		return
	}

	m.requestsTotal.WithLabelValues(record.Kind, strconv.Itoa(record.StatusCode)).Inc()
	m.requestDuration.Observe(time.Duration(record.DurationMS * int64(time.Millisecond)).Seconds())

	switch record.Kind {
	case logging.KindBlocked:
		m.blocksTotal.WithLabelValues(record.Category).Inc()
	case logging.KindRateLimited:
		m.ratelimitHitsTotal.Inc()
	case logging.KindParseMalformed, logging.KindParseSmuggling,
		logging.KindParseTooLarge, logging.KindParseTimeout:
		m.parseErrorsTotal.WithLabelValues(record.Kind).Inc()
	case logging.KindUpstreamError:
		m.upstreamErrorsTotal.Inc()
	}
}
