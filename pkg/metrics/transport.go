package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TransportMetrics instruments a transport's wire activity: round trips,
// bytes moved, readv planning efficiency, and lock contention. All methods
// are safe on a nil receiver.
type TransportMetrics struct {
	roundTrips     *prometheus.CounterVec
	roundTripTime  *prometheus.HistogramVec
	bytesFetched   prometheus.Counter
	readvRequests  prometheus.Counter
	readvRanges    prometheus.Counter
	shortReads     prometheus.Counter
	lockContention prometheus.Counter
}

// NewTransportMetrics creates transport instrumentation for the given
// scheme label ("keel", "sftp", "http", ...).
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewTransportMetrics(scheme string) *TransportMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()
	labels := prometheus.Labels{"scheme": scheme}

	return &TransportMetrics{
		roundTrips: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "keel_transport_round_trips_total",
				Help:        "Total wire round trips by smart method",
				ConstLabels: labels,
			},
			[]string{"method"},
		),
		roundTripTime: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "keel_transport_round_trip_seconds",
				Help:        "Wire round trip latency by smart method",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		bytesFetched: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name:        "keel_transport_bytes_fetched_total",
				Help:        "Total bytes fetched from the remote side",
				ConstLabels: labels,
			},
		),
		readvRequests: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name:        "keel_transport_readv_requests_total",
				Help:        "Total caller read requests handed to the readv engine",
				ConstLabels: labels,
			},
		),
		readvRanges: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name:        "keel_transport_readv_coalesced_ranges_total",
				Help:        "Total coalesced ranges produced by the readv engine",
				ConstLabels: labels,
			},
		),
		shortReads: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name:        "keel_transport_short_reads_total",
				Help:        "Total readv requests that failed with a short read",
				ConstLabels: labels,
			},
		),
		lockContention: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name:        "keel_transport_lock_contention_total",
				Help:        "Total write lock attempts refused because the lock was held",
				ConstLabels: labels,
			},
		),
	}
}

// RecordRoundTrip records one completed wire round trip.
func (m *TransportMetrics) RecordRoundTrip(method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.roundTrips.WithLabelValues(method).Inc()
	m.roundTripTime.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordBytesFetched records bytes received from the remote side.
func (m *TransportMetrics) RecordBytesFetched(n int) {
	if m == nil {
		return
	}
	m.bytesFetched.Add(float64(n))
}

// RecordReadvPlan records the size of a readv plan: how many caller
// requests collapsed into how many coalesced ranges.
func (m *TransportMetrics) RecordReadvPlan(requests, ranges int) {
	if m == nil {
		return
	}
	m.readvRequests.Add(float64(requests))
	m.readvRanges.Add(float64(ranges))
}

// RecordShortRead records a fatal short read.
func (m *TransportMetrics) RecordShortRead() {
	if m == nil {
		return
	}
	m.shortReads.Inc()
}

// RecordLockContention records a refused lock attempt.
func (m *TransportMetrics) RecordLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}
