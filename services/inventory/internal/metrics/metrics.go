package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "inventory"

// Metrics holds the counters the service records. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reservations   *prometheus.CounterVec
	releases       prometheus.Counter
	adjustments    prometheus.Counter
	lowStockAlerts prometheus.Counter
	consumed       *prometheus.CounterVec
	published      *prometheus.CounterVec
	cache          *prometheus.CounterVec
}

// NewRegistry returns a registry preloaded with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_items_total",
			Help:      "Order line items processed by the reservation coordinator, by outcome.",
		}, []string{"outcome"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_released_total",
			Help:      "Reservations moved from active to released.",
		}),
		adjustments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adjustments_total",
			Help:      "Committed on-hand stock adjustments.",
		}),
		lowStockAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "low_stock_alerts_total",
			Help:      "Low-stock alerts staged for publication.",
		}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Inbound events handled, by event type and result.",
		}, []string{"event", "result"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Outbox events acknowledged by the broker, by event type.",
		}, []string{"event"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "product_cache_requests_total",
			Help:      "Product cache lookups, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.reservations,
		m.releases,
		m.adjustments,
		m.lowStockAlerts,
		m.consumed,
		m.published,
		m.cache,
	)

	return m
}

func (m *Metrics) ReservationOutcome(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReservationReleased() {
	if m == nil {
		return
	}
	m.releases.Inc()
}

func (m *Metrics) Adjusted() {
	if m == nil {
		return
	}
	m.adjustments.Inc()
}

func (m *Metrics) LowStockAlert() {
	if m == nil {
		return
	}
	m.lowStockAlerts.Inc()
}

func (m *Metrics) EventConsumed(event, result string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(event, result).Inc()
}

func (m *Metrics) EventPublished(event string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(event).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}
