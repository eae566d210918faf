package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the mail pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	ParseDegraded    prometheus.Counter
	MessagesRead     prometheus.Counter
	MagicLinks       prometheus.Counter
	AccountsCreated  prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openmail_deliveries_total",
			Help: "Messages handed to the ingestion pipeline, by outcome",
		}, []string{"outcome"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "openmail_delivery_duration_seconds",
			Help:    "Time spent ingesting one message for one recipient",
			Buckets: prometheus.DefBuckets,
		}),
		ParseDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "openmail_parse_degraded_total",
			Help: "Messages stored from a partially malformed source",
		}),
		MessagesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "openmail_messages_viewed_total",
			Help: "Messages fetched through the enriched view",
		}),
		MagicLinks: factory.NewCounter(prometheus.CounterOpts{
			Name: "openmail_magic_links_total",
			Help: "Magic links returned to callers",
		}),
		AccountsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "openmail_accounts_created_total",
			Help: "Accounts created",
		}),
	}
}

func (m *Metrics) ObserveDelivery(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	m.DeliveryDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveParseDegraded() {
	if m == nil {
		return
	}
	m.ParseDegraded.Inc()
}

func (m *Metrics) ObserveView(magicLinks int) {
	if m == nil {
		return
	}
	m.MessagesRead.Inc()
	m.MagicLinks.Add(float64(magicLinks))
}

func (m *Metrics) ObserveAccountCreated() {
	if m == nil {
		return
	}
	m.AccountsCreated.Inc()
}
