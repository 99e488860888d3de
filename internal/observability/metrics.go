package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the raffle engine.
type Metrics struct {
	Registrations   *prometheus.CounterVec
	PaymentLinks    *prometheus.CounterVec
	Reconciliations *prometheus.CounterVec
	DrawFetches     *prometheus.CounterVec
	Settlements     prometheus.Counter
	Winners         prometheus.Counter
	Notifications   *prometheus.CounterVec
	Backups         *prometheus.CounterVec
}

// NewMetrics registers every collector on reg. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_registrations_total",
			Help: "Registration attempts by result.",
		}, []string{"result"}),
		PaymentLinks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_payment_links_total",
			Help: "Payment links handed out, by source (provider or fallback).",
		}, []string{"source"}),
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_reconciliations_total",
			Help: "Payment events processed, by result.",
		}, []string{"result"}),
		DrawFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_draw_fetches_total",
			Help: "Official number lookups against the results page, by result.",
		}, []string{"result"}),
		Settlements: f.NewCounter(prometheus.CounterOpts{
			Name: "raffle_settlements_total",
			Help: "Draw outcomes recorded.",
		}),
		Winners: f.NewCounter(prometheus.CounterOpts{
			Name: "raffle_winners_total",
			Help: "Winners across all recorded draws.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_notifications_total",
			Help: "Notification attempts by channel and status.",
		}, []string{"channel", "status"}),
		Backups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_backups_total",
			Help: "Backup operations by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// Discard returns metrics registered on a private registry, for callers that
// do not expose them.
func Discard() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
