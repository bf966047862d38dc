package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Checkouts           *prometheus.CounterVec
	WebhookEvents       *prometheus.CounterVec
	OrderTransitions    *prometheus.CounterVec
	ReservationsExpired prometheus.Counter
	WebhookRetries      *prometheus.CounterVec
	Settlements         *prometheus.CounterVec
}

// New registers collectors on reg. Each call needs its own registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_total",
			Help: "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Payment provider webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Order transition requests by target status and whether they changed the status.",
		}, []string{"to", "applied"}),
		ReservationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservations_expired_total",
			Help: "Held reservations released by the expiry sweep.",
		}),
		WebhookRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_retry_total",
			Help: "Retry inbox outcomes.",
		}, []string{"outcome"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_settlements_total",
			Help: "Stock side effects applied after order transitions.",
		}, []string{"action", "outcome"}),
	}
	reg.MustRegister(
		m.Checkouts,
		m.WebhookEvents,
		m.OrderTransitions,
		m.ReservationsExpired,
		m.WebhookRetries,
		m.Settlements,
	)
	return m
}

// NewNop returns metrics bound to a throwaway registry, for tests and tools.
func NewNop() *Metrics { return New(prometheus.NewRegistry()) }
