// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticketpay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpay_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	CheckoutSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpay_checkout_sessions_total",
			Help: "Checkout attempts by result",
		},
		[]string{"result"},
	)

	ReconcileEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpay_reconcile_events_total",
			Help: "Payment confirmations by outcome",
		},
		[]string{"outcome"},
	)

	ReconciledCents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketpay_reconciled_cents_total",
			Help: "Cents applied to tickets from payment confirmations",
		},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpay_notifications_total",
			Help: "Dispatched notifications by channel and terminal status",
		},
		[]string{"channel", "status"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketpay_dispatch_batch_duration_seconds",
			Help:    "Duration of one dispatch batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	RemindersQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpay_reminders_queued_total",
			Help: "Notifications queued by the reminder scheduler",
		},
		[]string{"kind"},
	)

	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpay_inbound_messages_total",
			Help: "Inbound SMS by resulting action",
		},
		[]string{"action"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests,
			HTTPDuration,
			RateLimited,
			CheckoutSessions,
			ReconcileEvents,
			ReconciledCents,
			Notifications,
			DispatchDuration,
			RemindersQueued,
			InboundMessages,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
