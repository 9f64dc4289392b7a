// Package metrics holds the Prometheus collectors of the khata service.
// Collectors register on the default registry at init, so /metrics serves
// them without further wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// ClosuresTotal counts CloseMonth calls by outcome.
var ClosuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "khata",
	Subsystem: "ledger",
	Name:      "closures_total",
	Help:      "Total month closure attempts by result.",
}, []string{"result"})

// ResolverExhausted counts active-month lookups that hit the search bound.
var ResolverExhausted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "khata",
	Subsystem: "ledger",
	Name:      "resolver_exhausted_total",
	Help:      "Active-month resolutions that returned the last candidate after the search bound.",
})

// ClosedPeriodRejections counts mutations refused because the month is closed.
var ClosedPeriodRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "khata",
	Subsystem: "ledger",
	Name:      "closed_period_rejections_total",
	Help:      "Mutations rejected because the record is dated in a closed month.",
}, []string{"record"})

// ─── HTTP Metrics ───────────────────────────────────────────────────────────

// HTTPRequestDuration tracks request latency by route pattern and status.
var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "khata",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route", "status"})

// Closure results used as ClosuresTotal label values.
const (
	ResultClosed        = "closed"
	ResultAlreadyClosed = "already_closed"
	ResultOutOfOrder    = "out_of_order"
	ResultInProgress    = "in_progress"
	ResultError         = "error"
)
