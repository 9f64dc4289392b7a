package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/transport-ledger/khata/metrics"
)

// =============================================================================
// OPTIONS - shared by the engine components
// =============================================================================

type options struct {
	now    func() time.Time
	logger *slog.Logger
	locker Locker
}

// Option configures a PeriodResolver, ClosureManager or Book.
type Option func(*options)

// WithNow replaces the wall clock. Tests use it to pin "today".
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLocker makes CloseMonth hold a per-tenant lock. Only ClosureManager
// uses it.
func WithLocker(l Locker) Option {
	return func(o *options) { o.locker = l }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// PERIOD RESOLVER - which month is open for entries
// =============================================================================

// MaxResolveCandidates bounds the forward search for an open month.
const MaxResolveCandidates = 12

// PeriodResolver finds the active month of a tenant. It only reads.
type PeriodResolver struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func NewPeriodResolver(store Store, opts ...Option) *PeriodResolver {
	o := buildOptions(opts)
	return &PeriodResolver{store: store, now: o.now, logger: o.logger}
}

// ResolveActiveMonth returns the earliest month at or after referenceDate's
// month that has no closure. At most MaxResolveCandidates months are
// examined. If all of them are closed the last one examined is returned.
func (r *PeriodResolver) ResolveActiveMonth(ctx context.Context, tenantID TenantID, referenceDate Date) (Month, error) {
	if err := requireTenant(tenantID); err != nil {
		return Month{}, err
	}
	candidate := referenceDate.Month()
	for i := 0; i < MaxResolveCandidates; i++ {
		if i > 0 {
			candidate = candidate.Next()
		}
		closure, err := r.store.GetClosure(ctx, tenantID, candidate)
		if err != nil {
			return Month{}, storageErr("get closure", err)
		}
		if closure == nil {
			return candidate, nil
		}
	}

	metrics.ResolverExhausted.Inc()
	r.logger.WarnContext(ctx, "active month search exhausted",
		"tenant", tenantID,
		"from", referenceDate.Month().String(),
		"returned", candidate.String(),
	)
	return candidate, nil
}

// ActiveMonth resolves from today's date.
func (r *PeriodResolver) ActiveMonth(ctx context.Context, tenantID TenantID) (Month, error) {
	return r.ResolveActiveMonth(ctx, tenantID, DateOf(r.now()))
}
