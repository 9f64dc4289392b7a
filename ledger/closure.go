/*
closure.go - Monthly closure lifecycle

STATES:
  Open   - no MonthlyClosure row for (tenant, month)
  Closed - the row exists; permanent, there is no reopen

CLOSING A MONTH:
  1. Reject if the month already has a closure (AlreadyClosedError)
  2. Reject if it would break the sequential order (OutOfOrderClosureError)
  3. Load the month's transactions and expenses
  4. Aggregate with Totals
  5. Persist the closure with ClosedAt = now
  6. Return the stored record

SEQUENTIAL ORDER:
  Months close one after another with no gaps:
  - no later month may already be closed
  - once a tenant has closures, only latest.Next() may be closed
  - a month after the current calendar month may not be closed
  The first closure of a tenant may be any month up to the current one.

CONSISTENCY:
  When the store is a TxStore, steps 1-5 run inside WithTx so the totals
  are computed from the same snapshot the closure is written against. The
  store's (tenant, month) uniqueness is the final arbiter; losing that race
  is reported as AlreadyClosedError like any other duplicate.

SEE ALSO:
  - resolver.go: reads the closures written here
  - book.go: refuses mutations inside closed months
*/
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transport-ledger/khata/metrics"
)

// ClosureManager closes months and previews their totals.
type ClosureManager struct {
	store  Store
	locker Locker
	now    func() time.Time
	logger *slog.Logger
}

func NewClosureManager(store Store, opts ...Option) *ClosureManager {
	o := buildOptions(opts)
	return &ClosureManager{store: store, locker: o.locker, now: o.now, logger: o.logger}
}

// CloseMonth seals month for tenantID and returns the stored closure.
func (m *ClosureManager) CloseMonth(ctx context.Context, tenantID TenantID, month Month) (MonthlyClosure, error) {
	closure, err := m.closeMonth(ctx, tenantID, month)
	m.record(ctx, tenantID, month, err)
	return closure, err
}

func (m *ClosureManager) closeMonth(ctx context.Context, tenantID TenantID, month Month) (MonthlyClosure, error) {
	if err := requireTenant(tenantID); err != nil {
		return MonthlyClosure{}, err
	}
	if err := validMonth(month); err != nil {
		return MonthlyClosure{}, err
	}

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, closureLockKey(tenantID))
		if err != nil {
			return MonthlyClosure{}, storageErr("acquire closure lock", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.WarnContext(ctx, "release closure lock", "tenant", tenantID, "error", err)
			}
		}()
	}

	var closure MonthlyClosure
	err := m.inTx(ctx, func(s Store) error {
		c, err := m.closeIn(ctx, s, tenantID, month)
		closure = c
		return err
	})
	if errors.Is(err, ErrClosureExists) {
		// Lost the race to a concurrent close. Report it like any duplicate.
		existing, gerr := m.store.GetClosure(ctx, tenantID, month)
		if gerr != nil {
			return MonthlyClosure{}, storageErr("get closure", gerr)
		}
		if existing != nil {
			return MonthlyClosure{}, &AlreadyClosedError{TenantID: tenantID, Month: month, ClosedAt: existing.ClosedAt}
		}
		return MonthlyClosure{}, &AlreadyClosedError{TenantID: tenantID, Month: month}
	}
	if err != nil {
		return MonthlyClosure{}, err
	}
	return closure, nil
}

func (m *ClosureManager) closeIn(ctx context.Context, s Store, tenantID TenantID, month Month) (MonthlyClosure, error) {
	existing, err := s.GetClosure(ctx, tenantID, month)
	if err != nil {
		return MonthlyClosure{}, storageErr("get closure", err)
	}
	if existing != nil {
		return MonthlyClosure{}, &AlreadyClosedError{TenantID: tenantID, Month: month, ClosedAt: existing.ClosedAt}
	}

	now := m.now()
	if err := m.checkOrder(ctx, s, tenantID, month, now); err != nil {
		return MonthlyClosure{}, err
	}

	totals, err := m.totals(ctx, s, tenantID, month)
	if err != nil {
		return MonthlyClosure{}, err
	}

	created, err := s.CreateClosure(ctx, totals.Closure(tenantID, now))
	if err != nil {
		return MonthlyClosure{}, storageErr("create closure", err)
	}
	return created, nil
}

// checkOrder enforces the sequential closing policy.
func (m *ClosureManager) checkOrder(ctx context.Context, s Store, tenantID TenantID, month Month, now time.Time) error {
	current := MonthOf(now)
	if month.After(current) {
		return &OutOfOrderClosureError{TenantID: tenantID, Month: month, Reason: FutureMonth, Conflict: current}
	}

	closures, err := s.ListClosures(ctx, tenantID)
	if err != nil {
		return storageErr("list closures", err)
	}
	if len(closures) == 0 {
		return nil
	}

	latest := closures[0].Month
	for _, c := range closures[1:] {
		if c.Month.After(latest) {
			latest = c.Month
		}
	}
	if latest.After(month) {
		return &OutOfOrderClosureError{TenantID: tenantID, Month: month, Reason: LaterMonthClosed, Conflict: latest}
	}
	if expected := latest.Next(); expected != month {
		return &OutOfOrderClosureError{TenantID: tenantID, Month: month, Reason: EarlierMonthOpen, Conflict: expected}
	}
	return nil
}

func (m *ClosureManager) totals(ctx context.Context, s Store, tenantID TenantID, month Month) (MonthTotals, error) {
	r := ForMonth(month)
	txs, err := s.ListTransactions(ctx, tenantID, TransactionFilter{Range: r})
	if err != nil {
		return MonthTotals{}, storageErr("list transactions", err)
	}
	exps, err := s.ListExpenses(ctx, tenantID, ExpenseFilter{Range: r})
	if err != nil {
		return MonthTotals{}, storageErr("list expenses", err)
	}
	return Totals(month, txs, exps)
}

func (m *ClosureManager) inTx(ctx context.Context, fn func(Store) error) error {
	if ts, ok := m.store.(TxStore); ok {
		return ts.WithTx(ctx, fn)
	}
	return fn(m.store)
}

func (m *ClosureManager) record(ctx context.Context, tenantID TenantID, month Month, err error) {
	result := metrics.ResultClosed
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyClosed):
		result = metrics.ResultAlreadyClosed
	case errors.Is(err, ErrOutOfOrderClosure):
		result = metrics.ResultOutOfOrder
	case errors.Is(err, ErrClosureInProgress):
		result = metrics.ResultInProgress
	default:
		result = metrics.ResultError
	}
	metrics.ClosuresTotal.WithLabelValues(result).Inc()

	if err != nil {
		m.logger.InfoContext(ctx, "month close refused", "tenant", tenantID, "month", month.String(), "result", result, "error", err)
		return
	}
	m.logger.InfoContext(ctx, "month closed", "tenant", tenantID, "month", month.String())
}

// =============================================================================
// READS
// =============================================================================

// MonthSummary is the dashboard view of a month. For a closed month the
// totals come from the stored closure and are never recomputed.
type MonthSummary struct {
	Totals  MonthTotals
	Closure *MonthlyClosure
	Parties []PartySummary
}

func (s MonthSummary) Closed() bool { return s.Closure != nil }

// PreviewMonth computes what closing month would store, without storing it.
func (m *ClosureManager) PreviewMonth(ctx context.Context, tenantID TenantID, month Month) (MonthTotals, error) {
	if err := requireTenant(tenantID); err != nil {
		return MonthTotals{}, err
	}
	if err := validMonth(month); err != nil {
		return MonthTotals{}, err
	}
	return m.totals(ctx, m.store, tenantID, month)
}

// Summary returns month totals plus a per-party breakdown.
func (m *ClosureManager) Summary(ctx context.Context, tenantID TenantID, month Month) (MonthSummary, error) {
	if err := requireTenant(tenantID); err != nil {
		return MonthSummary{}, err
	}
	if err := validMonth(month); err != nil {
		return MonthSummary{}, err
	}

	closure, err := m.store.GetClosure(ctx, tenantID, month)
	if err != nil {
		return MonthSummary{}, storageErr("get closure", err)
	}
	txs, err := m.store.ListTransactions(ctx, tenantID, TransactionFilter{Range: ForMonth(month)})
	if err != nil {
		return MonthSummary{}, storageErr("list transactions", err)
	}
	parties, err := SummarizeByParty(txs)
	if err != nil {
		return MonthSummary{}, err
	}

	summary := MonthSummary{Closure: closure, Parties: parties}
	if closure != nil {
		summary.Totals = MonthTotals{
			Month:             closure.Month,
			TotalJama:         closure.TotalJama,
			TotalUdhar:        closure.TotalUdhar,
			TotalExpenses:     closure.TotalExpenses,
			NetBalance:        closure.NetBalance,
			TransactionsCount: closure.TransactionsCount,
			ExpensesCount:     closure.ExpensesCount,
			PartiesCount:      closure.PartiesCount,
		}
		return summary, nil
	}

	exps, err := m.store.ListExpenses(ctx, tenantID, ExpenseFilter{Range: ForMonth(month)})
	if err != nil {
		return MonthSummary{}, storageErr("list expenses", err)
	}
	summary.Totals, err = Totals(month, txs, exps)
	if err != nil {
		return MonthSummary{}, err
	}
	return summary, nil
}

// History lists the tenant's closures, oldest first.
func (m *ClosureManager) History(ctx context.Context, tenantID TenantID) ([]MonthlyClosure, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	closures, err := m.store.ListClosures(ctx, tenantID)
	if err != nil {
		return nil, storageErr("list closures", err)
	}
	return closures, nil
}

// Get returns the closure of month or ErrNotFound when it is open.
func (m *ClosureManager) Get(ctx context.Context, tenantID TenantID, month Month) (MonthlyClosure, error) {
	if err := requireTenant(tenantID); err != nil {
		return MonthlyClosure{}, err
	}
	c, err := m.store.GetClosure(ctx, tenantID, month)
	if err != nil {
		return MonthlyClosure{}, storageErr("get closure", err)
	}
	if c == nil {
		return MonthlyClosure{}, ErrNotFound
	}
	return *c, nil
}

func closureLockKey(tenantID TenantID) string {
	return "khata:closure:" + string(tenantID)
}

func validMonth(m Month) error {
	if m.Month < time.January || m.Month > time.December || m.Year < 1 {
		return &DataIntegrityError{Record: "closure", Field: "month", Reason: "is not a valid calendar month: " + m.String()}
	}
	return nil
}
