/*
engine_test.go - Behaviour tests for the period engine

ORGANIZATION:
  1. Period resolution - active month skips closed months, bounded search
  2. Closure - snapshot totals, idempotency, sequential policy
  3. Closed-period guard - Book refuses writes in closed months
  4. Failure handling - store errors surface as StorageError

All tests run over the in-memory store with a pinned clock.
*/
package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transport-ledger/khata/ledger"
	"github.com/transport-ledger/khata/ledger/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

const tenant ledger.TenantID = "acme"

type engine struct {
	store    *store.Memory
	book     *ledger.Book
	resolver *ledger.PeriodResolver
	closures *ledger.ClosureManager
	party    ledger.Party
}

// newEngine wires the engine with "now" pinned to the given time.
func newEngine(t *testing.T, now time.Time, opts ...ledger.Option) *engine {
	t.Helper()
	mem := store.NewMemory()
	mem.SetClock(func() time.Time { return now })

	all := append([]ledger.Option{
		ledger.WithNow(func() time.Time { return now }),
		ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	e := &engine{
		store:    mem,
		book:     ledger.NewBook(mem, all...),
		resolver: ledger.NewPeriodResolver(mem, all...),
		closures: ledger.NewClosureManager(mem, all...),
	}
	p, err := e.book.AddParty(context.Background(), ledger.Party{TenantID: tenant, Name: "Sharma Transport"})
	require.NoError(t, err)
	e.party = p
	return e
}

func (e *engine) add(t *testing.T, date ledger.Date, typ ledger.EntryType, base string) ledger.Transaction {
	t.Helper()
	txs, err := e.book.AddTransactions(context.Background(), tenant, e.party.ID, []ledger.RoundEntry{
		{BaseAmount: dec(base), Rounds: 1, Type: typ, Date: date},
	})
	require.NoError(t, err)
	return txs[0]
}

func (e *engine) close(t *testing.T, m ledger.Month) ledger.MonthlyClosure {
	t.Helper()
	c, err := e.closures.CloseMonth(context.Background(), tenant, m)
	require.NoError(t, err)
	return c
}

func month(y int, m time.Month) ledger.Month { return ledger.NewMonth(y, m) }

// counter sums every series of a counter family on the default registry.
func counter(t *testing.T, name string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

var june2025 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// =============================================================================
// 1. PERIOD RESOLUTION
// =============================================================================

func TestResolve_OpenMonthIsItself(t *testing.T) {
	e := newEngine(t, june2025)

	got, err := e.resolver.ResolveActiveMonth(context.Background(), tenant, day(3, 10))

	require.NoError(t, err)
	assert.Equal(t, month(2025, time.March), got)
}

func TestResolve_SkipsConsecutiveClosures(t *testing.T) {
	// For k consecutive closures starting at the reference month, the
	// active month is k months later.
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for k := 0; k < ledger.MaxResolveCandidates; k++ {
		e := newEngine(t, now)
		start := month(2025, time.January)
		for i := 0; i < k; i++ {
			e.close(t, start.AddMonths(i))
		}

		got, err := e.resolver.ResolveActiveMonth(context.Background(), tenant, start.First().AddDays(14))

		require.NoError(t, err)
		assert.Equal(t, start.AddMonths(k), got, "k=%d", k)
	}
}

func TestResolve_ClosedMonthNeverReturned(t *testing.T) {
	// GIVEN: March 2025 closed
	e := newEngine(t, june2025)
	e.close(t, month(2025, time.March))

	// WHEN: resolving from any day in March
	got, err := e.resolver.ResolveActiveMonth(context.Background(), tenant, day(3, 31))

	// THEN: April or later
	require.NoError(t, err)
	assert.Equal(t, month(2025, time.April), got)
}

func TestResolve_ExhaustedSearchReturnsLastCandidate(t *testing.T) {
	var logs bytes.Buffer
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	e := newEngine(t, now, ledger.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	// GIVEN: twelve consecutive closed months from the reference month
	start := month(2025, time.January)
	for i := 0; i < ledger.MaxResolveCandidates; i++ {
		e.close(t, start.AddMonths(i))
	}
	before := counter(t, "khata_ledger_resolver_exhausted_total")

	got, err := e.resolver.ResolveActiveMonth(context.Background(), tenant, start.First())

	// THEN: the twelfth candidate comes back even though it is closed
	require.NoError(t, err)
	assert.Equal(t, month(2025, time.December), got)
	assert.Contains(t, logs.String(), "active month search exhausted")
	assert.Equal(t, before+1, counter(t, "khata_ledger_resolver_exhausted_total"))
}

func TestResolve_TenantRequired(t *testing.T) {
	e := newEngine(t, june2025)

	_, err := e.resolver.ResolveActiveMonth(context.Background(), "", day(3, 1))

	assert.ErrorIs(t, err, ledger.ErrTenantRequired)
}

func TestResolve_TenantsAreIndependent(t *testing.T) {
	e := newEngine(t, june2025)
	e.close(t, month(2025, time.March))

	got, err := e.resolver.ResolveActiveMonth(context.Background(), "other", day(3, 1))

	require.NoError(t, err)
	assert.Equal(t, month(2025, time.March), got)
}

func TestActiveMonth_UsesClock(t *testing.T) {
	e := newEngine(t, june2025)

	got, err := e.resolver.ActiveMonth(context.Background(), tenant)

	require.NoError(t, err)
	assert.Equal(t, month(2025, time.June), got)
}

// =============================================================================
// 2. CLOSURE
// =============================================================================

func TestCloseMonth_SnapshotTotals(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()

	// GIVEN: Jama 1000, Udhar 300 and a 150 expense in March
	e.add(t, day(3, 4), ledger.Jama, "1000")
	e.add(t, day(3, 18), ledger.Udhar, "300")
	_, err := e.book.AddExpense(ctx, ledger.Expense{
		TenantID: tenant, Date: day(3, 20), Amount: dec("150"), Type: ledger.Udhar, Category: ledger.CategoryFuel,
	})
	require.NoError(t, err)
	// AND: an April entry that must not count
	e.add(t, day(4, 1), ledger.Jama, "5000")

	// WHEN
	c := e.close(t, month(2025, time.March))

	// THEN
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, tenant, c.TenantID)
	assert.True(t, c.TotalJama.Equal(dec("1000")))
	assert.True(t, c.TotalUdhar.Equal(dec("300")))
	assert.True(t, c.TotalExpenses.Equal(dec("150")))
	assert.True(t, c.NetBalance.Equal(dec("550")))
	assert.Equal(t, 2, c.TransactionsCount)
	assert.Equal(t, 1, c.ExpensesCount)
	assert.Equal(t, 1, c.PartiesCount)
	assert.True(t, c.ClosedAt.Equal(june2025))
}

func TestCloseMonth_EmptyMonth(t *testing.T) {
	e := newEngine(t, june2025)

	c := e.close(t, month(2025, time.May))

	assert.True(t, c.NetBalance.IsZero())
	assert.Zero(t, c.TransactionsCount)
	assert.Zero(t, c.PartiesCount)
}

func TestCloseMonth_SecondCallReportsOriginalClose(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()
	e.add(t, day(3, 4), ledger.Jama, "1000")
	first := e.close(t, month(2025, time.March))

	// GIVEN: a record slipped into March behind the engine's back
	_, err := e.store.CreateTransactions(ctx, []ledger.Transaction{
		tx("late", e.party.ID, day(3, 30), ledger.Jama, "77"),
	})
	require.NoError(t, err)

	// WHEN: closing again
	_, err = e.closures.CloseMonth(ctx, tenant, month(2025, time.March))

	// THEN: AlreadyClosed with the original timestamp
	var ace *ledger.AlreadyClosedError
	require.ErrorAs(t, err, &ace)
	assert.True(t, ace.ClosedAt.Equal(first.ClosedAt))
	assert.True(t, ledger.IsConflict(err))

	// AND: the stored snapshot is untouched
	history, err := e.closures.History(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, first, history[0])

	summary, err := e.closures.Summary(ctx, tenant, month(2025, time.March))
	require.NoError(t, err)
	assert.True(t, summary.Closed())
	assert.True(t, summary.Totals.TotalJama.Equal(dec("1000")), "closed month totals come from the snapshot")
}

func TestCloseMonth_SequentialPolicy(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()

	// GIVEN: the first closure may be any month up to the current one
	e.close(t, month(2025, time.March))

	tests := []struct {
		name     string
		month    ledger.Month
		reason   ledger.OutOfOrderReason
		conflict ledger.Month
	}{
		{"skipping a month", month(2025, time.May), ledger.EarlierMonthOpen, month(2025, time.April)},
		{"before the latest closure", month(2025, time.February), ledger.LaterMonthClosed, month(2025, time.March)},
		{"after the current month", month(2025, time.July), ledger.FutureMonth, month(2025, time.June)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.closures.CloseMonth(ctx, tenant, tt.month)

			var ooe *ledger.OutOfOrderClosureError
			require.ErrorAs(t, err, &ooe)
			assert.Equal(t, tt.reason, ooe.Reason)
			assert.Equal(t, tt.conflict, ooe.Conflict)
			assert.ErrorIs(t, err, ledger.ErrOutOfOrderClosure)
		})
	}

	// THEN: the next month in sequence closes fine, up to the current one
	e.close(t, month(2025, time.April))
	e.close(t, month(2025, time.May))
	e.close(t, month(2025, time.June))

	history, err := e.closures.History(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, month(2025, time.March), history[0].Month)
	assert.Equal(t, month(2025, time.June), history[3].Month)
}

func TestCloseMonth_InvalidInput(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()

	_, err := e.closures.CloseMonth(ctx, "", month(2025, time.March))
	assert.ErrorIs(t, err, ledger.ErrTenantRequired)

	_, err = e.closures.CloseMonth(ctx, tenant, ledger.Month{Year: 2025, Month: 13})
	assert.ErrorIs(t, err, ledger.ErrDataIntegrity)
}

func TestCloseMonth_ConcurrentCallsCloseOnce(t *testing.T) {
	e := newEngine(t, june2025)
	e.add(t, day(3, 4), ledger.Jama, "100")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.closures.CloseMonth(context.Background(), tenant, month(2025, time.March))
		}(i)
	}
	wg.Wait()

	closed := 0
	for _, err := range errs {
		if err == nil {
			closed++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrAlreadyClosed)
	}
	assert.Equal(t, 1, closed)
}

func TestPreviewMonth_DoesNotPersist(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()
	e.add(t, day(6, 1), ledger.Jama, "400")

	totals, err := e.closures.PreviewMonth(ctx, tenant, month(2025, time.June))
	require.NoError(t, err)
	assert.True(t, totals.TotalJama.Equal(dec("400")))

	_, err = e.closures.Get(ctx, tenant, month(2025, time.June))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// fakeLocker records lock keys and can refuse them.
type fakeLocker struct {
	mu       sync.Mutex
	keys     []string
	released int
	refuse   bool
}

func (l *fakeLocker) Lock(_ context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse {
		return nil, ledger.ErrClosureInProgress
	}
	l.keys = append(l.keys, key)
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.released++
		return nil
	}, nil
}

func TestCloseMonth_HoldsTenantLock(t *testing.T) {
	locker := &fakeLocker{}
	e := newEngine(t, june2025, ledger.WithLocker(locker))

	e.close(t, month(2025, time.March))

	assert.Equal(t, []string{"khata:closure:acme"}, locker.keys)
	assert.Equal(t, 1, locker.released)
}

func TestCloseMonth_LockHeldElsewhere(t *testing.T) {
	locker := &fakeLocker{refuse: true}
	e := newEngine(t, june2025, ledger.WithLocker(locker))

	_, err := e.closures.CloseMonth(context.Background(), tenant, month(2025, time.March))

	assert.ErrorIs(t, err, ledger.ErrClosureInProgress)
	assert.True(t, ledger.IsRetryable(err))
	_, err = e.closures.Get(context.Background(), tenant, month(2025, time.March))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// 3. CLOSED-PERIOD GUARD
// =============================================================================

func TestBook_RejectsWritesInClosedMonth(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()
	march := e.add(t, day(3, 4), ledger.Jama, "1000")
	april := e.add(t, day(4, 2), ledger.Jama, "50")
	exp, err := e.book.AddExpense(ctx, ledger.Expense{
		TenantID: tenant, Date: day(3, 5), Amount: dec("20"), Type: ledger.Udhar, Category: ledger.CategoryOther,
	})
	require.NoError(t, err)
	e.close(t, month(2025, time.March))

	var cpe *ledger.ClosedPeriodError

	t.Run("new transaction", func(t *testing.T) {
		_, err := e.book.AddTransaction(ctx, tx("", e.party.ID, day(3, 9), ledger.Jama, "1"))
		require.ErrorAs(t, err, &cpe)
		assert.Equal(t, month(2025, time.March), cpe.Month)
	})

	t.Run("edit inside closed month", func(t *testing.T) {
		edited := march
		edited.Amount = dec("1")
		_, err := e.book.UpdateTransaction(ctx, edited)
		assert.ErrorIs(t, err, ledger.ErrClosedPeriod)
	})

	t.Run("move open record into closed month", func(t *testing.T) {
		moved := april
		moved.Date = day(3, 31)
		_, err := e.book.UpdateTransaction(ctx, moved)
		assert.ErrorIs(t, err, ledger.ErrClosedPeriod)
	})

	t.Run("delete transaction", func(t *testing.T) {
		assert.ErrorIs(t, e.book.DeleteTransaction(ctx, tenant, march.ID), ledger.ErrClosedPeriod)
	})

	t.Run("expenses", func(t *testing.T) {
		_, err := e.book.AddExpense(ctx, ledger.Expense{
			TenantID: tenant, Date: day(3, 6), Amount: dec("5"), Type: ledger.Udhar, Category: ledger.CategoryFuel,
		})
		assert.ErrorIs(t, err, ledger.ErrClosedPeriod)
		assert.ErrorIs(t, e.book.DeleteExpense(ctx, tenant, exp.ID), ledger.ErrClosedPeriod)
	})

	t.Run("party with closed history", func(t *testing.T) {
		err := e.book.DeleteParty(ctx, tenant, e.party.ID)
		require.ErrorAs(t, err, &cpe)
		assert.Equal(t, "party", cpe.Record)
	})

	assert.Positive(t, counter(t, "khata_ledger_closed_period_rejections_total"))

	// AND: open months are still writable
	_, err = e.book.AddTransaction(ctx, tx("", e.party.ID, day(4, 9), ledger.Udhar, "-5"))
	require.NoError(t, err)
	require.NoError(t, e.book.DeleteTransaction(ctx, tenant, april.ID))
}

func TestBook_BatchIsAllOrNothing(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()
	e.close(t, month(2025, time.March))

	// WHEN: one line of the batch is in the closed month
	_, err := e.book.AddTransactions(ctx, tenant, e.party.ID, []ledger.RoundEntry{
		{BaseAmount: dec("100"), Rounds: 2, Type: ledger.Jama, Date: day(4, 1)},
		{BaseAmount: dec("100"), Rounds: 1, Type: ledger.Jama, Date: day(3, 31)},
	})

	// THEN: nothing is stored
	assert.ErrorIs(t, err, ledger.ErrClosedPeriod)
	txs, err := e.book.Transactions(ctx, tenant, ledger.TransactionFilter{PartyID: e.party.ID})
	require.NoError(t, err)
	assert.Empty(t, txs)

	// AND: an invalid line fails before anything is written
	_, err = e.book.AddTransactions(ctx, tenant, e.party.ID, []ledger.RoundEntry{
		{BaseAmount: dec("100"), Rounds: 1, Type: ledger.Jama, Date: day(4, 1)},
		{BaseAmount: dec("100"), Rounds: 0, Type: ledger.Jama, Date: day(4, 1)},
	})
	assert.ErrorIs(t, err, ledger.ErrDataIntegrity)

	_, err = e.book.AddTransactions(ctx, tenant, e.party.ID, nil)
	assert.ErrorIs(t, err, ledger.ErrDataIntegrity)
}

func TestBook_AddNeverOverwritesExistingRecord(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()
	march := e.add(t, day(3, 4), ledger.Jama, "1000")
	e.close(t, month(2025, time.March))

	// WHEN: a new transaction reuses the March id with an open April date
	reused := tx(string(march.ID), e.party.ID, day(4, 2), ledger.Jama, "1")
	_, err := e.book.AddTransaction(ctx, reused)

	// THEN: rejected, and the closed-month record is untouched
	assert.ErrorIs(t, err, ledger.ErrRecordExists)
	assert.True(t, ledger.IsConflict(err))
	got, err := e.book.Transaction(ctx, tenant, march.ID)
	require.NoError(t, err)
	assert.Equal(t, march, got)

	// AND: same for expenses
	exp, err := e.book.AddExpense(ctx, ledger.Expense{
		TenantID: tenant, Date: day(5, 1), Amount: dec("20"), Type: ledger.Udhar, Category: ledger.CategoryFuel,
	})
	require.NoError(t, err)
	_, err = e.book.AddExpense(ctx, ledger.Expense{
		ID: exp.ID, TenantID: tenant, Date: day(5, 2), Amount: dec("99"), Type: ledger.Udhar, Category: ledger.CategoryFuel,
	})
	assert.ErrorIs(t, err, ledger.ErrRecordExists)
}

func TestBook_AddPartyCannotTakeOverAnotherTenantsParty(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()

	_, err := e.book.AddParty(ctx, ledger.Party{ID: e.party.ID, TenantID: "other", Name: "Intruder"})

	assert.ErrorIs(t, err, ledger.ErrRecordExists)
	got, err := e.book.Party(ctx, tenant, e.party.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sharma Transport", got.Name)
	_, err = e.book.Party(ctx, "other", e.party.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestBook_DeletePartyCascades(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()
	e.add(t, day(5, 1), ledger.Jama, "10")

	require.NoError(t, e.book.DeleteParty(ctx, tenant, e.party.ID))

	_, err := e.book.Party(ctx, tenant, e.party.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	txs, err := e.book.Transactions(ctx, tenant, ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestBook_PartyLedger(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()
	e.add(t, day(4, 1), ledger.Jama, "100")
	e.add(t, day(5, 1), ledger.Udhar, "30")

	_, all, err := e.book.PartyLedger(ctx, tenant, e.party.ID, nil)
	require.NoError(t, err)
	assert.True(t, all.Net.Equal(dec("70")))

	may := month(2025, time.May)
	_, mayOnly, err := e.book.PartyLedger(ctx, tenant, e.party.ID, &may)
	require.NoError(t, err)
	assert.Len(t, mayOnly.Series, 1)
	assert.True(t, mayOnly.Net.Equal(dec("-30")))
}

func TestBook_ExpenseSignFollowsType(t *testing.T) {
	e := newEngine(t, june2025)

	got, err := e.book.AddExpense(context.Background(), ledger.Expense{
		TenantID: tenant, Date: day(6, 1), Amount: dec("250"), Type: ledger.Udhar, Category: ledger.CategoryVehicleRepair,
	})

	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(dec("-250")))
	assert.Equal(t, ledger.PaymentCash, got.PaymentMethod)
}

func TestBook_AddPartyRequiresName(t *testing.T) {
	e := newEngine(t, june2025)

	_, err := e.book.AddParty(context.Background(), ledger.Party{TenantID: tenant, Name: "   "})

	assert.ErrorIs(t, err, ledger.ErrDataIntegrity)
}

// =============================================================================
// 4. FAILURE HANDLING
// =============================================================================

var errDisk = errors.New("disk I/O error")

// brokenStore fails every call.
type brokenStore struct{}

func (brokenStore) ListTransactions(context.Context, ledger.TenantID, ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return nil, errDisk
}
func (brokenStore) ListExpenses(context.Context, ledger.TenantID, ledger.ExpenseFilter) ([]ledger.Expense, error) {
	return nil, errDisk
}
func (brokenStore) GetClosure(context.Context, ledger.TenantID, ledger.Month) (*ledger.MonthlyClosure, error) {
	return nil, errDisk
}
func (brokenStore) CreateClosure(context.Context, ledger.MonthlyClosure) (ledger.MonthlyClosure, error) {
	return ledger.MonthlyClosure{}, errDisk
}
func (brokenStore) ListParties(context.Context, ledger.TenantID) ([]ledger.Party, error) {
	return nil, errDisk
}
func (brokenStore) ListClosures(context.Context, ledger.TenantID) ([]ledger.MonthlyClosure, error) {
	return nil, errDisk
}

func TestStoreFailuresBecomeStorageError(t *testing.T) {
	ctx := context.Background()
	quiet := ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := ledger.NewPeriodResolver(brokenStore{}, quiet).ResolveActiveMonth(ctx, tenant, day(3, 1))
	var se *ledger.StorageError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, errDisk)
	assert.True(t, ledger.IsRetryable(err))

	_, err = ledger.NewClosureManager(brokenStore{}, quiet).CloseMonth(ctx, tenant, month(2025, time.March))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get closure", se.Op)
}

// failingCreate fails the first n CreateClosure calls and then delegates.
// It hides WithTx, so the manager writes straight through it.
type failingCreate struct {
	ledger.Store
	n int
}

func (f *failingCreate) CreateClosure(ctx context.Context, c ledger.MonthlyClosure) (ledger.MonthlyClosure, error) {
	if f.n > 0 {
		f.n--
		return ledger.MonthlyClosure{}, errDisk
	}
	return f.Store.CreateClosure(ctx, c)
}

func TestCloseMonth_FailedWriteLeavesMonthOpen(t *testing.T) {
	e := newEngine(t, june2025)
	ctx := context.Background()
	e.add(t, day(3, 4), ledger.Jama, "1000")
	quiet := ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	closures := ledger.NewClosureManager(&failingCreate{Store: e.store, n: 1}, ledger.WithNow(func() time.Time { return june2025 }), quiet)

	// WHEN: the insert fails after every read succeeded
	_, err := closures.CloseMonth(ctx, tenant, month(2025, time.March))

	// THEN: a retryable storage error, and March is still open
	var se *ledger.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "create closure", se.Op)
	assert.True(t, ledger.IsRetryable(err))
	c, err := e.store.GetClosure(ctx, tenant, month(2025, time.March))
	require.NoError(t, err)
	assert.Nil(t, c)
	active, err := e.resolver.ResolveActiveMonth(ctx, tenant, day(3, 10))
	require.NoError(t, err)
	assert.Equal(t, month(2025, time.March), active)

	// AND: the retry closes it
	closed, err := closures.CloseMonth(ctx, tenant, month(2025, time.March))
	require.NoError(t, err)
	assert.True(t, closed.TotalJama.Equal(dec("1000")))
}

// lostRace looks open to the closer, but the insert hits a row another
// process committed in between.
type lostRace struct {
	ledger.Store
	winner   ledger.MonthlyClosure
	inserted bool
}

func (l *lostRace) GetClosure(_ context.Context, _ ledger.TenantID, m ledger.Month) (*ledger.MonthlyClosure, error) {
	if l.inserted && m == l.winner.Month {
		w := l.winner
		return &w, nil
	}
	return nil, nil
}

func (l *lostRace) ListClosures(context.Context, ledger.TenantID) ([]ledger.MonthlyClosure, error) {
	return nil, nil
}

func (l *lostRace) CreateClosure(context.Context, ledger.MonthlyClosure) (ledger.MonthlyClosure, error) {
	l.inserted = true
	return ledger.MonthlyClosure{}, ledger.ErrClosureExists
}

func TestCloseMonth_LostRaceReportsWinner(t *testing.T) {
	e := newEngine(t, june2025)
	winnerAt := time.Date(2025, 6, 15, 11, 59, 0, 0, time.UTC)
	racing := &lostRace{
		Store:  e.store,
		winner: ledger.MonthlyClosure{ID: "w1", TenantID: tenant, Month: month(2025, time.March), ClosedAt: winnerAt},
	}
	quiet := ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	closures := ledger.NewClosureManager(racing, ledger.WithNow(func() time.Time { return june2025 }), quiet)

	_, err := closures.CloseMonth(context.Background(), tenant, month(2025, time.March))

	var ace *ledger.AlreadyClosedError
	require.ErrorAs(t, err, &ace)
	assert.True(t, ace.ClosedAt.Equal(winnerAt))
	assert.Equal(t, month(2025, time.March), ace.Month)
}
