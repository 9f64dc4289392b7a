package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transport-ledger/khata/ledger"
)

var testClock = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	s.SetClock(func() time.Time { return testClock })
	t.Cleanup(func() { s.Close() })
	return s
}

func addParty(t *testing.T, s *Store, name string) ledger.Party {
	t.Helper()
	p, err := s.CreateParty(context.Background(), ledger.Party{TenantID: "acme", Name: name})
	require.NoError(t, err)
	return p
}

func txOn(party ledger.PartyID, d ledger.Date, amount string) ledger.Transaction {
	return ledger.Transaction{
		TenantID: "acme", PartyID: party, Date: d, Type: ledger.Jama, Rounds: 1,
		Amount: decimal.RequireFromString(amount),
	}
}

func closeMarch(t *testing.T, s *Store) ledger.MonthlyClosure {
	t.Helper()
	c, err := s.CreateClosure(context.Background(), ledger.MonthlyClosure{
		TenantID:  "acme",
		Month:     ledger.NewMonth(2025, time.March),
		TotalJama: decimal.RequireFromString("1000.50"),
		ClosedAt:  testClock,
	})
	require.NoError(t, err)
	return c
}

// =============================================================================
// CLOSURES
// =============================================================================

func TestClosure_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := closeMarch(t, s)

	got, err := s.GetClosure(ctx, "acme", ledger.NewMonth(2025, time.March))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.True(t, got.TotalJama.Equal(decimal.RequireFromString("1000.50")))
	assert.True(t, got.ClosedAt.Equal(testClock))

	open, err := s.GetClosure(ctx, "acme", ledger.NewMonth(2025, time.April))
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestClosure_UniquePerTenantMonth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	closeMarch(t, s)

	_, err := s.CreateClosure(ctx, ledger.MonthlyClosure{TenantID: "acme", Month: ledger.NewMonth(2025, time.March), ClosedAt: testClock})
	assert.ErrorIs(t, err, ledger.ErrClosureExists)

	_, err = s.CreateClosure(ctx, ledger.MonthlyClosure{TenantID: "other", Month: ledger.NewMonth(2025, time.March), ClosedAt: testClock})
	assert.NoError(t, err)
}

func TestClosure_Immutable(t *testing.T) {
	s := newTestStore(t)
	closeMarch(t, s)

	_, err := s.db.Exec(`UPDATE monthly_closures SET total_jama = '0'`)
	assert.ErrorContains(t, err, "closure is immutable")

	_, err = s.db.Exec(`DELETE FROM monthly_closures`)
	assert.ErrorContains(t, err, "closure is immutable")
}

// =============================================================================
// CLOSED-PERIOD TRIGGERS
// =============================================================================

func TestTriggers_RejectClosedPeriodWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := addParty(t, s, "Sharma Transport")

	created, err := s.CreateTransactions(ctx, []ledger.Transaction{
		txOn(p.ID, ledger.NewDate(2025, 3, 10), "100"),
		txOn(p.ID, ledger.NewDate(2025, 4, 10), "200"),
	})
	require.NoError(t, err)
	march, april := created[0], created[1]
	exp, err := s.CreateExpense(ctx, ledger.Expense{
		TenantID: "acme", Date: ledger.NewDate(2025, 3, 5), Amount: decimal.RequireFromString("-40"),
		Type: ledger.Udhar, Category: ledger.CategoryFuel, PaymentMethod: ledger.PaymentCash,
	})
	require.NoError(t, err)

	closeMarch(t, s)

	_, err = s.CreateTransactions(ctx, []ledger.Transaction{txOn(p.ID, ledger.NewDate(2025, 3, 31), "1")})
	assert.ErrorIs(t, err, ledger.ErrClosedPeriod)

	march.Amount = decimal.RequireFromString("5")
	assert.ErrorIs(t, s.UpdateTransaction(ctx, march), ledger.ErrClosedPeriod)

	april.Date = ledger.NewDate(2025, 3, 1)
	assert.ErrorIs(t, s.UpdateTransaction(ctx, april), ledger.ErrClosedPeriod, "moving into a closed month")

	assert.ErrorIs(t, s.DeleteTransaction(ctx, "acme", march.ID), ledger.ErrClosedPeriod)
	assert.ErrorIs(t, s.DeleteExpense(ctx, "acme", exp.ID), ledger.ErrClosedPeriod)
	assert.ErrorIs(t, s.DeleteParty(ctx, "acme", p.ID), ledger.ErrClosedPeriod, "cascade hits the trigger")

	// AND: the other tenant is unaffected
	other, err := s.CreateParty(ctx, ledger.Party{TenantID: "other", Name: "Other"})
	require.NoError(t, err)
	tx := txOn(other.ID, ledger.NewDate(2025, 3, 10), "1")
	tx.TenantID = "other"
	_, err = s.CreateTransactions(ctx, []ledger.Transaction{tx})
	assert.NoError(t, err)
}

// =============================================================================
// RECORDS
// =============================================================================

func TestCreateTransactions_BatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := addParty(t, s, "Sharma Transport")

	_, err := s.CreateTransactions(ctx, []ledger.Transaction{
		txOn(p.ID, ledger.NewDate(2025, 3, 10), "100"),
		txOn("missing", ledger.NewDate(2025, 3, 11), "100"),
	})

	assert.ErrorIs(t, err, ledger.ErrNotFound)
	txs, err := s.ListTransactions(ctx, "acme", ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestCreate_TakenIDIsRecordExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := addParty(t, s, "Sharma Transport")

	_, err := s.CreateParty(ctx, ledger.Party{ID: p.ID, TenantID: "other", Name: "Intruder"})
	assert.ErrorIs(t, err, ledger.ErrRecordExists)
	got, err := s.GetParty(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sharma Transport", got.Name)

	first, err := s.CreateTransactions(ctx, []ledger.Transaction{txOn(p.ID, ledger.NewDate(2025, 3, 1), "10")})
	require.NoError(t, err)
	again := txOn(p.ID, ledger.NewDate(2025, 4, 1), "99")
	again.ID = first[0].ID
	_, err = s.CreateTransactions(ctx, []ledger.Transaction{again})
	assert.ErrorIs(t, err, ledger.ErrRecordExists)
	stored, err := s.GetTransaction(ctx, "acme", first[0].ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(decimal.RequireFromString("10")))
}

func TestListTransactions_Ordering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := addParty(t, s, "Sharma Transport")

	first := txOn(p.ID, ledger.NewDate(2025, 3, 10), "1")
	first.CreatedAt = testClock.Add(-time.Minute)
	_, err := s.CreateTransactions(ctx, []ledger.Transaction{
		txOn(p.ID, ledger.NewDate(2025, 3, 10), "3"),
		txOn(p.ID, ledger.NewDate(2025, 3, 1), "0"),
		first,
		txOn(p.ID, ledger.NewDate(2025, 3, 10), "4"),
	})
	require.NoError(t, err)

	got, err := s.ListTransactions(ctx, "acme", ledger.TransactionFilter{PartyID: p.ID})
	require.NoError(t, err)

	var amounts []string
	for _, tx := range got {
		amounts = append(amounts, tx.Amount.String())
	}
	assert.Equal(t, []string{"0", "1", "3", "4"}, amounts)
}

func TestListTransactions_MonthRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := addParty(t, s, "Sharma Transport")
	_, err := s.CreateTransactions(ctx, []ledger.Transaction{
		txOn(p.ID, ledger.NewDate(2025, 2, 28), "1"),
		txOn(p.ID, ledger.NewDate(2025, 3, 1), "2"),
		txOn(p.ID, ledger.NewDate(2025, 3, 31), "3"),
		txOn(p.ID, ledger.NewDate(2025, 4, 1), "4"),
	})
	require.NoError(t, err)

	got, err := s.ListTransactions(ctx, "acme", ledger.TransactionFilter{Range: ledger.ForMonth(ledger.NewMonth(2025, time.March))})

	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDeleteParty_CascadesTransactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := addParty(t, s, "Sharma Transport")
	_, err := s.CreateTransactions(ctx, []ledger.Transaction{txOn(p.ID, ledger.NewDate(2025, 4, 1), "1")})
	require.NoError(t, err)

	require.NoError(t, s.DeleteParty(ctx, "acme", p.ID))

	txs, err := s.ListTransactions(ctx, "acme", ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.ErrorIs(t, s.DeleteParty(ctx, "acme", p.ID), ledger.ErrNotFound)
}

func TestSearchParties_EscapesWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addParty(t, s, "Sharma Transport")
	addParty(t, s, "100% Logistics")
	_, err := s.CreateParty(ctx, ledger.Party{TenantID: "acme", Name: "Raj", PhoneNumber: "+919876543210"})
	require.NoError(t, err)

	got, err := s.SearchParties(ctx, "acme", "%")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "100% Logistics", got[0].Name)

	got, err = s.SearchParties(ctx, "acme", "sharma")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.SearchParties(ctx, "acme", "98765")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Raj", got[0].Name)
}

func TestWithTx_RollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := addParty(t, s, "Sharma Transport")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(st ledger.Store) error {
		if _, err := st.(ledger.Records).CreateTransactions(ctx, []ledger.Transaction{txOn(p.ID, ledger.NewDate(2025, 3, 1), "9")}); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	txs, err := s.ListTransactions(ctx, "acme", ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestBadStoredAmount_IsIntegrityError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := addParty(t, s, "Sharma Transport")
	_, err := s.db.Exec(`INSERT INTO transactions (id, tenant_id, party_id, date, amount, type, rounds, created_at)
		VALUES ('bad', 'acme', ?, '2025-03-01', 'twelve', 'Jama', 1, '2025-03-01T00:00:00.000000000Z')`, p.ID)
	require.NoError(t, err)

	_, err = s.ListTransactions(ctx, "acme", ledger.TransactionFilter{})

	var de *ledger.DataIntegrityError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "bad", de.ID)
}

func TestEngineOverSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := func() time.Time { return time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC) }
	book := ledger.NewBook(s, ledger.WithNow(now))
	closures := ledger.NewClosureManager(s, ledger.WithNow(now))
	resolver := ledger.NewPeriodResolver(s, ledger.WithNow(now))

	p, err := book.AddParty(ctx, ledger.Party{TenantID: "acme", Name: "Sharma Transport"})
	require.NoError(t, err)
	_, err = book.AddTransactions(ctx, "acme", p.ID, []ledger.RoundEntry{
		{BaseAmount: decimal.NewFromInt(1500), Rounds: 2, Type: ledger.Jama, Date: ledger.NewDate(2025, 3, 3)},
		{BaseAmount: decimal.NewFromInt(400), Rounds: 1, Type: ledger.Udhar, Date: ledger.NewDate(2025, 3, 9)},
	})
	require.NoError(t, err)

	c, err := closures.CloseMonth(ctx, "acme", ledger.NewMonth(2025, time.March))
	require.NoError(t, err)
	assert.True(t, c.NetBalance.Equal(decimal.NewFromInt(2600)))

	active, err := resolver.ResolveActiveMonth(ctx, "acme", ledger.NewDate(2025, 3, 20))
	require.NoError(t, err)
	assert.Equal(t, ledger.NewMonth(2025, time.April), active)

	_, err = closures.CloseMonth(ctx, "acme", ledger.NewMonth(2025, time.March))
	var ace *ledger.AlreadyClosedError
	require.ErrorAs(t, err, &ace)
	assert.True(t, ace.ClosedAt.Equal(c.ClosedAt))
}
