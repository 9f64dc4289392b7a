/*
book.go - Guarded record mutations

PURPOSE:
  A closed month's totals are stored once and never recomputed, so the
  records behind them must not change afterwards. Book is the write path
  for parties, transactions and expenses. It refuses any create, update or
  delete that touches a closed month with ClosedPeriodError.

GUARD RULES:
  - create:  the new record's month must be open
  - update:  both the old and the new month must be open
  - delete:  the record's month must be open
  - party delete: none of the party's transactions may sit in a closed month
    (deleting a party deletes its transactions)

ATOMICITY:
  Each call runs the guard and the write inside one WithTx, so a closure
  cannot slip in between the check and the write. Batch entry is
  all-or-nothing.

SEE ALSO:
  - entry.go: round-based amounts
  - store/sqlite: triggers enforce the same rules at the database
*/
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/transport-ledger/khata/metrics"
)

// Book is the guarded write path over a MutableStore.
type Book struct {
	store  MutableStore
	logger *slog.Logger
}

func NewBook(store MutableStore, opts ...Option) *Book {
	o := buildOptions(opts)
	return &Book{store: store, logger: o.logger}
}

// =============================================================================
// PARTIES
// =============================================================================

func (b *Book) AddParty(ctx context.Context, p Party) (Party, error) {
	if err := requireTenant(p.TenantID); err != nil {
		return Party{}, err
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Party{}, &DataIntegrityError{Record: "party", Field: "name", Reason: "is missing"}
	}
	created, err := b.store.CreateParty(ctx, p)
	if err != nil {
		return Party{}, storageErr("create party", err)
	}
	return created, nil
}

func (b *Book) Party(ctx context.Context, tenantID TenantID, id PartyID) (Party, error) {
	if err := requireTenant(tenantID); err != nil {
		return Party{}, err
	}
	p, err := b.store.GetParty(ctx, tenantID, id)
	if err != nil {
		return Party{}, storageErr("get party", err)
	}
	return p, nil
}

func (b *Book) Parties(ctx context.Context, tenantID TenantID) ([]Party, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	ps, err := b.store.ListParties(ctx, tenantID)
	if err != nil {
		return nil, storageErr("list parties", err)
	}
	return ps, nil
}

// SearchParties matches q against party name and phone number.
func (b *Book) SearchParties(ctx context.Context, tenantID TenantID, q string) ([]Party, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	q = strings.TrimSpace(q)
	if q == "" {
		return b.Parties(ctx, tenantID)
	}
	ps, err := b.store.SearchParties(ctx, tenantID, q)
	if err != nil {
		return nil, storageErr("search parties", err)
	}
	return ps, nil
}

// DeleteParty removes the party and its transactions.
func (b *Book) DeleteParty(ctx context.Context, tenantID TenantID, id PartyID) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	return b.withRecords(ctx, "delete party", func(r Records) error {
		if _, err := r.GetParty(ctx, tenantID, id); err != nil {
			return err
		}
		txs, err := r.ListTransactions(ctx, tenantID, TransactionFilter{PartyID: id})
		if err != nil {
			return err
		}
		if len(txs) > 0 {
			closures, err := r.ListClosures(ctx, tenantID)
			if err != nil {
				return err
			}
			closed := make(map[Month]bool, len(closures))
			for _, c := range closures {
				closed[c.Month] = true
			}
			for _, t := range txs {
				if closed[t.Month()] {
					metrics.ClosedPeriodRejections.WithLabelValues("party").Inc()
					return &ClosedPeriodError{TenantID: tenantID, Month: t.Month(), Record: "party", ID: string(id)}
				}
			}
		}
		return r.DeleteParty(ctx, tenantID, id)
	})
}

// PartyLedger summarizes one party's transactions. A nil month means all
// time.
func (b *Book) PartyLedger(ctx context.Context, tenantID TenantID, id PartyID, month *Month) (Party, PartySummary, error) {
	p, err := b.Party(ctx, tenantID, id)
	if err != nil {
		return Party{}, PartySummary{}, err
	}
	filter := TransactionFilter{PartyID: id}
	if month != nil {
		filter.Range = ForMonth(*month)
	}
	txs, err := b.store.ListTransactions(ctx, tenantID, filter)
	if err != nil {
		return Party{}, PartySummary{}, storageErr("list transactions", err)
	}
	summary, err := Summarize(txs)
	if err != nil {
		return Party{}, PartySummary{}, err
	}
	summary.PartyID = id
	return p, summary, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// AddTransactions books a batch of round entries against one party. Either
// every entry is stored or none is.
func (b *Book) AddTransactions(ctx context.Context, tenantID TenantID, partyID PartyID, entries []RoundEntry) ([]Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &DataIntegrityError{Record: "transaction", Field: "entries", Reason: "must not be empty"}
	}
	txs := make([]Transaction, 0, len(entries))
	for _, e := range entries {
		t, err := e.Transaction(tenantID, partyID)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return b.createTransactions(ctx, tenantID, partyID, txs)
}

// AddTransaction books a single transaction whose amount is already signed.
func (b *Book) AddTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	if t.Rounds == 0 {
		t.Rounds = 1
	}
	if err := t.Validate(); err != nil {
		return Transaction{}, err
	}
	created, err := b.createTransactions(ctx, t.TenantID, t.PartyID, []Transaction{t})
	if err != nil {
		return Transaction{}, err
	}
	return created[0], nil
}

func (b *Book) createTransactions(ctx context.Context, tenantID TenantID, partyID PartyID, txs []Transaction) ([]Transaction, error) {
	var created []Transaction
	err := b.withRecords(ctx, "create transactions", func(r Records) error {
		if _, err := r.GetParty(ctx, tenantID, partyID); err != nil {
			return err
		}
		checked := make(map[Month]bool)
		for _, t := range txs {
			if checked[t.Month()] {
				continue
			}
			if err := b.guard(ctx, r, tenantID, t.Date, "transaction", ""); err != nil {
				return err
			}
			checked[t.Month()] = true
		}
		out, err := r.CreateTransactions(ctx, txs)
		created = out
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateTransaction replaces the editable fields of an existing transaction.
func (b *Book) UpdateTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	if err := t.Validate(); err != nil {
		return Transaction{}, err
	}
	var updated Transaction
	err := b.withRecords(ctx, "update transaction", func(r Records) error {
		existing, err := r.GetTransaction(ctx, t.TenantID, t.ID)
		if err != nil {
			return err
		}
		if err := b.guard(ctx, r, t.TenantID, existing.Date, "transaction", string(t.ID)); err != nil {
			return err
		}
		if err := b.guard(ctx, r, t.TenantID, t.Date, "transaction", string(t.ID)); err != nil {
			return err
		}
		if t.PartyID != existing.PartyID {
			if _, err := r.GetParty(ctx, t.TenantID, t.PartyID); err != nil {
				return err
			}
		}
		t.CreatedAt = existing.CreatedAt
		if err := r.UpdateTransaction(ctx, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return updated, nil
}

func (b *Book) DeleteTransaction(ctx context.Context, tenantID TenantID, id TransactionID) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	return b.withRecords(ctx, "delete transaction", func(r Records) error {
		existing, err := r.GetTransaction(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if err := b.guard(ctx, r, tenantID, existing.Date, "transaction", string(id)); err != nil {
			return err
		}
		return r.DeleteTransaction(ctx, tenantID, id)
	})
}

func (b *Book) Transaction(ctx context.Context, tenantID TenantID, id TransactionID) (Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return Transaction{}, err
	}
	t, err := b.store.GetTransaction(ctx, tenantID, id)
	if err != nil {
		return Transaction{}, storageErr("get transaction", err)
	}
	return t, nil
}

func (b *Book) Transactions(ctx context.Context, tenantID TenantID, filter TransactionFilter) ([]Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	txs, err := b.store.ListTransactions(ctx, tenantID, filter)
	if err != nil {
		return nil, storageErr("list transactions", err)
	}
	return txs, nil
}

// =============================================================================
// EXPENSES
// =============================================================================

// AddExpense books an expense. The stored amount takes its sign from Type
// and PaymentMethod defaults to cash.
func (b *Book) AddExpense(ctx context.Context, e Expense) (Expense, error) {
	e = normalizeExpense(e)
	if err := e.Validate(); err != nil {
		return Expense{}, err
	}
	var created Expense
	err := b.withRecords(ctx, "create expense", func(r Records) error {
		if err := b.guard(ctx, r, e.TenantID, e.Date, "expense", ""); err != nil {
			return err
		}
		out, err := r.CreateExpense(ctx, e)
		created = out
		return err
	})
	if err != nil {
		return Expense{}, err
	}
	return created, nil
}

func (b *Book) UpdateExpense(ctx context.Context, e Expense) (Expense, error) {
	e = normalizeExpense(e)
	if err := e.Validate(); err != nil {
		return Expense{}, err
	}
	var updated Expense
	err := b.withRecords(ctx, "update expense", func(r Records) error {
		existing, err := r.GetExpense(ctx, e.TenantID, e.ID)
		if err != nil {
			return err
		}
		if err := b.guard(ctx, r, e.TenantID, existing.Date, "expense", string(e.ID)); err != nil {
			return err
		}
		if err := b.guard(ctx, r, e.TenantID, e.Date, "expense", string(e.ID)); err != nil {
			return err
		}
		e.CreatedAt = existing.CreatedAt
		if err := r.UpdateExpense(ctx, e); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		return Expense{}, err
	}
	return updated, nil
}

func (b *Book) DeleteExpense(ctx context.Context, tenantID TenantID, id ExpenseID) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	return b.withRecords(ctx, "delete expense", func(r Records) error {
		existing, err := r.GetExpense(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if err := b.guard(ctx, r, tenantID, existing.Date, "expense", string(id)); err != nil {
			return err
		}
		return r.DeleteExpense(ctx, tenantID, id)
	})
}

func (b *Book) Expense(ctx context.Context, tenantID TenantID, id ExpenseID) (Expense, error) {
	if err := requireTenant(tenantID); err != nil {
		return Expense{}, err
	}
	e, err := b.store.GetExpense(ctx, tenantID, id)
	if err != nil {
		return Expense{}, storageErr("get expense", err)
	}
	return e, nil
}

func (b *Book) Expenses(ctx context.Context, tenantID TenantID, filter ExpenseFilter) ([]Expense, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	exps, err := b.store.ListExpenses(ctx, tenantID, filter)
	if err != nil {
		return nil, storageErr("list expenses", err)
	}
	return exps, nil
}

func normalizeExpense(e Expense) Expense {
	if strings.TrimSpace(e.PaymentMethod) == "" {
		e.PaymentMethod = PaymentCash
	}
	e.Amount = signFor(e.Type, e.Amount)
	return e
}

func signFor(t EntryType, amount decimal.Decimal) decimal.Decimal {
	if t == Udhar {
		return amount.Abs().Neg()
	}
	return amount.Abs()
}

// =============================================================================
// GUARD
// =============================================================================

func (b *Book) guard(ctx context.Context, s Store, tenantID TenantID, d Date, record, id string) error {
	c, err := s.GetClosure(ctx, tenantID, d.Month())
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	metrics.ClosedPeriodRejections.WithLabelValues(record).Inc()
	b.logger.InfoContext(ctx, "mutation in closed month rejected",
		"tenant", tenantID, "month", c.Month.String(), "record", record, "id", id)
	return &ClosedPeriodError{TenantID: tenantID, Month: c.Month, Record: record, ID: id}
}

var errNoRecordsView = errors.New("transaction view does not support record writes")

// withRecords runs fn in a store transaction and wraps non-engine errors as
// StorageError.
func (b *Book) withRecords(ctx context.Context, op string, fn func(Records) error) error {
	err := b.store.WithTx(ctx, func(s Store) error {
		r, ok := s.(Records)
		if !ok {
			return errNoRecordsView
		}
		return fn(r)
	})
	return storageErr(op, err)
}
