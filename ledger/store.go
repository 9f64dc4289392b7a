/*
store.go - Persistence interfaces for the ledger engine

PURPOSE:
  Defines the boundary between the engine and durable storage. The engine
  never talks SQL; it asks a Store for a tenant's records and asks it to
  persist exactly one kind of thing on its own: a MonthlyClosure.

KEY INTERFACES:
  Store:        Reads plus CreateClosure (everything the engine needs)
  TxStore:      Store with WithTx for a consistent snapshot during closure
  Records:      Party/transaction/expense CRUD used by the Book
  MutableStore: Records with WithTx
  Locker:       Optional cross-process lock around a tenant's closure

UNIQUENESS CONTRACT:
  CreateClosure MUST reject a second closure for the same (tenant, month)
  with ErrClosureExists. The engine checks before writing, but only the
  store can make that check race-free.

TENANT SCOPING:
  Every read takes a TenantID and must never return another tenant's rows.
  There is no unscoped variant of any query.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: In-memory for tests and dev

SEE ALSO:
  - closure.go: the only caller of CreateClosure
  - book.go: guarded use of Records
*/
package ledger

import "context"

// =============================================================================
// FILTERS
// =============================================================================

// TransactionFilter narrows ListTransactions. Zero fields do not filter.
type TransactionFilter struct {
	PartyID PartyID
	Range   *DateRange
}

// ExpenseFilter narrows ListExpenses. Zero fields do not filter.
type ExpenseFilter struct {
	Range    *DateRange
	Category string
}

// ForMonth returns a filter covering month.
func ForMonth(month Month) *DateRange {
	r := month.Range()
	return &r
}

// =============================================================================
// STORE - what the engine reads and the one thing it writes
// =============================================================================

type Store interface {
	// ListTransactions returns the tenant's transactions ordered by date,
	// then creation time.
	ListTransactions(ctx context.Context, tenantID TenantID, filter TransactionFilter) ([]Transaction, error)

	// ListExpenses returns the tenant's expenses ordered by date, then
	// creation time.
	ListExpenses(ctx context.Context, tenantID TenantID, filter ExpenseFilter) ([]Expense, error)

	// GetClosure returns nil, nil when the month is open.
	GetClosure(ctx context.Context, tenantID TenantID, month Month) (*MonthlyClosure, error)

	// CreateClosure persists c and returns it with ID filled in.
	// Returns ErrClosureExists if (TenantID, Month) is already closed.
	CreateClosure(ctx context.Context, c MonthlyClosure) (MonthlyClosure, error)

	ListParties(ctx context.Context, tenantID TenantID) ([]Party, error)

	// ListClosures returns the tenant's closures in ascending month order.
	ListClosures(ctx context.Context, tenantID TenantID) ([]MonthlyClosure, error)
}

// TxStore wraps Store with transaction support.
// If fn returns an error nothing it wrote is kept.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// RECORDS - entry CRUD
// =============================================================================

// Records is the CRUD surface for parties, transactions and expenses.
// Get methods return ErrNotFound when the id does not exist for the tenant.
// Create methods generate an id when none is given and return
// ErrRecordExists when the given id is taken, by any tenant.
type Records interface {
	Store

	CreateParty(ctx context.Context, p Party) (Party, error)
	GetParty(ctx context.Context, tenantID TenantID, id PartyID) (Party, error)
	// SearchParties matches q case-insensitively against name and phone.
	SearchParties(ctx context.Context, tenantID TenantID, q string) ([]Party, error)
	// DeleteParty also deletes the party's transactions.
	DeleteParty(ctx context.Context, tenantID TenantID, id PartyID) error

	// CreateTransactions writes all of txs or none of them.
	CreateTransactions(ctx context.Context, txs []Transaction) ([]Transaction, error)
	GetTransaction(ctx context.Context, tenantID TenantID, id TransactionID) (Transaction, error)
	UpdateTransaction(ctx context.Context, t Transaction) error
	DeleteTransaction(ctx context.Context, tenantID TenantID, id TransactionID) error

	CreateExpense(ctx context.Context, e Expense) (Expense, error)
	GetExpense(ctx context.Context, tenantID TenantID, id ExpenseID) (Expense, error)
	UpdateExpense(ctx context.Context, e Expense) error
	DeleteExpense(ctx context.Context, tenantID TenantID, id ExpenseID) error
}

// MutableStore is a Records with transactions. The Store passed to the
// WithTx callback also implements Records.
type MutableStore interface {
	Records
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// LOCKER - optional cross-process closure lock
// =============================================================================

// Locker serialises closures of one tenant across processes. It returns
// ErrClosureInProgress when the lock is held elsewhere.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}
