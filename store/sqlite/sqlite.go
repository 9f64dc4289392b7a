/*
Package sqlite provides a SQLite-backed ledger.MutableStore.

KEY TABLES:
  parties:          Counterparties, per tenant
  transactions:     Jama/Udhar entries against a party (cascade on party delete)
  expenses:         Business expenses, not tied to a party
  monthly_closures: One immutable row per closed (tenant, month)

INVARIANTS ENFORCED BY THE SCHEMA:
  - idx_closures_tenant_month is UNIQUE: two concurrent closes of the same
    month cannot both insert. The loser gets ledger.ErrClosureExists.
  - Triggers abort any insert/update/delete of a transaction or expense
    dated in a closed month, and any update/delete of a closure row. The
    ledger.Book checks the same rules first; the triggers catch writers
    that bypass it.

MONEY AND DATES:
  Amounts are TEXT holding decimal.Decimal strings; never REAL.
  Dates are TEXT YYYY-MM-DD, so substr(date, 1, 7) is the month.
  Timestamps are fixed-width UTC so that text order is time order.

CONCURRENCY:
  The pool holds a single connection. Transactions start with
  BEGIN IMMEDIATE (_txlock=immediate), so a closure holds the write lock
  from its first read and computes totals from a stable snapshot.
  Inside WithTx every call must go through the view passed to fn.

USAGE:
  store, err := sqlite.New("./data/khata.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  closures := ledger.NewClosureManager(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/transport-ledger/khata/ledger"
)

// timestampLayout is RFC3339 with fixed nanoseconds.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.MutableStore using SQLite.
type Store struct {
	*conn
	db *sql.DB
}

var (
	_ ledger.MutableStore = (*Store)(nil)
	_ ledger.Records      = (*conn)(nil)
)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and serialises
	// writers the same way SQLite would.
	db.SetMaxOpenConns(1)

	store := &Store{conn: &conn{q: db, now: time.Now}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock replaces the clock used for created_at. Call before use.
func (s *Store) SetClock(now func() time.Time) {
	s.conn.now = now
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS parties (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone_number TEXT,
		address TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_parties_tenant_name
		ON parties(tenant_id, name);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		party_id TEXT NOT NULL REFERENCES parties(id) ON DELETE CASCADE,
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		rounds INTEGER NOT NULL DEFAULT 1,
		description TEXT,
		created_at TEXT NOT NULL
	);

	-- Month aggregation and party ledger (hot paths)
	CREATE INDEX IF NOT EXISTS idx_transactions_tenant_date
		ON transactions(tenant_id, date);
	CREATE INDEX IF NOT EXISTS idx_transactions_tenant_party_date
		ON transactions(tenant_id, party_id, date);

	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		category TEXT NOT NULL,
		type TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_expenses_tenant_date
		ON expenses(tenant_id, date);

	CREATE TABLE IF NOT EXISTS monthly_closures (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		month TEXT NOT NULL,
		total_jama TEXT NOT NULL,
		total_udhar TEXT NOT NULL,
		total_expenses TEXT NOT NULL,
		net_balance TEXT NOT NULL,
		transactions_count INTEGER NOT NULL,
		expenses_count INTEGER NOT NULL,
		parties_count INTEGER NOT NULL,
		closed_at TEXT NOT NULL
	);

	-- CRITICAL: at most one closure per tenant and month
	CREATE UNIQUE INDEX IF NOT EXISTS idx_closures_tenant_month
		ON monthly_closures(tenant_id, month);

	-- Closures are permanent
	CREATE TRIGGER IF NOT EXISTS trg_closures_no_update
	BEFORE UPDATE ON monthly_closures
	BEGIN
		SELECT RAISE(ABORT, 'closure is immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_closures_no_delete
	BEFORE DELETE ON monthly_closures
	BEGIN
		SELECT RAISE(ABORT, 'closure is immutable');
	END;

	-- Records in a closed month are frozen
	CREATE TRIGGER IF NOT EXISTS trg_transactions_closed_insert
	BEFORE INSERT ON transactions
	WHEN EXISTS (SELECT 1 FROM monthly_closures
		WHERE tenant_id = NEW.tenant_id AND month = substr(NEW.date, 1, 7))
	BEGIN
		SELECT RAISE(ABORT, 'closed period');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_transactions_closed_update
	BEFORE UPDATE ON transactions
	WHEN EXISTS (SELECT 1 FROM monthly_closures
		WHERE tenant_id = OLD.tenant_id AND month IN (substr(OLD.date, 1, 7), substr(NEW.date, 1, 7)))
	BEGIN
		SELECT RAISE(ABORT, 'closed period');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_transactions_closed_delete
	BEFORE DELETE ON transactions
	WHEN EXISTS (SELECT 1 FROM monthly_closures
		WHERE tenant_id = OLD.tenant_id AND month = substr(OLD.date, 1, 7))
	BEGIN
		SELECT RAISE(ABORT, 'closed period');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_expenses_closed_insert
	BEFORE INSERT ON expenses
	WHEN EXISTS (SELECT 1 FROM monthly_closures
		WHERE tenant_id = NEW.tenant_id AND month = substr(NEW.date, 1, 7))
	BEGIN
		SELECT RAISE(ABORT, 'closed period');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_expenses_closed_update
	BEFORE UPDATE ON expenses
	WHEN EXISTS (SELECT 1 FROM monthly_closures
		WHERE tenant_id = OLD.tenant_id AND month IN (substr(OLD.date, 1, 7), substr(NEW.date, 1, 7)))
	BEGIN
		SELECT RAISE(ABORT, 'closed period');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_expenses_closed_delete
	BEFORE DELETE ON expenses
	WHEN EXISTS (SELECT 1 FROM monthly_closures
		WHERE tenant_id = OLD.tenant_id AND month = substr(OLD.date, 1, 7))
	BEGIN
		SELECT RAISE(ABORT, 'closed period');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. The ledger.Store passed
// to fn also implements ledger.Records.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, now: s.conn.now}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// CreateTransactions inserts all transactions in one database transaction.
func (s *Store) CreateTransactions(ctx context.Context, txs []ledger.Transaction) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	err := s.WithTx(ctx, func(st ledger.Store) error {
		created, err := st.(*conn).CreateTransactions(ctx, txs)
		out = created
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// CONN - queries shared by Store and its transaction view
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every query against q, which is either the *sql.DB or an open
// *sql.Tx.
type conn struct {
	q   querier
	now func() time.Time
}

func (c *conn) timestamp() string {
	return c.now().UTC().Format(timestampLayout)
}

// =============================================================================
// CLOSURES
// =============================================================================

const closureColumns = `id, tenant_id, month, total_jama, total_udhar, total_expenses, net_balance,
	transactions_count, expenses_count, parties_count, closed_at`

func (c *conn) GetClosure(ctx context.Context, tenantID ledger.TenantID, month ledger.Month) (*ledger.MonthlyClosure, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+closureColumns+` FROM monthly_closures WHERE tenant_id = ? AND month = ?`,
		tenantID, month.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query closure: %w", err)
	}
	closures, err := scanClosures(rows)
	if err != nil {
		return nil, err
	}
	if len(closures) == 0 {
		return nil, nil
	}
	return &closures[0], nil
}

func (c *conn) ListClosures(ctx context.Context, tenantID ledger.TenantID) ([]ledger.MonthlyClosure, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+closureColumns+` FROM monthly_closures WHERE tenant_id = ? ORDER BY month ASC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query closures: %w", err)
	}
	return scanClosures(rows)
}

func (c *conn) CreateClosure(ctx context.Context, mc ledger.MonthlyClosure) (ledger.MonthlyClosure, error) {
	if mc.ID == "" {
		mc.ID = uuid.NewString()
	}
	// Stored at the precision it is read back with.
	mc.ClosedAt = mc.ClosedAt.UTC()

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO monthly_closures (`+closureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mc.ID,
		mc.TenantID,
		mc.Month.String(),
		mc.TotalJama.String(),
		mc.TotalUdhar.String(),
		mc.TotalExpenses.String(),
		mc.NetBalance.String(),
		mc.TransactionsCount,
		mc.ExpensesCount,
		mc.PartiesCount,
		mc.ClosedAt.Format(timestampLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.MonthlyClosure{}, ledger.ErrClosureExists
		}
		return ledger.MonthlyClosure{}, fmt.Errorf("failed to insert closure: %w", err)
	}
	return mc, nil
}

func scanClosures(rows *sql.Rows) ([]ledger.MonthlyClosure, error) {
	defer rows.Close()

	var out []ledger.MonthlyClosure
	for rows.Next() {
		var (
			mc                              ledger.MonthlyClosure
			month, closedAt                 string
			jama, udhar, expenses, netValue string
		)
		err := rows.Scan(&mc.ID, &mc.TenantID, &month, &jama, &udhar, &expenses, &netValue,
			&mc.TransactionsCount, &mc.ExpensesCount, &mc.PartiesCount, &closedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan closure: %w", err)
		}

		if mc.Month, err = ledger.ParseMonth(month); err != nil {
			return nil, &ledger.DataIntegrityError{Record: "closure", ID: mc.ID, Field: "month", Reason: err.Error()}
		}
		for _, f := range []struct {
			raw string
			dst *decimal.Decimal
		}{{jama, &mc.TotalJama}, {udhar, &mc.TotalUdhar}, {expenses, &mc.TotalExpenses}, {netValue, &mc.NetBalance}} {
			d, err := ledger.ParseAmount(f.raw, "closure", mc.ID)
			if err != nil {
				return nil, err
			}
			*f.dst = d
		}
		if mc.ClosedAt, err = time.Parse(timestampLayout, closedAt); err != nil {
			return nil, &ledger.DataIntegrityError{Record: "closure", ID: mc.ID, Field: "closed_at", Reason: err.Error()}
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// =============================================================================
// Helper functions
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// mapWriteError turns a trigger abort into ledger.ErrClosedPeriod.
func mapWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "closed period") {
		return fmt.Errorf("%s: %w", op, ledger.ErrClosedPeriod)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func isPrimaryKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
