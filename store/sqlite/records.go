package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transport-ledger/khata/ledger"
)

// =============================================================================
// PARTIES
// =============================================================================

const partyColumns = `id, tenant_id, name, phone_number, address, created_at`

func (c *conn) CreateParty(ctx context.Context, p ledger.Party) (ledger.Party, error) {
	if p.ID == "" {
		p.ID = ledger.PartyID(uuid.NewString())
	}
	created := c.timestamp()
	if !p.CreatedAt.IsZero() {
		created = p.CreatedAt.UTC().Format(timestampLayout)
	}
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO parties (`+partyColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.Name, nullString(p.PhoneNumber), nullString(p.Address), created)
	if err != nil {
		if isPrimaryKeyError(err) {
			return ledger.Party{}, ledger.ErrRecordExists
		}
		return ledger.Party{}, fmt.Errorf("failed to insert party: %w", err)
	}
	p.CreatedAt, _ = time.Parse(timestampLayout, created)
	return p, nil
}

func (c *conn) GetParty(ctx context.Context, tenantID ledger.TenantID, id ledger.PartyID) (ledger.Party, error) {
	parties, err := c.queryParties(ctx,
		`SELECT `+partyColumns+` FROM parties WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return ledger.Party{}, err
	}
	if len(parties) == 0 {
		return ledger.Party{}, ledger.ErrNotFound
	}
	return parties[0], nil
}

func (c *conn) ListParties(ctx context.Context, tenantID ledger.TenantID) ([]ledger.Party, error) {
	return c.queryParties(ctx,
		`SELECT `+partyColumns+` FROM parties WHERE tenant_id = ? ORDER BY name ASC, id ASC`, tenantID)
}

// SearchParties matches name or phone number. LIKE is case-insensitive for
// ASCII in SQLite.
func (c *conn) SearchParties(ctx context.Context, tenantID ledger.TenantID, q string) ([]ledger.Party, error) {
	pattern := "%" + escapeLike(q) + "%"
	return c.queryParties(ctx, `
		SELECT `+partyColumns+` FROM parties
		WHERE tenant_id = ?
		  AND (name LIKE ? ESCAPE '\' OR phone_number LIKE ? ESCAPE '\')
		ORDER BY name ASC, id ASC`,
		tenantID, pattern, pattern)
}

// DeleteParty deletes the party; its transactions go with it (ON DELETE CASCADE).
func (c *conn) DeleteParty(ctx context.Context, tenantID ledger.TenantID, id ledger.PartyID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM parties WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return mapWriteError("delete party", err)
	}
	return requireAffected(res)
}

func (c *conn) queryParties(ctx context.Context, query string, args ...any) ([]ledger.Party, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query parties: %w", err)
	}
	defer rows.Close()

	var parties []ledger.Party
	for rows.Next() {
		var (
			p              ledger.Party
			phone, address sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &phone, &address, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan party: %w", err)
		}
		p.PhoneNumber = phone.String
		p.Address = address.String
		p.CreatedAt, _ = time.Parse(timestampLayout, createdAt)
		parties = append(parties, p)
	}
	return parties, rows.Err()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, tenant_id, party_id, date, amount, type, rounds, description, created_at`

// CreateTransactions inserts txs in order using the current connection.
// Store overrides it to wrap the batch in its own database transaction.
func (c *conn) CreateTransactions(ctx context.Context, txs []ledger.Transaction) ([]ledger.Transaction, error) {
	out := make([]ledger.Transaction, 0, len(txs))
	for _, t := range txs {
		if t.ID == "" {
			t.ID = ledger.TransactionID(uuid.NewString())
		}
		created := c.timestamp()
		if !t.CreatedAt.IsZero() {
			created = t.CreatedAt.UTC().Format(timestampLayout)
		}
		_, err := c.q.ExecContext(ctx,
			`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.TenantID, t.PartyID, t.Date.String(), t.Amount.String(), string(t.Type),
			t.Rounds, nullString(t.Description), created)
		if err != nil {
			if isForeignKeyError(err) {
				return nil, ledger.ErrNotFound
			}
			if isPrimaryKeyError(err) {
				return nil, ledger.ErrRecordExists
			}
			return nil, mapWriteError("insert transaction", err)
		}
		t.CreatedAt, _ = time.Parse(timestampLayout, created)
		out = append(out, t)
	}
	return out, nil
}

func (c *conn) GetTransaction(ctx context.Context, tenantID ledger.TenantID, id ledger.TransactionID) (ledger.Transaction, error) {
	txs, err := c.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return txs[0], nil
}

func (c *conn) ListTransactions(ctx context.Context, tenantID ledger.TenantID, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.PartyID != "" {
		query += ` AND party_id = ?`
		args = append(args, f.PartyID)
	}
	if f.Range != nil {
		query += ` AND date >= ? AND date <= ?`
		args = append(args, f.Range.From.String(), f.Range.To.String())
	}
	query += ` ORDER BY date ASC, created_at ASC, rowid ASC`
	return c.queryTransactions(ctx, query, args...)
}

func (c *conn) UpdateTransaction(ctx context.Context, t ledger.Transaction) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE transactions
		SET party_id = ?, date = ?, amount = ?, type = ?, rounds = ?, description = ?
		WHERE tenant_id = ? AND id = ?`,
		t.PartyID, t.Date.String(), t.Amount.String(), string(t.Type), t.Rounds, nullString(t.Description),
		t.TenantID, t.ID)
	if err != nil {
		if isForeignKeyError(err) {
			return ledger.ErrNotFound
		}
		return mapWriteError("update transaction", err)
	}
	return requireAffected(res)
}

func (c *conn) DeleteTransaction(ctx context.Context, tenantID ledger.TenantID, id ledger.TransactionID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM transactions WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return mapWriteError("delete transaction", err)
	}
	return requireAffected(res)
}

func (c *conn) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		t           ledger.Transaction
		date        string
		amount      string
		txType      string
		description sql.NullString
		createdAt   string
	)
	err := rows.Scan(&t.ID, &t.TenantID, &t.PartyID, &date, &amount, &txType, &t.Rounds, &description, &createdAt)
	if err != nil {
		return t, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if t.Date, err = ledger.ParseDate(date); err != nil {
		return t, &ledger.DataIntegrityError{Record: "transaction", ID: string(t.ID), Field: "date", Reason: err.Error()}
	}
	if t.Amount, err = ledger.ParseAmount(amount, "transaction", string(t.ID)); err != nil {
		return t, err
	}
	t.Type = ledger.EntryType(txType)
	t.Description = description.String
	t.CreatedAt, _ = time.Parse(timestampLayout, createdAt)
	return t, nil
}

// =============================================================================
// EXPENSES
// =============================================================================

const expenseColumns = `id, tenant_id, date, amount, category, type, payment_method, description, created_at`

func (c *conn) CreateExpense(ctx context.Context, e ledger.Expense) (ledger.Expense, error) {
	if e.ID == "" {
		e.ID = ledger.ExpenseID(uuid.NewString())
	}
	created := c.timestamp()
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UTC().Format(timestampLayout)
	}
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO expenses (`+expenseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.Date.String(), e.Amount.String(), e.Category, string(e.Type),
		e.PaymentMethod, nullString(e.Description), created)
	if err != nil {
		if isPrimaryKeyError(err) {
			return ledger.Expense{}, ledger.ErrRecordExists
		}
		return ledger.Expense{}, mapWriteError("insert expense", err)
	}
	e.CreatedAt, _ = time.Parse(timestampLayout, created)
	return e, nil
}

func (c *conn) GetExpense(ctx context.Context, tenantID ledger.TenantID, id ledger.ExpenseID) (ledger.Expense, error) {
	exps, err := c.queryExpenses(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return ledger.Expense{}, err
	}
	if len(exps) == 0 {
		return ledger.Expense{}, ledger.ErrNotFound
	}
	return exps[0], nil
}

func (c *conn) ListExpenses(ctx context.Context, tenantID ledger.TenantID, f ledger.ExpenseFilter) ([]ledger.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.Range != nil {
		query += ` AND date >= ? AND date <= ?`
		args = append(args, f.Range.From.String(), f.Range.To.String())
	}
	query += ` ORDER BY date ASC, created_at ASC, rowid ASC`
	return c.queryExpenses(ctx, query, args...)
}

func (c *conn) UpdateExpense(ctx context.Context, e ledger.Expense) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE expenses
		SET date = ?, amount = ?, category = ?, type = ?, payment_method = ?, description = ?
		WHERE tenant_id = ? AND id = ?`,
		e.Date.String(), e.Amount.String(), e.Category, string(e.Type), e.PaymentMethod, nullString(e.Description),
		e.TenantID, e.ID)
	if err != nil {
		return mapWriteError("update expense", err)
	}
	return requireAffected(res)
}

func (c *conn) DeleteExpense(ctx context.Context, tenantID ledger.TenantID, id ledger.ExpenseID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM expenses WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return mapWriteError("delete expense", err)
	}
	return requireAffected(res)
}

func (c *conn) queryExpenses(ctx context.Context, query string, args ...any) ([]ledger.Expense, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expenses: %w", err)
	}
	defer rows.Close()

	var expenses []ledger.Expense
	for rows.Next() {
		var (
			e           ledger.Expense
			date        string
			amount      string
			expType     string
			description sql.NullString
			createdAt   string
		)
		err := rows.Scan(&e.ID, &e.TenantID, &date, &amount, &e.Category, &expType, &e.PaymentMethod, &description, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		if e.Date, err = ledger.ParseDate(date); err != nil {
			return nil, &ledger.DataIntegrityError{Record: "expense", ID: string(e.ID), Field: "date", Reason: err.Error()}
		}
		if e.Amount, err = ledger.ParseAmount(amount, "expense", string(e.ID)); err != nil {
			return nil, err
		}
		e.Type = ledger.EntryType(expType)
		e.Description = description.String
		e.CreatedAt, _ = time.Parse(timestampLayout, createdAt)
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}
