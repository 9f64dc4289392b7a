// Package store provides an in-memory ledger.MutableStore.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transport-ledger/khata/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu  sync.RWMutex
	now func() time.Time
	st  *state
}

var (
	_ ledger.MutableStore = (*Memory)(nil)
	_ ledger.Records      = (*txView)(nil)
)

type closureKey struct {
	TenantID ledger.TenantID
	Month    ledger.Month
}

// state holds the data. It does no locking; Memory and txView do.
type state struct {
	seq          int64
	parties      map[ledger.PartyID]ledger.Party
	transactions map[ledger.TransactionID]ledger.Transaction
	expenses     map[ledger.ExpenseID]ledger.Expense
	closures     map[closureKey]ledger.MonthlyClosure
	order        map[string]int64 // insertion order per record id
}

func newState() *state {
	return &state{
		parties:      make(map[ledger.PartyID]ledger.Party),
		transactions: make(map[ledger.TransactionID]ledger.Transaction),
		expenses:     make(map[ledger.ExpenseID]ledger.Expense),
		closures:     make(map[closureKey]ledger.MonthlyClosure),
		order:        make(map[string]int64),
	}
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, st: newState()}
}

// SetClock replaces the clock used for CreatedAt.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) ListTransactions(ctx context.Context, tenantID ledger.TenantID, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listTransactions(tenantID, f), nil
}

func (m *Memory) ListExpenses(ctx context.Context, tenantID ledger.TenantID, f ledger.ExpenseFilter) ([]ledger.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listExpenses(tenantID, f), nil
}

func (m *Memory) GetClosure(ctx context.Context, tenantID ledger.TenantID, month ledger.Month) (*ledger.MonthlyClosure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getClosure(tenantID, month), nil
}

func (m *Memory) CreateClosure(ctx context.Context, c ledger.MonthlyClosure) (ledger.MonthlyClosure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createClosure(c)
}

func (m *Memory) ListClosures(ctx context.Context, tenantID ledger.TenantID) ([]ledger.MonthlyClosure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listClosures(tenantID), nil
}

func (m *Memory) ListParties(ctx context.Context, tenantID ledger.TenantID) ([]ledger.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.searchParties(tenantID, ""), nil
}

func (m *Memory) SearchParties(ctx context.Context, tenantID ledger.TenantID, q string) ([]ledger.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.searchParties(tenantID, q), nil
}

func (m *Memory) CreateParty(ctx context.Context, p ledger.Party) (ledger.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createParty(p, m.now())
}

func (m *Memory) GetParty(ctx context.Context, tenantID ledger.TenantID, id ledger.PartyID) (ledger.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getParty(tenantID, id)
}

func (m *Memory) DeleteParty(ctx context.Context, tenantID ledger.TenantID, id ledger.PartyID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.deleteParty(tenantID, id)
}

// CreateTransactions adds all transactions or none.
func (m *Memory) CreateTransactions(ctx context.Context, txs []ledger.Transaction) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createTransactions(txs, m.now())
}

func (m *Memory) GetTransaction(ctx context.Context, tenantID ledger.TenantID, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getTransaction(tenantID, id)
}

func (m *Memory) UpdateTransaction(ctx context.Context, t ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateTransaction(t)
}

func (m *Memory) DeleteTransaction(ctx context.Context, tenantID ledger.TenantID, id ledger.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.deleteTransaction(tenantID, id)
}

func (m *Memory) CreateExpense(ctx context.Context, e ledger.Expense) (ledger.Expense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createExpense(e, m.now())
}

func (m *Memory) GetExpense(ctx context.Context, tenantID ledger.TenantID, id ledger.ExpenseID) (ledger.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getExpense(tenantID, id)
}

func (m *Memory) UpdateExpense(ctx context.Context, e ledger.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateExpense(e)
}

func (m *Memory) DeleteExpense(ctx context.Context, tenantID ledger.TenantID, id ledger.ExpenseID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.deleteExpense(tenantID, id)
}

// =============================================================================
// TRANSACTIONS - snapshot + rollback
// =============================================================================

// WithTx runs fn while holding the write lock. If fn fails the state is
// restored from a snapshot taken before it ran.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	view := &txView{st: m.st, now: m.now}
	if err := fn(view); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := &state{
		seq:          s.seq,
		parties:      make(map[ledger.PartyID]ledger.Party, len(s.parties)),
		transactions: make(map[ledger.TransactionID]ledger.Transaction, len(s.transactions)),
		expenses:     make(map[ledger.ExpenseID]ledger.Expense, len(s.expenses)),
		closures:     make(map[closureKey]ledger.MonthlyClosure, len(s.closures)),
		order:        make(map[string]int64, len(s.order)),
	}
	for k, v := range s.parties {
		c.parties[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.expenses {
		c.expenses[k] = v
	}
	for k, v := range s.closures {
		c.closures[k] = v
	}
	for k, v := range s.order {
		c.order[k] = v
	}
	return c
}

// txView is handed to WithTx callbacks. The lock is already held.
type txView struct {
	st  *state
	now func() time.Time
}

func (v *txView) ListTransactions(_ context.Context, tenantID ledger.TenantID, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return v.st.listTransactions(tenantID, f), nil
}

func (v *txView) ListExpenses(_ context.Context, tenantID ledger.TenantID, f ledger.ExpenseFilter) ([]ledger.Expense, error) {
	return v.st.listExpenses(tenantID, f), nil
}

func (v *txView) GetClosure(_ context.Context, tenantID ledger.TenantID, month ledger.Month) (*ledger.MonthlyClosure, error) {
	return v.st.getClosure(tenantID, month), nil
}

func (v *txView) CreateClosure(_ context.Context, c ledger.MonthlyClosure) (ledger.MonthlyClosure, error) {
	return v.st.createClosure(c)
}

func (v *txView) ListClosures(_ context.Context, tenantID ledger.TenantID) ([]ledger.MonthlyClosure, error) {
	return v.st.listClosures(tenantID), nil
}

func (v *txView) ListParties(_ context.Context, tenantID ledger.TenantID) ([]ledger.Party, error) {
	return v.st.searchParties(tenantID, ""), nil
}

func (v *txView) SearchParties(_ context.Context, tenantID ledger.TenantID, q string) ([]ledger.Party, error) {
	return v.st.searchParties(tenantID, q), nil
}

func (v *txView) CreateParty(_ context.Context, p ledger.Party) (ledger.Party, error) {
	return v.st.createParty(p, v.now())
}

func (v *txView) GetParty(_ context.Context, tenantID ledger.TenantID, id ledger.PartyID) (ledger.Party, error) {
	return v.st.getParty(tenantID, id)
}

func (v *txView) DeleteParty(_ context.Context, tenantID ledger.TenantID, id ledger.PartyID) error {
	return v.st.deleteParty(tenantID, id)
}

func (v *txView) CreateTransactions(_ context.Context, txs []ledger.Transaction) ([]ledger.Transaction, error) {
	return v.st.createTransactions(txs, v.now())
}

func (v *txView) GetTransaction(_ context.Context, tenantID ledger.TenantID, id ledger.TransactionID) (ledger.Transaction, error) {
	return v.st.getTransaction(tenantID, id)
}

func (v *txView) UpdateTransaction(_ context.Context, t ledger.Transaction) error {
	return v.st.updateTransaction(t)
}

func (v *txView) DeleteTransaction(_ context.Context, tenantID ledger.TenantID, id ledger.TransactionID) error {
	return v.st.deleteTransaction(tenantID, id)
}

func (v *txView) CreateExpense(_ context.Context, e ledger.Expense) (ledger.Expense, error) {
	return v.st.createExpense(e, v.now())
}

func (v *txView) GetExpense(_ context.Context, tenantID ledger.TenantID, id ledger.ExpenseID) (ledger.Expense, error) {
	return v.st.getExpense(tenantID, id)
}

func (v *txView) UpdateExpense(_ context.Context, e ledger.Expense) error {
	return v.st.updateExpense(e)
}

func (v *txView) DeleteExpense(_ context.Context, tenantID ledger.TenantID, id ledger.ExpenseID) error {
	return v.st.deleteExpense(tenantID, id)
}

// =============================================================================
// STATE OPERATIONS
// =============================================================================

func (s *state) next(id string) {
	s.seq++
	s.order[id] = s.seq
}

func (s *state) listTransactions(tenantID ledger.TenantID, f ledger.TransactionFilter) []ledger.Transaction {
	var out []ledger.Transaction
	for _, t := range s.transactions {
		if t.TenantID != tenantID {
			continue
		}
		if f.PartyID != "" && t.PartyID != f.PartyID {
			continue
		}
		if f.Range != nil && !f.Range.Contains(t.Date) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return s.order[string(a.ID)] < s.order[string(b.ID)]
	})
	return out
}

func (s *state) listExpenses(tenantID ledger.TenantID, f ledger.ExpenseFilter) []ledger.Expense {
	var out []ledger.Expense
	for _, e := range s.expenses {
		if e.TenantID != tenantID {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Range != nil && !f.Range.Contains(e.Date) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return s.order[string(a.ID)] < s.order[string(b.ID)]
	})
	return out
}

func (s *state) getClosure(tenantID ledger.TenantID, month ledger.Month) *ledger.MonthlyClosure {
	c, ok := s.closures[closureKey{TenantID: tenantID, Month: month}]
	if !ok {
		return nil
	}
	return &c
}

func (s *state) createClosure(c ledger.MonthlyClosure) (ledger.MonthlyClosure, error) {
	k := closureKey{TenantID: c.TenantID, Month: c.Month}
	if _, exists := s.closures[k]; exists {
		return ledger.MonthlyClosure{}, ledger.ErrClosureExists
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.closures[k] = c
	return c, nil
}

func (s *state) listClosures(tenantID ledger.TenantID) []ledger.MonthlyClosure {
	var out []ledger.MonthlyClosure
	for k, c := range s.closures {
		if k.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out
}

func (s *state) searchParties(tenantID ledger.TenantID, q string) []ledger.Party {
	q = strings.ToLower(q)
	var out []ledger.Party
	for _, p := range s.parties {
		if p.TenantID != tenantID {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(p.Name), q) &&
			!strings.Contains(strings.ToLower(p.PhoneNumber), q) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) createParty(p ledger.Party, now time.Time) (ledger.Party, error) {
	if p.ID == "" {
		p.ID = ledger.PartyID(uuid.NewString())
	}
	if _, taken := s.parties[p.ID]; taken {
		return ledger.Party{}, ledger.ErrRecordExists
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	s.parties[p.ID] = p
	s.next(string(p.ID))
	return p, nil
}

func (s *state) getParty(tenantID ledger.TenantID, id ledger.PartyID) (ledger.Party, error) {
	p, ok := s.parties[id]
	if !ok || p.TenantID != tenantID {
		return ledger.Party{}, ledger.ErrNotFound
	}
	return p, nil
}

// deleteParty cascades to the party's transactions.
func (s *state) deleteParty(tenantID ledger.TenantID, id ledger.PartyID) error {
	if _, err := s.getParty(tenantID, id); err != nil {
		return err
	}
	for txID, t := range s.transactions {
		if t.PartyID == id {
			delete(s.transactions, txID)
			delete(s.order, string(txID))
		}
	}
	delete(s.parties, id)
	delete(s.order, string(id))
	return nil
}

func (s *state) createTransactions(txs []ledger.Transaction, now time.Time) ([]ledger.Transaction, error) {
	// Check everything before writing anything.
	batch := make(map[ledger.TransactionID]bool, len(txs))
	for _, t := range txs {
		if _, err := s.getParty(t.TenantID, t.PartyID); err != nil {
			return nil, err
		}
		if t.ID == "" {
			continue
		}
		if _, taken := s.transactions[t.ID]; taken || batch[t.ID] {
			return nil, ledger.ErrRecordExists
		}
		batch[t.ID] = true
	}
	out := make([]ledger.Transaction, 0, len(txs))
	for _, t := range txs {
		if t.ID == "" {
			t.ID = ledger.TransactionID(uuid.NewString())
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		s.transactions[t.ID] = t
		s.next(string(t.ID))
		out = append(out, t)
	}
	return out, nil
}

func (s *state) getTransaction(tenantID ledger.TenantID, id ledger.TransactionID) (ledger.Transaction, error) {
	t, ok := s.transactions[id]
	if !ok || t.TenantID != tenantID {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return t, nil
}

func (s *state) updateTransaction(t ledger.Transaction) error {
	if _, err := s.getTransaction(t.TenantID, t.ID); err != nil {
		return err
	}
	s.transactions[t.ID] = t
	return nil
}

func (s *state) deleteTransaction(tenantID ledger.TenantID, id ledger.TransactionID) error {
	if _, err := s.getTransaction(tenantID, id); err != nil {
		return err
	}
	delete(s.transactions, id)
	delete(s.order, string(id))
	return nil
}

func (s *state) createExpense(e ledger.Expense, now time.Time) (ledger.Expense, error) {
	if e.ID == "" {
		e.ID = ledger.ExpenseID(uuid.NewString())
	}
	if _, taken := s.expenses[e.ID]; taken {
		return ledger.Expense{}, ledger.ErrRecordExists
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	s.expenses[e.ID] = e
	s.next(string(e.ID))
	return e, nil
}

func (s *state) getExpense(tenantID ledger.TenantID, id ledger.ExpenseID) (ledger.Expense, error) {
	e, ok := s.expenses[id]
	if !ok || e.TenantID != tenantID {
		return ledger.Expense{}, ledger.ErrNotFound
	}
	return e, nil
}

func (s *state) updateExpense(e ledger.Expense) error {
	if _, err := s.getExpense(e.TenantID, e.ID); err != nil {
		return err
	}
	s.expenses[e.ID] = e
	return nil
}

func (s *state) deleteExpense(tenantID ledger.TenantID, id ledger.ExpenseID) error {
	if _, err := s.getExpense(tenantID, id); err != nil {
		return err
	}
	delete(s.expenses, id)
	delete(s.order, string(id))
	return nil
}
