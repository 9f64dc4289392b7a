/*
Package ledger provides the period engine for the transport khata.

PURPOSE:
  A transport business records Jama (credit) and Udhar (debit) entries per
  party, plus its own expenses. Entries are grouped into calendar months.
  A month stays open for entries until it is closed; closing snapshots the
  month's totals into an immutable MonthlyClosure and seals the month.

KEY CONCEPTS IN THIS FILE (types.go):
  - EntryType: Jama or Udhar
  - Party: a counterparty (customer/vendor)
  - Transaction: a signed amount against a party on a calendar day
  - Expense: a signed amount not tied to a party
  - MonthlyClosure: the permanent summary that marks a month as closed

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Tenant scoping: every record and every call carries a TenantID
  3. Closure is the single source of truth for "closed"

SEE ALSO:
  - accounting.go: sign and aggregation rules
  - resolver.go: which month is open
  - closure.go: how a month is closed
  - book.go: guarded mutations
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type PartyID string
type TransactionID string
type ExpenseID string

// =============================================================================
// ENTRY TYPE - Jama (credit) / Udhar (debit)
// =============================================================================

type EntryType string

const (
	Jama  EntryType = "Jama"  // inflow, positive signed amount
	Udhar EntryType = "Udhar" // outflow, negative signed amount
)

func (t EntryType) Valid() bool { return t == Jama || t == Udhar }

// ParseEntryType accepts the canonical spelling only.
func ParseEntryType(s string) (EntryType, bool) {
	t := EntryType(s)
	return t, t.Valid()
}

// Entry is the common view of a transaction or an expense used by the
// accounting functions.
type Entry interface {
	EntryID() string
	EntryKind() string
	EntryType() EntryType
	EntryAmount() decimal.Decimal
	EntryDate() Date
}

// =============================================================================
// PARTY
// =============================================================================

type Party struct {
	ID          PartyID
	TenantID    TenantID
	Name        string
	PhoneNumber string
	Address     string
	CreatedAt   time.Time
}

// =============================================================================
// TRANSACTION - signed amount against a party
// =============================================================================

type Transaction struct {
	ID          TransactionID
	TenantID    TenantID
	PartyID     PartyID
	Date        Date
	Amount      decimal.Decimal
	Type        EntryType
	Rounds      int
	Description string
	CreatedAt   time.Time
}

func (t Transaction) EntryID() string              { return string(t.ID) }
func (t Transaction) EntryKind() string            { return "transaction" }
func (t Transaction) EntryType() EntryType         { return t.Type }
func (t Transaction) EntryAmount() decimal.Decimal { return t.Amount }
func (t Transaction) EntryDate() Date              { return t.Date }

// Month returns the calendar month the transaction is booked in.
func (t Transaction) Month() Month { return t.Date.Month() }

// =============================================================================
// EXPENSE - signed amount not tied to a party
// =============================================================================

type Expense struct {
	ID            ExpenseID
	TenantID      TenantID
	Date          Date
	Amount        decimal.Decimal
	Category      string
	Type          EntryType
	PaymentMethod string
	Description   string
	CreatedAt     time.Time
}

func (e Expense) EntryID() string              { return string(e.ID) }
func (e Expense) EntryKind() string            { return "expense" }
func (e Expense) EntryType() EntryType         { return e.Type }
func (e Expense) EntryAmount() decimal.Decimal { return e.Amount }
func (e Expense) EntryDate() Date              { return e.Date }

func (e Expense) Month() Month { return e.Date.Month() }

// Expense categories and payment methods offered by the entry screens.
const (
	CategoryVehicleRepair = "Vehicle Repair"
	CategoryFuel          = "Fuel"
	CategoryOther         = "Other Expenses"

	PaymentCash = "Cash"
)

// ExpenseCategories lists the categories in display order.
var ExpenseCategories = []string{CategoryVehicleRepair, CategoryFuel, CategoryOther}

// =============================================================================
// MONTHLY CLOSURE - immutable snapshot of a closed month
// =============================================================================

// MonthlyClosure seals a month. Once stored for (TenantID, Month) it is never
// updated, recomputed or deleted.
type MonthlyClosure struct {
	ID                string
	TenantID          TenantID
	Month             Month
	TotalJama         decimal.Decimal
	TotalUdhar        decimal.Decimal
	TotalExpenses     decimal.Decimal
	NetBalance        decimal.Decimal
	TransactionsCount int
	ExpensesCount     int
	PartiesCount      int
	ClosedAt          time.Time
}

// MonthTotals holds the aggregated figures of a month, whether it is closed
// or still open.
type MonthTotals struct {
	Month             Month
	TotalJama         decimal.Decimal
	TotalUdhar        decimal.Decimal
	TotalExpenses     decimal.Decimal
	NetBalance        decimal.Decimal
	TransactionsCount int
	ExpensesCount     int
	PartiesCount      int
}

// Closure converts the totals into a closure record for tenant.
func (mt MonthTotals) Closure(tenantID TenantID, closedAt time.Time) MonthlyClosure {
	return MonthlyClosure{
		TenantID:          tenantID,
		Month:             mt.Month,
		TotalJama:         mt.TotalJama,
		TotalUdhar:        mt.TotalUdhar,
		TotalExpenses:     mt.TotalExpenses,
		NetBalance:        mt.NetBalance,
		TransactionsCount: mt.TransactionsCount,
		ExpensesCount:     mt.ExpensesCount,
		PartiesCount:      mt.PartiesCount,
		ClosedAt:          closedAt,
	}
}
