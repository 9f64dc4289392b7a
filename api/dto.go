/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Response amounts are decimal.Decimal, which marshals as a JSON string
  ("1250.50"). Request amounts are strings validated with the "decimal" tag
  and parsed with ledger.ParseAmount. No amount ever passes through float64.

VALIDATION:
  Request types carry go-playground/validator tags. Custom tags:
    decimal   - a decimal number
    phone     - a phone number valid for the configured region
    category  - one of ledger.ExpenseCategories
  See validate.go.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/transport-ledger/khata/ledger"
)

// =============================================================================
// PARTIES
// =============================================================================

type PartyDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Address     string `json:"address,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type CreatePartyRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	PhoneNumber string `json:"phone_number" validate:"omitempty,phone"`
	Address     string `json:"address" validate:"max=500"`
}

func toPartyDTO(p ledger.Party) PartyDTO {
	return PartyDTO{
		ID:          string(p.ID),
		Name:        p.Name,
		PhoneNumber: p.PhoneNumber,
		Address:     p.Address,
		CreatedAt:   formatTime(p.CreatedAt),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID          string          `json:"id"`
	PartyID     string          `json:"party_id"`
	Date        string          `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	Rounds      int             `json:"rounds"`
	Description string          `json:"description,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
}

// RoundEntryRequest is one line of the round-based entry form.
type RoundEntryRequest struct {
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	BaseAmount  string `json:"base_amount" validate:"required,decimal"`
	Rounds      int    `json:"rounds" validate:"omitempty,min=1"`
	Type        string `json:"type" validate:"required,oneof=Jama Udhar"`
	Description string `json:"description" validate:"max=500"`
}

type AddTransactionsRequest struct {
	Entries []RoundEntryRequest `json:"entries" validate:"required,min=1,dive"`
}

// UpdateTransactionRequest replaces a transaction's editable fields. Amount
// is taken by magnitude; Type decides the sign.
type UpdateTransactionRequest struct {
	PartyID     string `json:"party_id"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	Amount      string `json:"amount" validate:"required,decimal"`
	Type        string `json:"type" validate:"required,oneof=Jama Udhar"`
	Rounds      int    `json:"rounds" validate:"omitempty,min=1"`
	Description string `json:"description" validate:"max=500"`
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(t.ID),
		PartyID:     string(t.PartyID),
		Date:        t.Date.String(),
		Amount:      t.Amount,
		Type:        string(t.Type),
		Rounds:      t.Rounds,
		Description: t.Description,
		CreatedAt:   formatTime(t.CreatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionDTO(t))
	}
	return out
}

// LedgerEntryDTO is a transaction with the party balance right after it.
type LedgerEntryDTO struct {
	TransactionDTO
	Signed  decimal.Decimal `json:"signed_amount"`
	Balance decimal.Decimal `json:"balance"`
}

type PartyLedgerDTO struct {
	Party      PartyDTO         `json:"party"`
	Period     string           `json:"period"`
	TotalJama  decimal.Decimal  `json:"total_jama"`
	TotalUdhar decimal.Decimal  `json:"total_udhar"`
	Net        decimal.Decimal  `json:"net"`
	Entries    []LedgerEntryDTO `json:"entries"`
}

func toPartyLedgerDTO(p ledger.Party, period string, s ledger.PartySummary) PartyLedgerDTO {
	entries := make([]LedgerEntryDTO, 0, len(s.Series))
	for _, rb := range s.Series {
		entries = append(entries, LedgerEntryDTO{
			TransactionDTO: toTransactionDTO(rb.Transaction),
			Signed:         rb.Signed,
			Balance:        rb.Balance,
		})
	}
	return PartyLedgerDTO{
		Party:      toPartyDTO(p),
		Period:     period,
		TotalJama:  s.TotalJama,
		TotalUdhar: s.TotalUdhar,
		Net:        s.Net,
		Entries:    entries,
	}
}

// =============================================================================
// EXPENSES
// =============================================================================

type ExpenseDTO struct {
	ID            string          `json:"id"`
	Date          string          `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category"`
	Type          string          `json:"type"`
	PaymentMethod string          `json:"payment_method"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     string          `json:"created_at,omitempty"`
}

type ExpenseRequest struct {
	Date          string `json:"date" validate:"required,datetime=2006-01-02"`
	Amount        string `json:"amount" validate:"required,decimal"`
	Category      string `json:"category" validate:"required,category"`
	Type          string `json:"type" validate:"required,oneof=Jama Udhar"`
	PaymentMethod string `json:"payment_method" validate:"max=50"`
	Description   string `json:"description" validate:"max=500"`
}

func toExpenseDTO(e ledger.Expense) ExpenseDTO {
	return ExpenseDTO{
		ID:            string(e.ID),
		Date:          e.Date.String(),
		Amount:        e.Amount,
		Category:      e.Category,
		Type:          string(e.Type),
		PaymentMethod: e.PaymentMethod,
		Description:   e.Description,
		CreatedAt:     formatTime(e.CreatedAt),
	}
}

// =============================================================================
// MONTHS AND CLOSURES
// =============================================================================

type ActiveMonthDTO struct {
	TenantID      string `json:"tenant_id"`
	ReferenceDate string `json:"reference_date"`
	Month         string `json:"month"`
}

type ClosureDTO struct {
	ID                string          `json:"id"`
	Month             string          `json:"month"`
	TotalJama         decimal.Decimal `json:"total_jama"`
	TotalUdhar        decimal.Decimal `json:"total_udhar"`
	TotalExpenses     decimal.Decimal `json:"total_expenses"`
	NetBalance        decimal.Decimal `json:"net_balance"`
	TransactionsCount int             `json:"transactions_count"`
	ExpensesCount     int             `json:"expenses_count"`
	PartiesCount      int             `json:"parties_count"`
	ClosedAt          string          `json:"closed_at"`
}

func toClosureDTO(c ledger.MonthlyClosure) ClosureDTO {
	return ClosureDTO{
		ID:                c.ID,
		Month:             c.Month.String(),
		TotalJama:         c.TotalJama,
		TotalUdhar:        c.TotalUdhar,
		TotalExpenses:     c.TotalExpenses,
		NetBalance:        c.NetBalance,
		TransactionsCount: c.TransactionsCount,
		ExpensesCount:     c.ExpensesCount,
		PartiesCount:      c.PartiesCount,
		ClosedAt:          formatTime(c.ClosedAt),
	}
}

type PartyTotalsDTO struct {
	PartyID    string          `json:"party_id"`
	Name       string          `json:"name"`
	TotalJama  decimal.Decimal `json:"total_jama"`
	TotalUdhar decimal.Decimal `json:"total_udhar"`
	Net        decimal.Decimal `json:"net"`
}

type MonthSummaryDTO struct {
	Month             string           `json:"month"`
	Closed            bool             `json:"closed"`
	ClosedAt          string           `json:"closed_at,omitempty"`
	TotalJama         decimal.Decimal  `json:"total_jama"`
	TotalUdhar        decimal.Decimal  `json:"total_udhar"`
	TotalExpenses     decimal.Decimal  `json:"total_expenses"`
	NetBalance        decimal.Decimal  `json:"net_balance"`
	TransactionsCount int              `json:"transactions_count"`
	ExpensesCount     int              `json:"expenses_count"`
	PartiesCount      int              `json:"parties_count"`
	Parties           []PartyTotalsDTO `json:"parties"`
}

func toMonthSummaryDTO(s ledger.MonthSummary, names map[ledger.PartyID]string) MonthSummaryDTO {
	t := s.Totals
	dto := MonthSummaryDTO{
		Month:             t.Month.String(),
		Closed:            s.Closed(),
		TotalJama:         t.TotalJama,
		TotalUdhar:        t.TotalUdhar,
		TotalExpenses:     t.TotalExpenses,
		NetBalance:        t.NetBalance,
		TransactionsCount: t.TransactionsCount,
		ExpensesCount:     t.ExpensesCount,
		PartiesCount:      t.PartiesCount,
		Parties:           make([]PartyTotalsDTO, 0, len(s.Parties)),
	}
	if s.Closure != nil {
		dto.ClosedAt = formatTime(s.Closure.ClosedAt)
	}
	for _, p := range s.Parties {
		dto.Parties = append(dto.Parties, PartyTotalsDTO{
			PartyID:    string(p.PartyID),
			Name:       names[p.PartyID],
			TotalJama:  p.TotalJama,
			TotalUdhar: p.TotalUdhar,
			Net:        p.Net,
		})
	}
	return dto
}

// DashboardDTO is the home screen: the open month and its running totals.
type DashboardDTO struct {
	ActiveMonth   string          `json:"active_month"`
	TotalJama     decimal.Decimal `json:"total_jama"`
	TotalUdhar    decimal.Decimal `json:"total_udhar"`
	TotalExpenses decimal.Decimal `json:"total_expenses"`
	NetBalance    decimal.Decimal `json:"net_balance"`
	PartiesCount  int             `json:"parties_count"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	// ClosedAt is set when the month was already closed.
	ClosedAt string `json:"closed_at,omitempty"`
	// ConflictMonth is the month that blocks an out-of-order close.
	ConflictMonth string `json:"conflict_month,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
