package ledger

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// RoundEntry is one line of the round-based entry form: a per-round amount
// times the number of rounds driven. The sign comes from Type.
type RoundEntry struct {
	BaseAmount  decimal.Decimal
	Rounds      int
	Type        EntryType
	Date        Date
	Description string
}

// Amount returns ±(BaseAmount × Rounds).
func (r RoundEntry) Amount() decimal.Decimal {
	total := r.BaseAmount.Abs().Mul(decimal.NewFromInt(int64(r.Rounds)))
	if r.Type == Udhar {
		return total.Neg()
	}
	return total
}

// Transaction builds the transaction for this line. It is not persisted.
func (r RoundEntry) Transaction(tenantID TenantID, partyID PartyID) (Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return Transaction{}, err
	}
	if !r.BaseAmount.IsPositive() {
		return Transaction{}, &DataIntegrityError{Record: "transaction", Field: "amount", Reason: "base amount must be greater than zero"}
	}
	if r.Rounds < 1 {
		return Transaction{}, &DataIntegrityError{Record: "transaction", Field: "rounds", Reason: "must be at least 1, got " + strconv.Itoa(r.Rounds)}
	}
	t := Transaction{
		TenantID:    tenantID,
		PartyID:     partyID,
		Date:        r.Date,
		Amount:      r.Amount(),
		Type:        r.Type,
		Rounds:      r.Rounds,
		Description: r.Description,
	}
	if err := t.Validate(); err != nil {
		return Transaction{}, err
	}
	return t, nil
}
