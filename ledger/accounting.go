/*
accounting.go - Sign and aggregation rules

RULES:
  normalized(e) = |e.Amount|
  signed(e)     = +normalized(e) if e.Type == Jama
                  -normalized(e) if e.Type == Udhar
  sumByType     = Σ normalized(e) over entries of that type

  Stored amounts already carry the sign, but the rules above only trust the
  type. A record whose type is neither Jama nor Udhar is a DataIntegrityError,
  never silently counted as zero.

BOUNDARY:
  Raw amounts (database text, request bodies) go through ParseAmount before
  they become a decimal.Decimal. That is where "missing" and "non-numeric"
  are caught.
*/
package ledger

import (
	"strings"

	"github.com/shopspring/decimal"
)

// NormalizedAmount returns the magnitude of the entry's amount.
func NormalizedAmount(e Entry) decimal.Decimal {
	return e.EntryAmount().Abs()
}

// SignedAmount returns +|amount| for Jama and -|amount| for Udhar.
func SignedAmount(e Entry) (decimal.Decimal, error) {
	switch e.EntryType() {
	case Jama:
		return NormalizedAmount(e), nil
	case Udhar:
		return NormalizedAmount(e).Neg(), nil
	default:
		return decimal.Zero, integrityError(e, "type", "must be Jama or Udhar, got "+quote(string(e.EntryType())))
	}
}

// SumByType sums the normalized amounts of entries of type t.
// Every entry is checked, including those of the other type.
func SumByType[E Entry](entries []E, t EntryType) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range entries {
		if !e.EntryType().Valid() {
			return decimal.Zero, integrityError(e, "type", "must be Jama or Udhar, got "+quote(string(e.EntryType())))
		}
		if e.EntryType() == t {
			total = total.Add(NormalizedAmount(e))
		}
	}
	return total, nil
}

// SumSigned sums the signed amounts of all entries.
func SumSigned[E Entry](entries []E) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range entries {
		s, err := SignedAmount(e)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(s)
	}
	return total, nil
}

// SumNormalized sums magnitudes regardless of type. Expenses are totalled
// this way for the monthly closure.
func SumNormalized[E Entry](entries []E) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(NormalizedAmount(e))
	}
	return total
}

// ParseAmount converts a raw amount into a decimal. record and id name the
// owner for the error message.
func ParseAmount(raw, record, id string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, &DataIntegrityError{Record: record, ID: id, Field: "amount", Reason: "is missing"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &DataIntegrityError{Record: record, ID: id, Field: "amount", Reason: "is not numeric: " + quote(s)}
	}
	return d, nil
}

// =============================================================================
// RECORD VALIDATION
// =============================================================================

// Validate checks the fields the engine depends on.
func (t Transaction) Validate() error {
	if t.TenantID == "" {
		return ErrTenantRequired
	}
	if t.PartyID == "" {
		return integrityError(t, "party_id", "is missing")
	}
	if t.Date.IsZero() {
		return integrityError(t, "date", "is missing")
	}
	if !t.Type.Valid() {
		return integrityError(t, "type", "must be Jama or Udhar, got "+quote(string(t.Type)))
	}
	if t.Rounds < 1 {
		return integrityError(t, "rounds", "must be at least 1")
	}
	if t.Type == Jama && t.Amount.IsNegative() {
		return integrityError(t, "amount", "must not be negative for Jama")
	}
	if t.Type == Udhar && t.Amount.IsPositive() {
		return integrityError(t, "amount", "must not be positive for Udhar")
	}
	return nil
}

// Validate checks the fields the engine depends on. Expense amounts are
// summed by magnitude, so their sign is not checked.
func (e Expense) Validate() error {
	if e.TenantID == "" {
		return ErrTenantRequired
	}
	if e.Date.IsZero() {
		return integrityError(e, "date", "is missing")
	}
	if !e.Type.Valid() {
		return integrityError(e, "type", "must be Jama or Udhar, got "+quote(string(e.Type)))
	}
	if strings.TrimSpace(e.Category) == "" {
		return integrityError(e, "category", "is missing")
	}
	return nil
}

func quote(s string) string { return "\"" + s + "\"" }
