/*
balance.go - Party balance calculation

PURPOSE:
  Turns a list of transactions (already scoped to a party and period by the
  caller) into Jama/Udhar totals and a chronological running balance. This
  is what the party ledger screen and the statement export show.

ORDERING:
  The running balance accumulates in ascending Date. Equal dates fall back
  to CreatedAt, then to the position in the input list (stable). Display
  order (newest first) is the caller's business.

EXAMPLE:
  01 Mar  Jama   +1000   balance 1000
  03 Mar  Udhar   -300   balance  700
  03 Mar  Jama    +200   balance  900   (created after the Udhar above)

  TotalJama = 1200, TotalUdhar = 300, Net = 900 = last balance

SEE ALSO:
  - accounting.go: SignedAmount and SumByType
  - closure.go: month totals reuse Totals below
*/
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PARTY SUMMARY
// =============================================================================

// RunningBalance pairs a transaction with the balance right after it.
type RunningBalance struct {
	Transaction Transaction
	Signed      decimal.Decimal
	Balance     decimal.Decimal
}

type PartySummary struct {
	PartyID    PartyID // set by SummarizeByParty only
	TotalJama  decimal.Decimal
	TotalUdhar decimal.Decimal
	Net        decimal.Decimal
	Series     []RunningBalance
}

// Closing returns the balance after the last transaction.
func (s PartySummary) Closing() decimal.Decimal {
	if len(s.Series) == 0 {
		return decimal.Zero
	}
	return s.Series[len(s.Series)-1].Balance
}

// Summarize computes totals and the running balance of txs. txs is not
// modified.
func Summarize(txs []Transaction) (PartySummary, error) {
	jama, err := SumByType(txs, Jama)
	if err != nil {
		return PartySummary{}, err
	}
	udhar, err := SumByType(txs, Udhar)
	if err != nil {
		return PartySummary{}, err
	}

	sorted := make([]Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	series := make([]RunningBalance, 0, len(sorted))
	running := decimal.Zero
	for _, t := range sorted {
		signed, err := SignedAmount(t)
		if err != nil {
			return PartySummary{}, err
		}
		running = running.Add(signed)
		series = append(series, RunningBalance{Transaction: t, Signed: signed, Balance: running})
	}

	return PartySummary{
		TotalJama:  jama,
		TotalUdhar: udhar,
		Net:        jama.Sub(udhar),
		Series:     series,
	}, nil
}

// SummarizeByParty groups txs by party and summarizes each group. The result
// is ordered by PartyID.
func SummarizeByParty(txs []Transaction) ([]PartySummary, error) {
	groups := make(map[PartyID][]Transaction)
	for _, t := range txs {
		groups[t.PartyID] = append(groups[t.PartyID], t)
	}

	ids := make([]PartyID, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]PartySummary, 0, len(ids))
	for _, id := range ids {
		s, err := Summarize(groups[id])
		if err != nil {
			return nil, err
		}
		s.PartyID = id
		out = append(out, s)
	}
	return out, nil
}

// =============================================================================
// MONTH TOTALS
// =============================================================================

// Totals aggregates one month's records. Transactions split by type;
// expenses count by magnitude whatever their type. Records outside month
// are ignored.
func Totals(month Month, txs []Transaction, exps []Expense) (MonthTotals, error) {
	inMonth := make([]Transaction, 0, len(txs))
	parties := make(map[PartyID]struct{})
	for _, t := range txs {
		if !month.Contains(t.Date) {
			continue
		}
		inMonth = append(inMonth, t)
		parties[t.PartyID] = struct{}{}
	}

	expInMonth := make([]Expense, 0, len(exps))
	for _, e := range exps {
		if month.Contains(e.Date) {
			expInMonth = append(expInMonth, e)
		}
	}

	jama, err := SumByType(inMonth, Jama)
	if err != nil {
		return MonthTotals{}, err
	}
	udhar, err := SumByType(inMonth, Udhar)
	if err != nil {
		return MonthTotals{}, err
	}
	expenses := SumNormalized(expInMonth)

	return MonthTotals{
		Month:             month,
		TotalJama:         jama,
		TotalUdhar:        udhar,
		TotalExpenses:     expenses,
		NetBalance:        jama.Sub(udhar).Sub(expenses),
		TransactionsCount: len(inMonth),
		ExpensesCount:     len(expInMonth),
		PartiesCount:      len(parties),
	}, nil
}
