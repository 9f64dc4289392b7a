/*
Package report exports ledger views as XLSX workbooks.

WORKBOOKS:
  PartyStatement: one sheet, the party's running balance plus totals
  MonthReport:    "Summary" sheet with the month totals (closure snapshot
                  when closed), "Parties" with the per-party breakdown,
                  "Expenses" with the month's expenses

Amounts become spreadsheet numbers here and nowhere else; everything
upstream stays decimal.Decimal.
*/
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transport-ledger/khata/ledger"
	"github.com/xuri/excelize/v2"
)

// ContentType is the MIME type of the workbooks written here.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	statementSheet = "Statement"
	summarySheet   = "Summary"
	partiesSheet   = "Parties"
	expensesSheet  = "Expenses"
)

// PartyStatement writes the party ledger (oldest first) to w. period labels
// the statement, e.g. "2025-03" or "All time".
func PartyStatement(w io.Writer, party ledger.Party, period string, summary ledger.PartySummary) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", statementSheet); err != nil {
		return err
	}
	s := sheet{f: f, name: statementSheet}

	s.row(1, "Party", party.Name)
	s.row(2, "Phone", party.PhoneNumber)
	s.row(3, "Period", period)
	s.row(5, "Date", "Type", "Rounds", "Description", "Amount", "Balance")
	for i, rb := range summary.Series {
		t := rb.Transaction
		s.row(6+i, t.Date.String(), string(t.Type), t.Rounds, t.Description, money(rb.Signed), money(rb.Balance))
	}

	r := 7 + len(summary.Series)
	s.row(r, "Total Jama", money(summary.TotalJama))
	s.row(r+1, "Total Udhar", money(summary.TotalUdhar))
	s.row(r+2, "Net", money(summary.Net))

	if s.err != nil {
		return s.err
	}
	return f.Write(w)
}

// MonthReport writes the month dashboard. names maps party ids to display
// names; unknown ids are shown as the id.
func MonthReport(w io.Writer, summary ledger.MonthSummary, names map[ledger.PartyID]string, expenses []ledger.Expense) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	for _, name := range []string{partiesSheet, expensesSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return err
		}
	}

	t := summary.Totals
	sum := sheet{f: f, name: summarySheet}
	sum.row(1, "Month", t.Month.String())
	status := "Open"
	if summary.Closure != nil {
		status = "Closed " + summary.Closure.ClosedAt.Format(time.DateOnly)
	}
	sum.row(2, "Status", status)
	sum.row(4, "Total Jama", money(t.TotalJama))
	sum.row(5, "Total Udhar", money(t.TotalUdhar))
	sum.row(6, "Total Expenses", money(t.TotalExpenses))
	sum.row(7, "Net Balance", money(t.NetBalance))
	sum.row(9, "Transactions", t.TransactionsCount)
	sum.row(10, "Expenses", t.ExpensesCount)
	sum.row(11, "Parties", t.PartiesCount)

	ps := sheet{f: f, name: partiesSheet}
	ps.row(1, "Party", "Jama", "Udhar", "Net")
	for i, p := range summary.Parties {
		name, ok := names[p.PartyID]
		if !ok {
			name = string(p.PartyID)
		}
		ps.row(2+i, name, money(p.TotalJama), money(p.TotalUdhar), money(p.Net))
	}

	es := sheet{f: f, name: expensesSheet}
	es.row(1, "Date", "Category", "Type", "Payment", "Description", "Amount")
	for i, e := range expenses {
		es.row(2+i, e.Date.String(), e.Category, string(e.Type), e.PaymentMethod, e.Description, money(e.Amount))
	}

	for _, s := range []sheet{sum, ps, es} {
		if s.err != nil {
			return s.err
		}
	}
	return f.Write(w)
}

// sheet writes rows and keeps the first error.
type sheet struct {
	f    *excelize.File
	name string
	err  error
}

func (s *sheet) row(r int, values ...any) {
	if s.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(1, r)
	if err != nil {
		s.err = err
		return
	}
	if err := s.f.SetSheetRow(s.name, cell, &values); err != nil {
		s.err = fmt.Errorf("write %s row %d: %w", s.name, r, err)
	}
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}
