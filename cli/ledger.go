package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/transport-ledger/khata/auth"
	"github.com/transport-ledger/khata/ledger"
)

// ─── active-month ───────────────────────────────────────────────────────────

func newActiveMonthCmd(a *app) *cobra.Command {
	var tenant, date string

	cmd := &cobra.Command{
		Use:   "active-month",
		Short: "Print the month new entries default to",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ledger.DateOf(time.Now())
			if date != "" {
				d, err := ledger.ParseDate(date)
				if err != nil {
					return err
				}
				ref = d
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			r := ledger.NewPeriodResolver(store, ledger.WithLogger(a.logger))
			month, err := r.ResolveActiveMonth(cmd.Context(), ledger.TenantID(tenant), ref)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), month)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id (required)")
	cmd.Flags().StringVar(&date, "date", "", "Reference date YYYY-MM-DD (default today)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// ─── close-month ────────────────────────────────────────────────────────────

func newCloseMonthCmd(a *app) *cobra.Command {
	var tenant, month string
	var yes bool

	cmd := &cobra.Command{
		Use:   "close-month",
		Short: "Close a month (irreversible)",
		Long: `Close a month for a tenant. Without --yes the totals that would be
frozen are printed and nothing is stored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := ledger.ParseMonth(month)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			mgr := ledger.NewClosureManager(store, ledger.WithLogger(a.logger))
			out := cmd.OutOrStdout()

			if !yes {
				totals, err := mgr.PreviewMonth(cmd.Context(), ledger.TenantID(tenant), m)
				if err != nil {
					return err
				}
				printTotals(out, totals)
				fmt.Fprintf(out, "\nnot closed; re-run with --yes to close %s\n", m)
				return nil
			}

			c, err := mgr.CloseMonth(cmd.Context(), ledger.TenantID(tenant), m)
			if err != nil {
				return err
			}
			printTotals(out, ledger.MonthTotals{
				Month:             c.Month,
				TotalJama:         c.TotalJama,
				TotalUdhar:        c.TotalUdhar,
				TotalExpenses:     c.TotalExpenses,
				NetBalance:        c.NetBalance,
				TransactionsCount: c.TransactionsCount,
				ExpensesCount:     c.ExpensesCount,
				PartiesCount:      c.PartiesCount,
			})
			fmt.Fprintf(out, "\nclosed %s at %s\n", c.Month, c.ClosedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id (required)")
	cmd.Flags().StringVar(&month, "month", "", "Month YYYY-MM (required)")
	cmd.Flags().BoolVar(&yes, "yes", false, "Store the closure")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

// ─── summary ────────────────────────────────────────────────────────────────

func newSummaryCmd(a *app) *cobra.Command {
	var tenant, month string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print month totals and per-party balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := ledger.ParseMonth(month)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			tid := ledger.TenantID(tenant)
			s, err := ledger.NewClosureManager(store, ledger.WithLogger(a.logger)).Summary(ctx, tid, m)
			if err != nil {
				return err
			}
			parties, err := store.ListParties(ctx, tid)
			if err != nil {
				return err
			}
			names := make(map[ledger.PartyID]string, len(parties))
			for _, p := range parties {
				names[p.ID] = p.Name
			}

			out := cmd.OutOrStdout()
			status := "open"
			if s.Closure != nil {
				status = "closed " + s.Closure.ClosedAt.Format(time.DateOnly)
			}
			fmt.Fprintf(out, "status:        %s\n", status)
			printTotals(out, s.Totals)

			if len(s.Parties) > 0 {
				fmt.Fprintln(out)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PARTY\tJAMA\tUDHAR\tNET")
				for _, p := range s.Parties {
					name := names[p.PartyID]
					if name == "" {
						name = string(p.PartyID)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name,
						p.TotalJama.StringFixed(2), p.TotalUdhar.StringFixed(2), p.Net.StringFixed(2))
				}
				tw.Flush()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id (required)")
	cmd.Flags().StringVar(&month, "month", "", "Month YYYY-MM (required)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

// ─── token ──────────────────────────────────────────────────────────────────

func newTokenCmd(a *app) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, err := a.cfg.TokenTTL()
			if err != nil {
				return err
			}
			m, err := auth.NewJWTManager(a.cfg.Auth.Secret, ttl)
			if err != nil {
				return err
			}
			token, err := m.Generate(ledger.TenantID(tenant))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func printTotals(w io.Writer, t ledger.MonthTotals) {
	fmt.Fprintf(w, "month:         %s\n", t.Month)
	fmt.Fprintf(w, "total jama:    %s\n", t.TotalJama.StringFixed(2))
	fmt.Fprintf(w, "total udhar:   %s\n", t.TotalUdhar.StringFixed(2))
	fmt.Fprintf(w, "expenses:      %s\n", t.TotalExpenses.StringFixed(2))
	fmt.Fprintf(w, "net balance:   %s\n", t.NetBalance.StringFixed(2))
	fmt.Fprintf(w, "transactions:  %d\n", t.TransactionsCount)
	fmt.Fprintf(w, "expense lines: %d\n", t.ExpensesCount)
	fmt.Fprintf(w, "parties:       %d\n", t.PartiesCount)
}
