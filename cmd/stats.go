package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
	"github.com/shieldpool/bounty-cli/internal/stats"
	"github.com/shieldpool/bounty-cli/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Reporting views over the ledger",
	Long:  "Commands for pool status, researcher earnings, the leaderboard, payout time series, and ledger drift.",
}

// -- stats pool --

var statsPoolCmd = &cobra.Command{
	Use:   "pool <protocol-id>",
	Short: "Show a protocol's pool status and recent activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		recent, _ := cmd.Flags().GetInt("recent")

		status, err := stats.New(st).PoolStatus(ctx, args[0], recent)
		if err != nil {
			return eris.Wrap(err, "stats pool")
		}

		formatPoolStatus(os.Stdout, status)
		return nil
	},
}

// -- stats earnings --

var statsEarningsCmd = &cobra.Command{
	Use:   "earnings <address>",
	Short: "Show a researcher's completed payouts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		earnings, err := stats.New(st).ResearcherEarnings(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "stats earnings")
		}

		formatEarnings(os.Stdout, earnings)
		return nil
	},
}

// -- stats leaderboard --

var statsLeaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Rank researchers by total earnings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := stats.New(st).Leaderboard(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "stats leaderboard")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No completed payments yet.")
			return nil
		}

		formatLeaderboard(os.Stdout, entries)
		return nil
	},
}

// -- stats series --

var statsSeriesCmd = &cobra.Command{
	Use:   "series <protocol-id>",
	Short: "Show a daily payout time series",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		days, _ := cmd.Flags().GetInt("days")

		buckets, err := stats.New(st).TimeSeries(ctx, args[0], days)
		if err != nil {
			return eris.Wrap(err, "stats series")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "DATE\tCOUNT\tTOTAL")
		for _, b := range buckets {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", b.Date, b.Count, b.Total.String())
		}
		_ = w.Flush()
		return nil
	},
}

// -- stats drift --

var statsDriftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Reconcile ledger balances against on-chain escrow",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		ec, err := initEscrow()
		if err != nil {
			return err
		}

		agg := stats.New(st)
		reports, err := agg.Drift(ctx, ec)
		if err != nil {
			return eris.Wrap(err, "stats drift")
		}

		if len(reports) == 0 {
			fmt.Fprintln(os.Stderr, "No protocols found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "PROTOCOL\tLEDGER\tON-CHAIN\tDRIFT\tIN SYNC")
		for _, r := range reports {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
				r.ProtocolID,
				r.LedgerAvailable.String(),
				r.OnChainBalance.String(),
				money.FromBaseUnits(r.DriftBaseUnits).String(),
				r.InSync,
			)
		}
		_ = w.Flush()

		if repair, _ := cmd.Flags().GetBool("repair"); repair {
			n, err := agg.RepairDrift(ctx, reports)
			if err != nil {
				return eris.Wrap(err, "stats drift repair")
			}
			fmt.Fprintf(os.Stderr, "Backfilled %d deposit events.\n", n)
		}
		return nil
	},
}

// -- stats audit --

var statsAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List audit log entries, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		protocolID, _ := cmd.Flags().GetString("protocol")
		action, _ := cmd.Flags().GetString("action")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListAudit(ctx, store.AuditFilter{
			ProtocolID: protocolID,
			Action:     model.AuditAction(action),
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "stats audit")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No audit entries found.")
			return nil
		}

		formatAuditList(os.Stdout, entries)
		return nil
	},
}

func init() {
	statsPoolCmd.Flags().Int("recent", 10, "number of recent transactions to include")
	statsLeaderboardCmd.Flags().Int("limit", 20, "max number of researchers to rank")
	statsSeriesCmd.Flags().Int("days", 30, "window size in days")
	statsDriftCmd.Flags().Bool("repair", false, "credit the ledger for positive drift")
	statsAuditCmd.Flags().String("protocol", "", "filter by protocol id")
	statsAuditCmd.Flags().String("action", "", "filter by action (payment_created, settlement_completed, ...)")
	statsAuditCmd.Flags().Int("limit", 50, "max number of entries to display")

	statsCmd.AddCommand(statsPoolCmd)
	statsCmd.AddCommand(statsEarningsCmd)
	statsCmd.AddCommand(statsLeaderboardCmd)
	statsCmd.AddCommand(statsSeriesCmd)
	statsCmd.AddCommand(statsDriftCmd)
	statsCmd.AddCommand(statsAuditCmd)
	rootCmd.AddCommand(statsCmd)
}

// formatPoolStatus writes a pool summary and its recent activity to w.
func formatPoolStatus(out io.Writer, s *stats.PoolStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Protocol:\t%s\n", s.ProtocolID)
	_, _ = fmt.Fprintf(w, "State:\t%s\n", s.FundingState)
	_, _ = fmt.Fprintf(w, "Available:\t%s\n", s.Available.String())
	_, _ = fmt.Fprintf(w, "Deposited:\t%s\n", s.TotalDeposited.String())
	_, _ = fmt.Fprintf(w, "Paid:\t%s\n", s.TotalPaid.String())
	_, _ = fmt.Fprintf(w, "Pending:\t%d (%s)\n", s.PendingCount, s.PendingSum.String())
	_ = w.Flush()

	if len(s.Recent) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tAMOUNT\tCOUNTERPARTY\tTX\tWHEN")
	for _, t := range s.Recent {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.Type,
			t.Amount.String(),
			t.Counterparty,
			truncateID(t.TxRef),
			t.Timestamp.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatEarnings writes a researcher's earnings summary to w.
func formatEarnings(out io.Writer, e *stats.Earnings) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Researcher:\t%s\n", e.Address)
	_, _ = fmt.Fprintf(w, "Total:\t%s\n", e.Total.String())
	_, _ = fmt.Fprintf(w, "Payouts:\t%d\n", e.Count)
	for _, sev := range []model.Severity{
		model.SeverityCritical, model.SeverityHigh, model.SeverityMedium,
		model.SeverityLow, model.SeverityInformational,
	} {
		if amount, ok := e.BySeverity[sev]; ok {
			_, _ = fmt.Fprintf(w, "  %s:\t%s\n", sev, amount.String())
		}
	}
	_ = w.Flush()
}

// formatLeaderboard writes the ranked researcher table to w.
func formatLeaderboard(out io.Writer, entries []stats.LeaderboardEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tRESEARCHER\tTOTAL\tPAYOUTS\tAVERAGE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			e.Rank, e.Address, e.Total.String(), e.Count, e.Average.String())
	}
	_ = w.Flush()
}

// formatAuditList writes a tabular audit log to w.
func formatAuditList(out io.Writer, entries []model.AuditLogEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tACTION\tPROTOCOL\tPAYMENT\tAMOUNT\tTX\tACTOR")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339),
			e.Action,
			e.ProtocolID,
			truncateID(deref(e.PaymentID)),
			e.Amount.String(),
			truncateID(e.TxRef),
			e.Actor,
		)
	}
	_ = w.Flush()
}
