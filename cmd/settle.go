package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/settle"
	"github.com/shieldpool/bounty-cli/internal/store"
)

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Create and process bounty settlements",
	Long:  "Commands for turning confirmed validations into payments and settling them on-chain.",
}

// -- settle create --

var settleCreateCmd = &cobra.Command{
	Use:   "create <validation-id>",
	Short: "Create a payment from a confirmed validation",
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

		orch, err := initOrchestrator(st)
		if err != nil {
			return err
		}

		payment, err := orch.CreatePaymentFromValidation(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "settle create")
		}

		fmt.Fprintf(os.Stderr, "Payment %s queued: %s to %s (%s).\n",
			truncateID(payment.ID), payment.Amount.String(), payment.Recipient, payment.Severity)

		process, _ := cmd.Flags().GetBool("process")
		if !process {
			return nil
		}

		settled, err := orch.ProcessPayment(ctx, payment.ID)
		if err != nil {
			return eris.Wrap(err, "settle create: process")
		}
		fmt.Fprintf(os.Stderr, "Settled %s (tx %s).\n", truncateID(settled.ID), deref(settled.TxRef))
		return nil
	},
}

// -- settle process --

var settleProcessCmd = &cobra.Command{
	Use:   "process <payment-id>",
	Short: "Settle a pending or failed payment on-chain",
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

		orch, err := initOrchestrator(st)
		if err != nil {
			return err
		}

		payment, err := orch.ProcessPayment(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "settle process")
		}

		fmt.Fprintf(os.Stderr, "Settled %s: %s to %s (tx %s).\n",
			truncateID(payment.ID), payment.Amount.String(), payment.Recipient, deref(payment.TxRef))
		return nil
	},
}

// -- settle drain --

var settleDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Settle the whole pending queue",
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

		orch, err := initOrchestrator(st)
		if err != nil {
			return err
		}

		includeFailed, _ := cmd.Flags().GetBool("include-failed")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		limit, _ := cmd.Flags().GetInt("limit")
		if concurrency <= 0 {
			concurrency = cfg.Settle.DrainConcurrency
		}

		result, err := orch.Drain(ctx, settle.DrainConfig{
			Concurrency:   concurrency,
			IncludeFailed: includeFailed,
			Limit:         limit,
		})
		if err != nil {
			return eris.Wrap(err, "settle drain")
		}

		fmt.Fprintf(os.Stderr, "Drain complete: %d attempted, %d settled, %d skipped, %d failed.\n",
			result.Attempted, result.Settled, result.Skipped, result.Failed)
		return nil
	},
}

// -- settle list --

var settleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List payments",
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

		status, _ := cmd.Flags().GetString("status")
		protocolID, _ := cmd.Flags().GetString("protocol")
		recipient, _ := cmd.Flags().GetString("recipient")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		payments, err := st.ListPayments(ctx, store.PaymentFilter{
			Status:     model.PaymentStatus(status),
			ProtocolID: protocolID,
			Recipient:  recipient,
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			return eris.Wrap(err, "settle list")
		}

		if len(payments) == 0 {
			fmt.Fprintln(os.Stderr, "No payments found.")
			return nil
		}

		formatPaymentsList(os.Stdout, payments)
		return nil
	},
}

// -- settle show --

var settleShowCmd = &cobra.Command{
	Use:   "show <payment-id>",
	Short: "Show full details of a payment",
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

		payment, err := st.GetPayment(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "settle show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payment)
	},
}

func init() {
	settleCreateCmd.Flags().Bool("process", false, "settle the payment immediately after creating it")

	settleDrainCmd.Flags().Bool("include-failed", false, "also retry failed payments")
	settleDrainCmd.Flags().Int("concurrency", 0, "settlement workers (defaults to settle.drain_concurrency)")
	settleDrainCmd.Flags().Int("limit", 0, "max payments to attempt (0 = all)")

	settleListCmd.Flags().String("status", "", "filter by status (pending, completed, failed)")
	settleListCmd.Flags().String("protocol", "", "filter by protocol id")
	settleListCmd.Flags().String("recipient", "", "filter by recipient address")
	settleListCmd.Flags().Int("limit", 50, "max number of payments to display")
	settleListCmd.Flags().Int("offset", 0, "number of payments to skip")

	settleCmd.AddCommand(settleCreateCmd)
	settleCmd.AddCommand(settleProcessCmd)
	settleCmd.AddCommand(settleDrainCmd)
	settleCmd.AddCommand(settleListCmd)
	settleCmd.AddCommand(settleShowCmd)
	rootCmd.AddCommand(settleCmd)
}

// formatPaymentsList writes a tabular list of payments to w.
func formatPaymentsList(out io.Writer, payments []model.Payment) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROTOCOL\tRECIPIENT\tSEVERITY\tAMOUNT\tSTATUS\tRETRIES\tTX")
	_, _ = fmt.Fprintln(w, "--\t--------\t---------\t--------\t------\t------\t-------\t--")

	for _, p := range payments {
		recipient := p.Recipient
		if len(recipient) > 16 {
			recipient = recipient[:13] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(p.ID),
			p.ProtocolID,
			recipient,
			p.Severity,
			p.Amount.String(),
			p.Status,
			p.RetryCount,
			truncateID(deref(p.TxRef)),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of an id for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
