package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/shieldpool/bounty-cli/internal/fundgate"
	"github.com/shieldpool/bounty-cli/internal/money"
)

var fundCmd = &cobra.Command{
	Use:   "fund",
	Short: "Fund a protocol's bounty pool",
	Long: "Drives the approve/fund/verify sequence a pool owner completes before " +
		"settlement is allowed. Transactions are signed out of band; pass the " +
		"signed payloads back in to advance.",
}

// -- fund run --

var fundRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the funding sequence as far as the provided signatures allow",
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

		gate, err := initGate(st)
		if err != nil {
			return err
		}

		protocolID, _ := cmd.Flags().GetString("protocol")
		depositor, _ := cmd.Flags().GetString("depositor")
		amountRaw, _ := cmd.Flags().GetString("amount")
		signedApproval, _ := cmd.Flags().GetString("signed-approval")
		signedDeposit, _ := cmd.Flags().GetString("signed-deposit")

		amount, err := money.Parse(amountRaw)
		if err != nil {
			return eris.Wrap(err, "fund run: amount")
		}

		if _, err := gate.Begin(ctx, protocolID, depositor, amount); err != nil {
			return eris.Wrap(err, "fund run: begin")
		}

		step, err := gate.Resume(ctx, protocolID)
		if err != nil {
			return eris.Wrap(err, "fund run: resume")
		}

		if step == fundgate.StepApprove {
			if signedApproval == "" {
				unsigned, err := gate.BuildApproval(ctx, protocolID)
				if err != nil {
					return eris.Wrap(err, "fund run: build approval")
				}
				fmt.Fprintln(os.Stderr, "Approval required. Sign this transaction and re-run with --signed-approval:")
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(unsigned)
			}
			if err := gate.SubmitApproval(ctx, protocolID, signedApproval); err != nil {
				return eris.Wrap(err, "fund run: submit approval")
			}
			fmt.Fprintln(os.Stderr, "Allowance confirmed.")
			step = fundgate.StepFund
		}

		if step == fundgate.StepFund {
			if signedDeposit == "" {
				fmt.Fprintln(os.Stderr, "Deposit required. Sign the deposit transaction and re-run with --signed-deposit.")
				return nil
			}
			if err := gate.Fund(ctx, protocolID, signedDeposit); err != nil {
				return eris.Wrap(err, "fund run: deposit")
			}
			fmt.Fprintln(os.Stderr, "Deposit confirmed.")
		}

		result, err := gate.Verify(ctx, protocolID)
		if err != nil {
			return eris.Wrap(err, "fund run: verify")
		}
		printVerifyResult(result)
		return nil
	},
}

// -- fund verify --

var fundVerifyCmd = &cobra.Command{
	Use:   "verify <protocol-id>",
	Short: "Re-check the pool balance against the funding minimum",
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

		gate, err := initGate(st)
		if err != nil {
			return err
		}

		result, err := gate.Verify(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "fund verify")
		}
		printVerifyResult(result)
		return nil
	},
}

// -- fund status --

var fundStatusCmd = &cobra.Command{
	Use:   "status <protocol-id>",
	Short: "Show which funding step the protocol is on",
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

		gate, err := initGate(st)
		if err != nil {
			return err
		}

		step, err := gate.Resume(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "fund status")
		}

		fmt.Fprintf(os.Stdout, "%s\n", step)
		return nil
	},
}

func init() {
	fundRunCmd.Flags().String("protocol", "", "protocol id (required)")
	fundRunCmd.Flags().String("depositor", "", "depositor wallet address (required)")
	fundRunCmd.Flags().String("amount", "", "deposit amount, decimal (required)")
	fundRunCmd.Flags().String("signed-approval", "", "signed allowance transaction")
	fundRunCmd.Flags().String("signed-deposit", "", "signed deposit transaction")
	_ = fundRunCmd.MarkFlagRequired("protocol")
	_ = fundRunCmd.MarkFlagRequired("depositor")
	_ = fundRunCmd.MarkFlagRequired("amount")

	fundCmd.AddCommand(fundRunCmd)
	fundCmd.AddCommand(fundVerifyCmd)
	fundCmd.AddCommand(fundStatusCmd)
	rootCmd.AddCommand(fundCmd)
}

func printVerifyResult(result *fundgate.VerifyResult) {
	if result.Funded {
		fmt.Fprintf(os.Stderr, "Pool funded: balance %s meets minimum %s.\n",
			result.Balance.String(), result.Required.String())
		return
	}
	fmt.Fprintf(os.Stderr, "Pool underfunded: balance %s, minimum %s, shortfall %s.\n",
		result.Balance.String(), result.Required.String(), result.Shortfall.String())
}
