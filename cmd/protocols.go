package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
)

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "Manage protocols and their bounty pools",
	Long:  "Commands for registering protocols with the escrow contract and inspecting their pools.",
}

// -- protocols register --

var protocolsRegisterCmd = &cobra.Command{
	Use:   "register <protocol-id>",
	Short: "Create a protocol and register it with the escrow contract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		protocolID := args[0]

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

		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = protocolID
		}
		minDepositRaw, _ := cmd.Flags().GetString("min-deposit")
		if minDepositRaw == "" {
			minDepositRaw = cfg.Funding.MinDeposit
		}
		minDeposit, err := money.Parse(minDepositRaw)
		if err != nil {
			return eris.Wrap(err, "protocols register: min-deposit")
		}

		now := time.Now().UTC()
		protocol := &model.Protocol{
			ID:           protocolID,
			Name:         name,
			OnChainID:    model.DeriveOnChainID(protocolID),
			FundingState: model.FundingStateUnfunded,
			MinDeposit:   minDeposit,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := st.CreateProtocol(ctx, protocol); err != nil {
			return eris.Wrapf(err, "protocols register: create %s", protocolID)
		}

		receipt, err := ec.RegisterProtocol(ctx, protocol.OnChainID, protocol.Name)
		if err != nil {
			// The off-chain record survives; registration is re-runnable.
			return eris.Wrapf(err, "protocols register: on-chain registration for %s", protocolID)
		}
		if err := st.SetProtocolRegistered(ctx, protocolID); err != nil {
			return eris.Wrapf(err, "protocols register: mark registered %s", protocolID)
		}

		auditEntry := &model.AuditLogEntry{
			ID:         uuid.NewString(),
			Action:     model.AuditProtocolRegistered,
			Actor:      cfg.Settle.Actor,
			ProtocolID: protocolID,
			TxRef:      receipt.TxHash,
			CreatedAt:  time.Now().UTC(),
		}
		if err := st.AppendAudit(ctx, auditEntry); err != nil {
			zap.L().Warn("audit append failed",
				zap.String("action", string(model.AuditProtocolRegistered)),
				zap.Error(err))
		}

		fmt.Fprintf(os.Stderr, "Registered %s on-chain (tx %s).\n", protocolID, receipt.TxHash)
		return nil
	},
}

// -- protocols list --

var protocolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List protocols and their pool balances",
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

		protocols, err := st.ListProtocols(ctx)
		if err != nil {
			return eris.Wrap(err, "protocols list")
		}

		if len(protocols) == 0 {
			fmt.Fprintln(os.Stderr, "No protocols found.")
			return nil
		}

		formatProtocolsList(os.Stdout, protocols)
		return nil
	},
}

// -- protocols show --

var protocolsShowCmd = &cobra.Command{
	Use:   "show <protocol-id>",
	Short: "Show full details of a protocol",
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

		protocol, err := st.GetProtocol(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "protocols show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(protocol)
	},
}

func init() {
	protocolsRegisterCmd.Flags().String("name", "", "display name (defaults to the protocol id)")
	protocolsRegisterCmd.Flags().String("min-deposit", "", "minimum pool balance before settlement is allowed (decimal, defaults to funding.min_deposit)")

	protocolsCmd.AddCommand(protocolsRegisterCmd)
	protocolsCmd.AddCommand(protocolsListCmd)
	protocolsCmd.AddCommand(protocolsShowCmd)
	rootCmd.AddCommand(protocolsCmd)
}

// formatProtocolsList writes a tabular list of protocols to w.
func formatProtocolsList(out io.Writer, protocols []model.Protocol) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tREGISTERED\tAVAILABLE\tDEPOSITED\tPAID")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t----------\t---------\t---------\t----")

	for _, p := range protocols {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			p.ID,
			p.Name,
			p.FundingState,
			p.Registered,
			p.Available.String(),
			p.TotalDeposited.String(),
			p.Paid.String(),
		)
	}
	_ = w.Flush()
}
