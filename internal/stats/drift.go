package stats

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
	"github.com/shieldpool/bounty-cli/pkg/escrow"
)

// DriftReport compares one protocol's ledger view with the live on-chain
// escrow balance. Drift is on-chain minus ledger: positive means funds
// arrived on-chain that the ledger has not credited, negative means the
// ledger believes more is available than escrow actually holds.
type DriftReport struct {
	ProtocolID      string       `json:"protocol_id"`
	LedgerAvailable money.Amount `json:"ledger_available"`
	OnChainBalance  money.Amount `json:"on_chain_balance"`
	DriftBaseUnits  int64        `json:"drift_base_units"`
	InSync          bool         `json:"in_sync"`
}

// Drift reconciles every protocol's ledger balance against the escrow
// contract. A gateway failure for one protocol is reported on that row and
// does not stop the sweep.
func (a *Aggregator) Drift(ctx context.Context, ec escrow.Client) ([]DriftReport, error) {
	protocols, err := a.store.ListProtocols(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]DriftReport, 0, len(protocols))
	for _, p := range protocols {
		report := DriftReport{
			ProtocolID:      p.ID,
			LedgerAvailable: p.Available,
		}

		raw, err := ec.ProtocolBalance(ctx, p.OnChainID)
		if err != nil {
			zap.L().Warn("drift check: balance query failed",
				zap.String("protocol_id", p.ID),
				zap.Error(err))
			reports = append(reports, report)
			continue
		}
		balance, err := money.Parse(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "stats: on-chain balance for %s", p.ID)
		}

		report.OnChainBalance = balance
		report.DriftBaseUnits = balance.BaseUnits() - p.Available.BaseUnits()
		report.InSync = report.DriftBaseUnits == 0
		if !report.InSync {
			zap.L().Warn("ledger drift detected",
				zap.String("protocol_id", p.ID),
				zap.String("ledger_available", p.Available.String()),
				zap.String("on_chain_balance", balance.String()),
				zap.Int64("drift_base_units", report.DriftBaseUnits))
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// RepairDrift credits the ledger for positive drift: each report where the
// escrow holds more than the ledger knows about gets one synthesized deposit
// event for the difference, committed through BackfillDeposits. Negative
// drift is never repaired here; the ledger does not debit funds it cannot
// attribute to a settlement. Returns the number of events backfilled.
func (a *Aggregator) RepairDrift(ctx context.Context, reports []DriftReport) (int64, error) {
	now := time.Now().UTC()
	var events []model.DepositEvent
	for _, r := range reports {
		if r.DriftBaseUnits <= 0 {
			continue
		}
		events = append(events, model.DepositEvent{
			ID:          uuid.NewString(),
			ProtocolID:  r.ProtocolID,
			Amount:      money.FromBaseUnits(r.DriftBaseUnits),
			TxRef:       "drift-repair",
			Depositor:   "reconciliation",
			DepositedAt: now,
		})
	}
	if len(events) == 0 {
		return 0, nil
	}

	n, err := a.store.BackfillDeposits(ctx, events)
	if err != nil {
		return 0, eris.Wrap(err, "stats: repair drift")
	}

	for _, ev := range events {
		zap.L().Info("drift repaired",
			zap.String("protocol_id", ev.ProtocolID),
			zap.String("amount", ev.Amount.String()))
		// Audit is best effort; the backfill already committed.
		if err := a.store.AppendAudit(ctx, &model.AuditLogEntry{
			ID:         uuid.NewString(),
			Action:     model.AuditDriftRepaired,
			Actor:      "reconciliation",
			ProtocolID: ev.ProtocolID,
			Amount:     ev.Amount,
			TxRef:      ev.TxRef,
			Detail:     "ledger credited for un-attributed on-chain deposits",
			CreatedAt:  now,
		}); err != nil {
			zap.L().Warn("drift repair audit append failed",
				zap.String("protocol_id", ev.ProtocolID),
				zap.Error(err))
		}
	}
	return n, nil
}
