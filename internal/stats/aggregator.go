// Package stats derives reporting views over the ledger: pool status,
// researcher earnings, the leaderboard, zero-filled time series, and drift
// reconciliation. Drift repair is the one mutation here, and it only credits
// deposits; payment state is never touched.
package stats

import (
	"context"
	"sort"
	"time"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
	"github.com/shieldpool/bounty-cli/internal/store"
)

// Transaction is one row of a pool's recent activity, merged from deposit
// events and completed payments.
type Transaction struct {
	Type         string       `json:"type"` // "deposit" or "payment"
	Amount       money.Amount `json:"amount"`
	TxRef        string       `json:"tx_ref"`
	Counterparty string       `json:"counterparty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// PoolStatus is the reconciled view of one protocol's bounty pool.
type PoolStatus struct {
	ProtocolID   string             `json:"protocol_id"`
	FundingState model.FundingState `json:"funding_state"`
	// Available is recomputed with the pending reserve held back:
	// deposited - paid - pending, floored at zero.
	Available      money.Amount  `json:"available"`
	TotalDeposited money.Amount  `json:"total_deposited"`
	TotalPaid      money.Amount  `json:"total_paid"`
	PendingCount   int           `json:"pending_count"`
	PendingSum     money.Amount  `json:"pending_sum"`
	Recent         []Transaction `json:"recent"`
}

// Earnings summarizes a researcher's completed payouts.
type Earnings struct {
	Address    string                          `json:"address"`
	Total      money.Amount                    `json:"total"`
	Count      int                             `json:"count"`
	BySeverity map[model.Severity]money.Amount `json:"by_severity"`
}

// LeaderboardEntry is one ranked researcher.
type LeaderboardEntry struct {
	Rank    int          `json:"rank"`
	Address string       `json:"address"`
	Total   money.Amount `json:"total"`
	Count   int          `json:"count"`
	Average money.Amount `json:"average"`
}

// Bucket is one day of a payout time series.
type Bucket struct {
	Date  string       `json:"date"` // YYYY-MM-DD, UTC
	Total money.Amount `json:"total"`
	Count int          `json:"count"`
}

// Aggregator computes reporting views. All reads go through the ledger store.
type Aggregator struct {
	store store.Store
}

// New creates an aggregator over the ledger.
func New(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// PoolStatus returns the pool view for a protocol with its recentN most
// recent transactions, deposits and completed payments merged and sorted by
// timestamp descending.
func (a *Aggregator) PoolStatus(ctx context.Context, protocolID string, recentN int) (*PoolStatus, error) {
	if recentN <= 0 {
		recentN = 10
	}

	protocol, err := a.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, err
	}

	pending, err := a.store.ListPayments(ctx, store.PaymentFilter{
		Status:     model.PaymentStatusPending,
		ProtocolID: protocolID,
	})
	if err != nil {
		return nil, err
	}
	var pendingSum money.Amount
	for _, p := range pending {
		pendingSum = pendingSum.Add(p.Amount)
	}

	deposits, err := a.store.ListDeposits(ctx, protocolID, recentN)
	if err != nil {
		return nil, err
	}
	completed, err := a.store.ListPayments(ctx, store.PaymentFilter{
		Status:     model.PaymentStatusCompleted,
		ProtocolID: protocolID,
		Limit:      recentN,
	})
	if err != nil {
		return nil, err
	}

	recent := make([]Transaction, 0, len(deposits)+len(completed))
	for _, d := range deposits {
		recent = append(recent, Transaction{
			Type:         "deposit",
			Amount:       d.Amount,
			TxRef:        d.TxRef,
			Counterparty: d.Depositor,
			Timestamp:    d.DepositedAt,
		})
	}
	for _, p := range completed {
		tx := Transaction{
			Type:         "payment",
			Amount:       p.Amount,
			Counterparty: p.Recipient,
		}
		if p.TxRef != nil {
			tx.TxRef = *p.TxRef
		}
		if p.PaidAt != nil {
			tx.Timestamp = *p.PaidAt
		}
		recent = append(recent, tx)
	}
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].Timestamp.After(recent[j].Timestamp)
	})
	if len(recent) > recentN {
		recent = recent[:recentN]
	}

	return &PoolStatus{
		ProtocolID:     protocol.ID,
		FundingState:   protocol.FundingState,
		Available:      protocol.Spendable(pendingSum),
		TotalDeposited: protocol.TotalDeposited,
		TotalPaid:      protocol.Paid,
		PendingCount:   len(pending),
		PendingSum:     pendingSum,
		Recent:         recent,
	}, nil
}

// ResearcherEarnings sums a researcher's COMPLETED payments grouped by
// severity. Pending and failed payments never count.
func (a *Aggregator) ResearcherEarnings(ctx context.Context, address string) (*Earnings, error) {
	completed, err := a.store.ListPayments(ctx, store.PaymentFilter{
		Status:    model.PaymentStatusCompleted,
		Recipient: address,
	})
	if err != nil {
		return nil, err
	}

	earnings := &Earnings{
		Address:    address,
		BySeverity: make(map[model.Severity]money.Amount),
	}
	for _, p := range completed {
		earnings.Total = earnings.Total.Add(p.Amount)
		earnings.Count++
		earnings.BySeverity[p.Severity] = earnings.BySeverity[p.Severity].Add(p.Amount)
	}
	return earnings, nil
}

// Leaderboard ranks the top-N researchers by completed earnings. The order
// is total: earnings descending, then payment count descending, then address
// ascending, so pagination is deterministic.
func (a *Aggregator) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	completed, err := a.store.ListPayments(ctx, store.PaymentFilter{
		Status: model.PaymentStatusCompleted,
	})
	if err != nil {
		return nil, err
	}

	byAddress := make(map[string][]money.Amount)
	for _, p := range completed {
		byAddress[p.Recipient] = append(byAddress[p.Recipient], p.Amount)
	}

	entries := make([]LeaderboardEntry, 0, len(byAddress))
	for address, amounts := range byAddress {
		entries = append(entries, LeaderboardEntry{
			Address: address,
			Total:   money.Sum(amounts),
			Count:   len(amounts),
			Average: money.Average(amounts),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Total != entries[j].Total {
			return entries[i].Total > entries[j].Total
		}
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Address < entries[j].Address
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// TimeSeries buckets completed payments by UTC day over a trailing window of
// days, ending today. Every day is present; days with no activity are zero.
func (a *Aggregator) TimeSeries(ctx context.Context, protocolID string, days int) ([]Bucket, error) {
	if days <= 0 {
		days = 7
	}

	now := time.Now().UTC()
	windowStart := now.AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)

	completed, err := a.store.ListPayments(ctx, store.PaymentFilter{
		Status:     model.PaymentStatusCompleted,
		ProtocolID: protocolID,
		PaidAfter:  windowStart,
	})
	if err != nil {
		return nil, err
	}

	// Zero-fill first so consumers never see missing days.
	buckets := make([]Bucket, days)
	index := make(map[string]int, days)
	for i := 0; i < days; i++ {
		date := windowStart.AddDate(0, 0, i).Format("2006-01-02")
		buckets[i] = Bucket{Date: date}
		index[date] = i
	}

	for _, p := range completed {
		if p.PaidAt == nil {
			continue
		}
		date := p.PaidAt.UTC().Format("2006-01-02")
		i, ok := index[date]
		if !ok {
			continue
		}
		buckets[i].Total = buckets[i].Total.Add(p.Amount)
		buckets[i].Count++
	}
	return buckets, nil
}
