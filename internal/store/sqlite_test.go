package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedProtocol(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateProtocol(context.Background(), &model.Protocol{
		ID:         id,
		Name:       "Test Protocol",
		OnChainID:  "0x" + id,
		MinDeposit: money.MustParse("50000"),
	}))
}

func TestSQLiteStore_ProtocolLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	seedProtocol(t, s, "prot-1")

	p, err := s.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, model.FundingStateUnfunded, p.FundingState)
	assert.False(t, p.Registered)
	assert.Equal(t, money.MustParse("50000"), p.MinDeposit)

	require.NoError(t, s.SetProtocolRegistered(ctx, "prot-1"))
	require.NoError(t, s.UpdateFundingState(ctx, "prot-1", model.FundingStateFunded))

	p, err = s.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.True(t, p.Registered)
	assert.Equal(t, model.FundingStateFunded, p.FundingState)

	_, err = s.GetProtocol(ctx, "missing")
	assert.True(t, eris.Is(err, ErrNotFound))

	err = s.CreateProtocol(ctx, &model.Protocol{ID: "prot-1", Name: "dup", OnChainID: "0xother"})
	assert.True(t, eris.Is(err, ErrConflict))
}

func TestSQLiteStore_ApplyDeposit(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	seedProtocol(t, s, "prot-1")

	require.NoError(t, s.ApplyDeposit(ctx, &model.DepositEvent{
		ID:          "dep-1",
		ProtocolID:  "prot-1",
		Amount:      money.MustParse("75000"),
		TxRef:       "0xfund1",
		Depositor:   "0xtreasury",
		DepositedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.ApplyDeposit(ctx, &model.DepositEvent{
		ID:          "dep-2",
		ProtocolID:  "prot-1",
		Amount:      money.MustParse("25000"),
		TxRef:       "0xfund2",
		Depositor:   "0xtreasury",
		DepositedAt: time.Now().UTC(),
	}))

	p, err := s.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("100000"), p.TotalDeposited)
	assert.Equal(t, money.MustParse("100000"), p.Available)
	assert.Equal(t, money.Amount(0), p.Paid)

	deposits, err := s.ListDeposits(ctx, "prot-1", 10)
	require.NoError(t, err)
	assert.Len(t, deposits, 2)
}

func TestSQLiteStore_BackfillDeposits(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	seedProtocol(t, s, "prot-1")
	require.NoError(t, s.ApplyDeposit(ctx, &model.DepositEvent{
		ID: "dep-1", ProtocolID: "prot-1", Amount: money.MustParse("100000"),
		TxRef: "0xfund", DepositedAt: time.Now().UTC(),
	}))

	n, err := s.BackfillDeposits(ctx, []model.DepositEvent{
		{ID: "dep-2", ProtocolID: "prot-1", Amount: money.MustParse("250.5"),
			TxRef: "drift-repair", Depositor: "reconciliation", DepositedAt: time.Now().UTC()},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	p, err := s.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("100250.5"), p.TotalDeposited)
	assert.Equal(t, money.MustParse("100250.5"), p.Available)

	deposits, err := s.ListDeposits(ctx, "prot-1", 10)
	require.NoError(t, err)
	assert.Len(t, deposits, 2)

	// Unknown protocol rolls the whole batch back.
	_, err = s.BackfillDeposits(ctx, []model.DepositEvent{
		{ID: "dep-3", ProtocolID: "missing", Amount: money.MustParse("1"),
			TxRef: "drift-repair", DepositedAt: time.Now().UTC()},
	})
	assert.True(t, eris.Is(err, ErrNotFound))
	deposits, err = s.ListDeposits(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, deposits)
}

func TestSQLiteStore_VulnerabilityDedup(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	seedProtocol(t, s, "prot-1")

	first := &model.Vulnerability{
		ID:           "vuln-1",
		ProtocolID:   "prot-1",
		ValidationID: "val-1",
		ContentHash:  "hash-1",
		Severity:     model.SeverityCritical,
		VulnType:     "reentrancy",
	}
	got, created, err := s.FindOrCreateVulnerability(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "vuln-1", got.ID)

	// Same protocol and content hash, different validation run.
	dup := &model.Vulnerability{
		ID:           "vuln-2",
		ProtocolID:   "prot-1",
		ValidationID: "val-2",
		ContentHash:  "hash-1",
		Severity:     model.SeverityCritical,
	}
	got, created, err = s.FindOrCreateVulnerability(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "vuln-1", got.ID)
	assert.Equal(t, "val-1", got.ValidationID)

	// Same hash on a different protocol is a distinct finding.
	seedProtocol(t, s, "prot-2")
	other := &model.Vulnerability{
		ID:           "vuln-3",
		ProtocolID:   "prot-2",
		ValidationID: "val-3",
		ContentHash:  "hash-1",
		Severity:     model.SeverityCritical,
	}
	_, created, err = s.FindOrCreateVulnerability(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSQLiteStore_SettlementLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	seedProtocol(t, s, "prot-1")
	require.NoError(t, s.ApplyDeposit(ctx, &model.DepositEvent{
		ID: "dep-1", ProtocolID: "prot-1", Amount: money.MustParse("100000"),
		TxRef: "0xfund", DepositedAt: time.Now().UTC(),
	}))

	_, _, err := s.FindOrCreateVulnerability(ctx, &model.Vulnerability{
		ID: "vuln-1", ProtocolID: "prot-1", ValidationID: "val-1",
		ContentHash: "hash-1", Severity: model.SeverityHigh,
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateVulnerabilityBounty(ctx, "vuln-1", money.MustParse("10000")))

	require.NoError(t, s.CreatePayment(ctx, &model.Payment{
		ID:              "pay-1",
		VulnerabilityID: "vuln-1",
		ProtocolID:      "prot-1",
		Amount:          money.MustParse("10000"),
		Recipient:       "0xresearcher",
		Severity:        model.SeverityHigh,
	}))

	// Duplicate payment for the same vulnerability and recipient is rejected.
	err = s.CreatePayment(ctx, &model.Payment{
		ID:              "pay-2",
		VulnerabilityID: "vuln-1",
		ProtocolID:      "prot-1",
		Amount:          money.MustParse("10000"),
		Recipient:       "0xresearcher",
		Severity:        model.SeverityHigh,
	})
	assert.True(t, eris.Is(err, ErrConflict))

	paidAt := time.Now().UTC()
	require.NoError(t, s.CompleteSettlement(ctx, Settlement{
		PaymentID: "pay-1",
		TxRef:     "0xtxhash",
		Amount:    money.MustParse("10000"),
		PaidAt:    paidAt,
	}))

	p, err := s.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCompleted, p.Status)
	require.NotNil(t, p.TxRef)
	assert.Equal(t, "0xtxhash", *p.TxRef)
	require.NotNil(t, p.PaidAt)

	v, err := s.GetVulnerability(ctx, "vuln-1")
	require.NoError(t, err)
	assert.Equal(t, model.VulnStatusPaid, v.Status)

	prot, err := s.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("10000"), prot.Paid)
	assert.Equal(t, money.MustParse("90000"), prot.Available)
	assert.Equal(t, money.MustParse("100000"), prot.TotalDeposited)

	// Settling again is refused and balances stay put.
	err = s.CompleteSettlement(ctx, Settlement{
		PaymentID: "pay-1", TxRef: "0xother",
		Amount: money.MustParse("10000"), PaidAt: time.Now().UTC(),
	})
	assert.True(t, eris.Is(err, ErrAlreadyCompleted))

	prot, err = s.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("10000"), prot.Paid)

	// So is failing a completed payment.
	err = s.MarkPaymentFailed(ctx, "pay-1", "late gateway error")
	assert.True(t, eris.Is(err, ErrAlreadyCompleted))
}

func TestSQLiteStore_MarkPaymentFailed(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	seedProtocol(t, s, "prot-1")
	_, _, err := s.FindOrCreateVulnerability(ctx, &model.Vulnerability{
		ID: "vuln-1", ProtocolID: "prot-1", ValidationID: "val-1",
		ContentHash: "hash-1", Severity: model.SeverityLow,
	})
	require.NoError(t, err)
	require.NoError(t, s.CreatePayment(ctx, &model.Payment{
		ID: "pay-1", VulnerabilityID: "vuln-1", ProtocolID: "prot-1",
		Amount: money.MustParse("500"), Recipient: "0xresearcher", Severity: model.SeverityLow,
	}))

	require.NoError(t, s.MarkPaymentFailed(ctx, "pay-1", "escrow gateway: node is syncing"))
	require.NoError(t, s.MarkPaymentFailed(ctx, "pay-1", "escrow gateway: timeout"))

	p, err := s.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, p.Status)
	assert.Equal(t, 2, p.RetryCount)
	require.NotNil(t, p.FailureReason)
	assert.Equal(t, "escrow gateway: timeout", *p.FailureReason)

	err = s.MarkPaymentFailed(ctx, "missing", "whatever")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLiteStore_ListPayments(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	seedProtocol(t, s, "prot-1")
	for i, sev := range []model.Severity{model.SeverityHigh, model.SeverityMedium, model.SeverityLow} {
		id := string(rune('a' + i))
		_, _, err := s.FindOrCreateVulnerability(ctx, &model.Vulnerability{
			ID: "vuln-" + id, ProtocolID: "prot-1", ValidationID: "val-" + id,
			ContentHash: "hash-" + id, Severity: sev,
		})
		require.NoError(t, err)
		require.NoError(t, s.CreatePayment(ctx, &model.Payment{
			ID: "pay-" + id, VulnerabilityID: "vuln-" + id, ProtocolID: "prot-1",
			Amount: money.MustParse("100"), Recipient: "0xresearcher", Severity: sev,
			QueuedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.CompleteSettlement(ctx, Settlement{
		PaymentID: "pay-a", TxRef: "0xaaa",
		Amount: money.MustParse("100"), PaidAt: time.Now().UTC(),
	}))

	all, err := s.ListPayments(ctx, PaymentFilter{ProtocolID: "prot-1"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "pay-c", all[0].ID, "newest first")

	completed, err := s.ListPayments(ctx, PaymentFilter{Status: model.PaymentStatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "pay-a", completed[0].ID)

	limited, err := s.ListPayments(ctx, PaymentFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteStore_AuditLog(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	paymentID := "pay-1"
	require.NoError(t, s.AppendAudit(ctx, &model.AuditLogEntry{
		ID: "audit-1", Action: model.AuditProtocolRegistered,
		Actor: "operator", ProtocolID: "prot-1",
	}))
	require.NoError(t, s.AppendAudit(ctx, &model.AuditLogEntry{
		ID: "audit-2", Action: model.AuditSettlementCompleted,
		Actor: "operator", ProtocolID: "prot-1", PaymentID: &paymentID,
		Amount: money.MustParse("10000"), TxRef: "0xtxhash",
	}))

	entries, err := s.ListAudit(ctx, AuditFilter{ProtocolID: "prot-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	settlements, err := s.ListAudit(ctx, AuditFilter{Action: model.AuditSettlementCompleted})
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.Equal(t, money.MustParse("10000"), settlements[0].Amount)
	require.NotNil(t, settlements[0].PaymentID)
	assert.Equal(t, "pay-1", *settlements[0].PaymentID)
}
