package settle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shieldpool/bounty-cli/internal/bounty"
	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
	"github.com/shieldpool/bounty-cli/internal/store"
	"github.com/shieldpool/bounty-cli/pkg/escrow"
	"github.com/shieldpool/bounty-cli/pkg/validation"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeValidation struct {
	validations map[string]*validation.Validation
	findings    map[string]*validation.Finding
	proofs      map[string]*validation.Proof
}

func (f *fakeValidation) GetValidation(_ context.Context, id string) (*validation.Validation, error) {
	v, ok := f.validations[id]
	if !ok {
		return nil, eris.Wrapf(validation.ErrNotFound, "%s", id)
	}
	return v, nil
}

func (f *fakeValidation) FindingByValidation(_ context.Context, validationID string) (*validation.Finding, error) {
	fd, ok := f.findings[validationID]
	if !ok {
		return nil, eris.Wrapf(validation.ErrNotFound, "finding for %s", validationID)
	}
	return fd, nil
}

func (f *fakeValidation) LatestProof(_ context.Context, protocolID string) (*validation.Proof, error) {
	p, ok := f.proofs[protocolID]
	if !ok {
		return nil, eris.Wrapf(validation.ErrNotFound, "proof for %s", protocolID)
	}
	return p, nil
}

type fakeEscrow struct {
	mu         sync.Mutex
	registered map[string]bool
	balances   map[string]string
	releaseErr error
	releases   []escrow.ReleaseRequest
}

func (f *fakeEscrow) ProtocolBalance(_ context.Context, onChainID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[onChainID], nil
}

func (f *fakeEscrow) ReleaseBounty(_ context.Context, req escrow.ReleaseRequest) (*escrow.ReleaseReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}
	f.releases = append(f.releases, req)
	return &escrow.ReleaseReceipt{
		TxHash:          "0xtx-" + req.ValidationRef,
		EscrowPaymentID: "esc-1",
		Timestamp:       time.Now().UTC(),
	}, nil
}

func (f *fakeEscrow) BountyAmount(_ context.Context, _ string) (string, error) {
	return "0", nil
}

func (f *fakeEscrow) RegisterProtocol(_ context.Context, onChainID, _ string) (*escrow.RegisterReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[onChainID] = true
	return &escrow.RegisterReceipt{TxHash: "0xreg", Timestamp: time.Now().UTC()}, nil
}

func (f *fakeEscrow) IsRegistered(_ context.Context, onChainID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[onChainID], nil
}

type fixture struct {
	store      store.Store
	validation *fakeValidation
	escrow     *fakeEscrow
	orch       *Orchestrator
	events     []Event
	mu         sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	fx := &fixture{
		store: st,
		validation: &fakeValidation{
			validations: map[string]*validation.Validation{},
			findings:    map[string]*validation.Finding{},
			proofs:      map[string]*validation.Proof{},
		},
		escrow: &fakeEscrow{
			registered: map[string]bool{},
			balances:   map[string]string{},
		},
	}
	fx.orch = New(fx.store, fx.validation, fx.escrow, bounty.NewCalculator(nil),
		WithNotifier(func(evt Event) {
			fx.mu.Lock()
			fx.events = append(fx.events, evt)
			fx.mu.Unlock()
		}))
	return fx
}

// seedConfirmed wires a funded, registered protocol with one confirmed
// high-severity validation and returns the validation id.
func (fx *fixture) seedConfirmed(t *testing.T, protocolID, balance string) string {
	t.Helper()
	ctx := context.Background()

	onChainID := model.DeriveOnChainID(protocolID)
	require.NoError(t, fx.store.CreateProtocol(ctx, &model.Protocol{
		ID:        protocolID,
		Name:      "Test Protocol",
		OnChainID: onChainID,
	}))
	require.NoError(t, fx.store.ApplyDeposit(ctx, &model.DepositEvent{
		ID:          "dep-" + protocolID,
		ProtocolID:  protocolID,
		Amount:      money.MustParse(balance),
		TxRef:       "0xfund",
		DepositedAt: time.Now().UTC(),
	}))

	fx.escrow.registered[onChainID] = true
	fx.escrow.balances[onChainID] = balance
	fx.validation.validations["val-1"] = &validation.Validation{
		ID:       "val-1",
		Outcome:  validation.OutcomeConfirmed,
		Severity: "high",
		VulnType: "reentrancy",
	}
	fx.validation.findings["val-1"] = &validation.Finding{
		ID:          "find-1",
		ProtocolID:  protocolID,
		Researcher:  "0xresearcher",
		ContentHash: "hash-1",
	}
	fx.validation.proofs[protocolID] = &validation.Proof{
		ValidationRef: "proof-ref-1",
		ProofHash:     "hash-1",
	}
	return "val-1"
}

func TestCreatePaymentFromValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	valID := fx.seedConfirmed(t, "prot-1", "100000")

	p, err := fx.orch.CreatePaymentFromValidation(ctx, valID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, p.Status)
	assert.Equal(t, money.MustParse("10000"), p.Amount, "high severity tier")
	assert.Equal(t, "0xresearcher", p.Recipient)
	assert.Equal(t, model.SeverityHigh, p.Severity)

	v, err := fx.store.GetVulnerability(ctx, p.VulnerabilityID)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("10000"), v.BountyAmount)

	entries, err := fx.store.ListAudit(ctx, store.AuditFilter{Action: model.AuditPaymentCreated})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCreatePaymentFromValidation_Idempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	valID := fx.seedConfirmed(t, "prot-1", "100000")

	first, err := fx.orch.CreatePaymentFromValidation(ctx, valID)
	require.NoError(t, err)

	second, err := fx.orch.CreatePaymentFromValidation(ctx, valID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "repeat calls return the original payment")

	// A fresh validation of the same finding content maps to the same
	// vulnerability and therefore the same payment.
	fx.validation.validations["val-2"] = &validation.Validation{
		ID:       "val-2",
		Outcome:  validation.OutcomeConfirmed,
		Severity: "high",
		VulnType: "reentrancy",
	}
	fx.validation.findings["val-2"] = &validation.Finding{
		ID:          "find-1",
		ProtocolID:  "prot-1",
		Researcher:  "0xresearcher",
		ContentHash: "hash-1",
	}
	third, err := fx.orch.CreatePaymentFromValidation(ctx, "val-2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
}

func TestCreatePaymentFromValidation_Errors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedConfirmed(t, "prot-1", "100000")

	_, err := fx.orch.CreatePaymentFromValidation(ctx, "missing")
	assert.True(t, eris.Is(err, ErrValidationNotFound))

	fx.validation.validations["val-rejected"] = &validation.Validation{
		ID:      "val-rejected",
		Outcome: "rejected",
	}
	_, err = fx.orch.CreatePaymentFromValidation(ctx, "val-rejected")
	assert.True(t, eris.Is(err, ErrValidationNotConfirmed))

	fx.validation.validations["val-orphan"] = &validation.Validation{
		ID:       "val-orphan",
		Outcome:  validation.OutcomeConfirmed,
		Severity: "low",
	}
	_, err = fx.orch.CreatePaymentFromValidation(ctx, "val-orphan")
	assert.True(t, eris.Is(err, ErrFindingNotFound))

	fx.validation.findings["val-orphan"] = &validation.Finding{
		ID:          "find-x",
		ProtocolID:  "unknown-protocol",
		Researcher:  "0xsomeone",
		ContentHash: "hash-x",
	}
	_, err = fx.orch.CreatePaymentFromValidation(ctx, "val-orphan")
	assert.True(t, eris.Is(err, ErrProtocolNotFound))
}

func TestProcessPayment_Settles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	valID := fx.seedConfirmed(t, "prot-1", "100000")

	p, err := fx.orch.CreatePaymentFromValidation(ctx, valID)
	require.NoError(t, err)

	settled, err := fx.orch.ProcessPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCompleted, settled.Status)
	require.NotNil(t, settled.TxRef)
	assert.Equal(t, "0xtx-proof-ref-1", *settled.TxRef)

	require.Len(t, fx.escrow.releases, 1)
	assert.Equal(t, "0xresearcher", fx.escrow.releases[0].Recipient)
	assert.Equal(t, "high", fx.escrow.releases[0].Severity)

	prot, err := fx.store.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("10000"), prot.Paid)
	assert.Equal(t, money.MustParse("90000"), prot.Available)

	v, err := fx.store.GetVulnerability(ctx, p.VulnerabilityID)
	require.NoError(t, err)
	assert.Equal(t, model.VulnStatusPaid, v.Status)

	var types []EventType
	for _, evt := range fx.events {
		types = append(types, evt.Type)
	}
	assert.Equal(t, []EventType{EventPaymentCreated, EventSettlementStarted, EventSettlementCompleted}, types)

	// A second attempt is terminal.
	_, err = fx.orch.ProcessPayment(ctx, p.ID)
	assert.True(t, eris.Is(err, ErrAlreadyCompleted))
}

func TestProcessPayment_InsufficientFunds(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	valID := fx.seedConfirmed(t, "prot-1", "100000")

	p, err := fx.orch.CreatePaymentFromValidation(ctx, valID)
	require.NoError(t, err)

	// On-chain pool can only cover 3.00 against a 10000.00 payment.
	fx.escrow.balances[model.DeriveOnChainID("prot-1")] = "3"

	_, err = fx.orch.ProcessPayment(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInsufficientFunds))

	var ife *InsufficientFundsError
	require.True(t, eris.As(err, &ife))
	assert.Equal(t, money.MustParse("10000"), ife.Required)
	assert.Equal(t, money.MustParse("3"), ife.Available)

	assert.Empty(t, fx.escrow.releases, "no transfer attempted")

	failed, err := fx.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)

	prot, err := fx.store.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), prot.Paid, "ledger balances untouched")
	assert.Equal(t, money.MustParse("100000"), prot.Available)
}

func TestProcessPayment_NoValidatedProof(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	valID := fx.seedConfirmed(t, "prot-1", "100000")

	p, err := fx.orch.CreatePaymentFromValidation(ctx, valID)
	require.NoError(t, err)

	delete(fx.validation.proofs, "prot-1")

	_, err = fx.orch.ProcessPayment(ctx, p.ID)
	assert.True(t, eris.Is(err, ErrNoValidatedProof))
}

func TestProcessPayment_ProtocolNotRegistered(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	valID := fx.seedConfirmed(t, "prot-1", "100000")

	p, err := fx.orch.CreatePaymentFromValidation(ctx, valID)
	require.NoError(t, err)

	fx.escrow.registered[model.DeriveOnChainID("prot-1")] = false

	_, err = fx.orch.ProcessPayment(ctx, p.ID)
	assert.True(t, eris.Is(err, ErrProtocolNotRegistered))
	assert.Empty(t, fx.escrow.releases)
}

func TestProcessPayment_OnChainFailureThenRetry(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	valID := fx.seedConfirmed(t, "prot-1", "100000")

	p, err := fx.orch.CreatePaymentFromValidation(ctx, valID)
	require.NoError(t, err)

	fx.escrow.releaseErr = eris.New("escrow: status 502: node is syncing")
	_, err = fx.orch.ProcessPayment(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrOnChainFailure))

	failed, err := fx.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Contains(t, *failed.FailureReason, "node is syncing")

	// Explicit retry after the node recovers.
	fx.escrow.releaseErr = nil
	settled, err := fx.orch.ProcessPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCompleted, settled.Status)

	prot, err := fx.store.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("10000"), prot.Paid)
}

func TestProcessPayment_NotFound(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.orch.ProcessPayment(context.Background(), "missing")
	assert.True(t, eris.Is(err, ErrPaymentNotFound))
}

func TestDrain(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedConfirmed(t, "prot-1", "100000")

	// Three distinct findings on the same protocol.
	for _, id := range []string{"a", "b", "c"} {
		fx.validation.validations["val-"+id] = &validation.Validation{
			ID:       "val-" + id,
			Outcome:  validation.OutcomeConfirmed,
			Severity: "medium",
		}
		fx.validation.findings["val-"+id] = &validation.Finding{
			ID:          "find-" + id,
			ProtocolID:  "prot-1",
			Researcher:  "0xresearcher",
			ContentHash: "hash-" + id,
		}
		_, err := fx.orch.CreatePaymentFromValidation(ctx, "val-"+id)
		require.NoError(t, err)
	}

	result, err := fx.orch.Drain(ctx, DrainConfig{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 3, result.Settled)
	assert.Equal(t, 0, result.Failed)

	completed, err := fx.store.ListPayments(ctx, store.PaymentFilter{Status: model.PaymentStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 3)

	prot, err := fx.store.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("7500"), prot.Paid, "three medium bounties")
}

func TestDrain_SkipsFailedByDefault(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	valID := fx.seedConfirmed(t, "prot-1", "100000")

	p, err := fx.orch.CreatePaymentFromValidation(ctx, valID)
	require.NoError(t, err)
	require.NoError(t, fx.store.MarkPaymentFailed(ctx, p.ID, "previous attempt failed"))

	result, err := fx.orch.Drain(ctx, DrainConfig{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted)

	result, err = fx.orch.Drain(ctx, DrainConfig{IncludeFailed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Settled)
}

// staleQueueStore serves a pending listing captured before another operator
// settled the payments, the race a concurrent drain sees.
type staleQueueStore struct {
	store.Store
	stale []model.Payment
}

func (s *staleQueueStore) ListPayments(_ context.Context, f store.PaymentFilter) ([]model.Payment, error) {
	if f.Status == model.PaymentStatusPending {
		return s.stale, nil
	}
	return nil, nil
}

func TestDrain_SettledElsewhereCountsSkipped(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	valID := fx.seedConfirmed(t, "prot-1", "100000")

	p, err := fx.orch.CreatePaymentFromValidation(ctx, valID)
	require.NoError(t, err)

	stale := *p // snapshot while still pending
	_, err = fx.orch.ProcessPayment(ctx, p.ID)
	require.NoError(t, err)

	// A second drain still holding the pre-settlement listing.
	orch := New(&staleQueueStore{Store: fx.store, stale: []model.Payment{stale}},
		fx.validation, fx.escrow, bounty.NewCalculator(nil))
	result, err := orch.Drain(ctx, DrainConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.Settled)

	// No double release.
	assert.Len(t, fx.escrow.releases, 1)
}
