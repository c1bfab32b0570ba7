package fundgate

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
	"github.com/shieldpool/bounty-cli/internal/resilience"
	"github.com/shieldpool/bounty-cli/internal/store"
	"github.com/shieldpool/bounty-cli/pkg/escrow"
	"github.com/shieldpool/bounty-cli/pkg/token"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const escrowAddr = "0xescrow"

type fakeToken struct {
	allowance string
	statuses  []string
	submitted []string
	// grantOnSubmit sets the allowance as soon as a transaction is
	// broadcast, simulating a fast-confirming approval.
	grantOnSubmit string
}

func (f *fakeToken) Allowance(_ context.Context, _, _ string) (string, error) {
	if f.allowance == "" {
		return "0", nil
	}
	return f.allowance, nil
}

func (f *fakeToken) Balance(_ context.Context, _ string) (string, error) {
	return "0", nil
}

func (f *fakeToken) BuildApproval(_ context.Context, spender, amount string) (*token.UnsignedTx, error) {
	return &token.UnsignedTx{To: spender, Data: "approve:" + amount}, nil
}

func (f *fakeToken) SubmitTransaction(_ context.Context, signedTx string) (*token.TxReceipt, error) {
	f.submitted = append(f.submitted, signedTx)
	if f.grantOnSubmit != "" {
		f.allowance = f.grantOnSubmit
	}
	return &token.TxReceipt{
		TxHash:    fmt.Sprintf("0xtx-%d", len(f.submitted)),
		Status:    token.TxStatusPending,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (f *fakeToken) TransactionStatus(_ context.Context, _ string) (string, error) {
	if len(f.statuses) == 0 {
		return token.TxStatusConfirmed, nil
	}
	status := f.statuses[0]
	f.statuses = f.statuses[1:]
	return status, nil
}

type fakeEscrow struct {
	balances map[string]string
}

func (f *fakeEscrow) ProtocolBalance(_ context.Context, onChainID string) (string, error) {
	if b, ok := f.balances[onChainID]; ok {
		return b, nil
	}
	return "0", nil
}

func (f *fakeEscrow) ReleaseBounty(_ context.Context, _ escrow.ReleaseRequest) (*escrow.ReleaseReceipt, error) {
	return nil, eris.New("not implemented")
}

func (f *fakeEscrow) BountyAmount(_ context.Context, _ string) (string, error) {
	return "0", nil
}

func (f *fakeEscrow) RegisterProtocol(_ context.Context, _, _ string) (*escrow.RegisterReceipt, error) {
	return nil, eris.New("not implemented")
}

func (f *fakeEscrow) IsRegistered(_ context.Context, _ string) (bool, error) {
	return true, nil
}

type gateFixture struct {
	store  store.Store
	token  *fakeToken
	escrow *fakeEscrow
	gate   *Gate
}

func fastPoll() resilience.PollConfig {
	return resilience.PollConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     1.5,
	}
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	require.NoError(t, st.CreateProtocol(context.Background(), &model.Protocol{
		ID:         "prot-1",
		Name:       "Test Protocol",
		OnChainID:  model.DeriveOnChainID("prot-1"),
		MinDeposit: money.MustParse("50000"),
	}))

	fx := &gateFixture{
		store:  st,
		token:  &fakeToken{},
		escrow: &fakeEscrow{balances: map[string]string{}},
	}
	fx.gate = New(st, fx.token, fx.escrow, escrowAddr, WithPollConfig(fastPoll()))
	return fx
}

func TestGate_FullWizard(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	_, err := fx.gate.Begin(ctx, "prot-1", "0xdepositor", money.MustParse("75000"))
	require.NoError(t, err)

	unsigned, err := fx.gate.BuildApproval(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, escrowAddr, unsigned.To)
	assert.Equal(t, "approve:75000", unsigned.Data)

	fx.token.grantOnSubmit = "75000"
	require.NoError(t, fx.gate.SubmitApproval(ctx, "prot-1", "signed-approval"))

	fx.token.statuses = []string{token.TxStatusPending, token.TxStatusConfirmed}
	require.NoError(t, fx.gate.Fund(ctx, "prot-1", "signed-deposit"))

	p, err := fx.store.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, model.FundingStateFunding, p.FundingState)
	assert.Equal(t, money.MustParse("75000"), p.TotalDeposited)

	fx.escrow.balances[model.DeriveOnChainID("prot-1")] = "75000"
	result, err := fx.gate.Verify(ctx, "prot-1")
	require.NoError(t, err)
	assert.True(t, result.Funded)

	p, err = fx.store.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, model.FundingStateFunded, p.FundingState)

	step, err := fx.gate.Resume(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, StepDone, step)
}

func TestGate_AmountChangeResetsApproval(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	_, err := fx.gate.Begin(ctx, "prot-1", "0xdepositor", money.MustParse("1000"))
	require.NoError(t, err)

	fx.token.grantOnSubmit = "1000"
	require.NoError(t, fx.gate.SubmitApproval(ctx, "prot-1", "signed-approval"))

	// Lowering the amount resets the approval even though the on-chain
	// allowance of 1000 would cover the new 500.
	s, err := fx.gate.Begin(ctx, "prot-1", "0xdepositor", money.MustParse("500"))
	require.NoError(t, err)
	assert.False(t, s.Approved)

	err = fx.gate.Fund(ctx, "prot-1", "signed-deposit")
	assert.True(t, eris.Is(err, ErrNotApproved))
}

func TestGate_FundRequiresApproval(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	_, err := fx.gate.Begin(ctx, "prot-1", "0xdepositor", money.MustParse("1000"))
	require.NoError(t, err)

	err = fx.gate.Fund(ctx, "prot-1", "signed-deposit")
	assert.True(t, eris.Is(err, ErrNotApproved))
	assert.Empty(t, fx.token.submitted, "nothing broadcast")
}

func TestGate_FundTransactionFailed(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	_, err := fx.gate.Begin(ctx, "prot-1", "0xdepositor", money.MustParse("1000"))
	require.NoError(t, err)
	fx.token.grantOnSubmit = "1000"
	require.NoError(t, fx.gate.SubmitApproval(ctx, "prot-1", "signed-approval"))

	fx.token.statuses = []string{token.TxStatusFailed}
	err = fx.gate.Fund(ctx, "prot-1", "signed-deposit")
	assert.True(t, eris.Is(err, ErrTransactionFailed))

	p, err := fx.store.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), p.TotalDeposited, "no ledger credit")
}

func TestGate_ApprovalPollBudgetExhausted(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	_, err := fx.gate.Begin(ctx, "prot-1", "0xdepositor", money.MustParse("1000"))
	require.NoError(t, err)

	// Allowance never reaches the requested amount.
	err = fx.gate.SubmitApproval(ctx, "prot-1", "signed-approval")
	assert.True(t, eris.Is(err, resilience.ErrPollBudgetExhausted))

	s, err := fx.gate.Session("prot-1")
	require.NoError(t, err)
	assert.False(t, s.Approved)
}

func TestGate_VerifyShortfall(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	_, err := fx.gate.Begin(ctx, "prot-1", "0xdepositor", money.MustParse("30000"))
	require.NoError(t, err)
	fx.token.grantOnSubmit = "30000"
	require.NoError(t, fx.gate.SubmitApproval(ctx, "prot-1", "signed-approval"))
	require.NoError(t, fx.gate.Fund(ctx, "prot-1", "signed-deposit"))

	fx.escrow.balances[model.DeriveOnChainID("prot-1")] = "30000"
	result, err := fx.gate.Verify(ctx, "prot-1")
	require.NoError(t, err)
	assert.False(t, result.Funded)
	assert.Equal(t, money.MustParse("20000"), result.Shortfall)

	p, err := fx.store.GetProtocol(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, model.FundingStateFunding, p.FundingState, "not promoted")

	// A top-up deposit outside the wizard; re-verify without repeating
	// approve or fund.
	fx.escrow.balances[model.DeriveOnChainID("prot-1")] = "55000"
	result, err = fx.gate.Verify(ctx, "prot-1")
	require.NoError(t, err)
	assert.True(t, result.Funded)
}

func TestGate_VerifyBeforeFund(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	_, err := fx.gate.Begin(ctx, "prot-1", "0xdepositor", money.MustParse("1000"))
	require.NoError(t, err)

	_, err = fx.gate.Verify(ctx, "prot-1")
	assert.True(t, eris.Is(err, ErrNotFunded))
}

func TestGate_Resume(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	// No session yet: start at approve.
	step, err := fx.gate.Resume(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, StepApprove, step)

	_, err = fx.gate.Begin(ctx, "prot-1", "0xdepositor", money.MustParse("60000"))
	require.NoError(t, err)

	step, err = fx.gate.Resume(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, StepApprove, step)

	fx.token.grantOnSubmit = "60000"
	require.NoError(t, fx.gate.SubmitApproval(ctx, "prot-1", "signed-approval"))

	step, err = fx.gate.Resume(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, StepFund, step)

	// Balance already on-chain past the minimum: resume lands on verify.
	fx.escrow.balances[model.DeriveOnChainID("prot-1")] = "60000"
	step, err = fx.gate.Resume(ctx, "prot-1")
	require.NoError(t, err)
	assert.Equal(t, StepVerify, step)
}
