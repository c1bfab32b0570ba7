// Package fundgate drives the approve/fund/verify protocol a pool owner
// completes before settlement is allowed. Steps are strictly ordered and each
// is resumable from live on-chain state rather than client memory.
package fundgate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
	"github.com/shieldpool/bounty-cli/internal/resilience"
	"github.com/shieldpool/bounty-cli/internal/store"
	"github.com/shieldpool/bounty-cli/pkg/escrow"
	"github.com/shieldpool/bounty-cli/pkg/token"
)

// Step identifies where a funding session currently stands.
type Step string

const (
	StepApprove Step = "approve"
	StepFund    Step = "fund"
	StepVerify  Step = "verify"
	StepDone    Step = "done"
)

var (
	// ErrNoSession indicates no funding session exists for the protocol.
	ErrNoSession = eris.New("fundgate: no active session")

	// ErrNotApproved indicates fund was attempted before the allowance
	// covered the requested amount.
	ErrNotApproved = eris.New("fundgate: approval required")

	// ErrTransactionFailed indicates an on-chain transaction reverted.
	ErrTransactionFailed = eris.New("fundgate: transaction failed")

	// ErrNotFunded indicates fund has not confirmed yet, so verify cannot run.
	ErrNotFunded = eris.New("fundgate: deposit not confirmed")
)

// Session tracks one protocol's progress through the gate. Local state only
// decides approval invalidation on amount change; everything else is derived
// from on-chain queries so a restarted client resumes at the right step.
type Session struct {
	ProtocolID string
	Depositor  string
	Amount     money.Amount

	Approved  bool
	ApproveTx string
	FundTx    string
	Funded    bool
}

// VerifyResult reports the outcome of the verify step.
type VerifyResult struct {
	Funded    bool
	Balance   money.Amount
	Required  money.Amount
	Shortfall money.Amount
}

// Gate is the funding state machine. Safe for concurrent use.
type Gate struct {
	store         store.Store
	token         token.Client
	escrow        escrow.Client
	escrowAddress string
	poll          resilience.PollConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures the gate.
type Option func(*Gate)

// WithPollConfig overrides the allowance/confirmation polling policy.
func WithPollConfig(cfg resilience.PollConfig) Option {
	return func(g *Gate) { g.poll = cfg }
}

// New creates a funding gate. escrowAddress is the spender granted the
// allowance and the recipient of deposits.
func New(st store.Store, tc token.Client, ec escrow.Client, escrowAddress string, opts ...Option) *Gate {
	g := &Gate{
		store:         st,
		token:         tc,
		escrow:        ec,
		escrowAddress: escrowAddress,
		poll:          resilience.DefaultPollConfig(),
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Begin opens (or re-opens) a funding session. Changing the amount of an
// existing session invalidates any prior approval: the depositor must
// re-approve for exactly the new amount, regardless of what the on-chain
// allowance happens to cover.
func (g *Gate) Begin(ctx context.Context, protocolID, depositor string, amount money.Amount) (*Session, error) {
	if _, err := g.store.GetProtocol(ctx, protocolID); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.sessions[protocolID]; ok {
		if s.Amount != amount {
			zap.L().Info("funding amount changed, approval reset",
				zap.String("protocol_id", protocolID),
				zap.String("old", s.Amount.String()),
				zap.String("new", amount.String()))
			s.Amount = amount
			s.Approved = false
			s.ApproveTx = ""
			s.FundTx = ""
			s.Funded = false
		}
		s.Depositor = depositor
		return s.clone(), nil
	}

	s := &Session{ProtocolID: protocolID, Depositor: depositor, Amount: amount}
	g.sessions[protocolID] = s
	return s.clone(), nil
}

// Resume derives the current step from on-chain allowance, escrow balance,
// and the ledger funding state.
func (g *Gate) Resume(ctx context.Context, protocolID string) (Step, error) {
	protocol, err := g.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return "", err
	}
	if protocol.FundingState == model.FundingStateFunded {
		return StepDone, nil
	}

	s, err := g.session(protocolID)
	if err != nil {
		return StepApprove, nil
	}

	balance, err := g.escrowBalance(ctx, protocol.OnChainID)
	if err != nil {
		return "", err
	}
	if balance >= protocol.MinDeposit && protocol.MinDeposit > 0 {
		return StepVerify, nil
	}

	allowance, err := g.allowance(ctx, s.Depositor)
	if err != nil {
		return "", err
	}
	if s.Approved && allowance >= s.Amount {
		return StepFund, nil
	}
	return StepApprove, nil
}

// BuildApproval prepares the approval transaction for exactly the session
// amount. The depositor signs it out of band.
func (g *Gate) BuildApproval(ctx context.Context, protocolID string) (*token.UnsignedTx, error) {
	s, err := g.session(protocolID)
	if err != nil {
		return nil, err
	}
	return g.token.BuildApproval(ctx, g.escrowAddress, s.Amount.String())
}

// SubmitApproval broadcasts the signed approval and polls the on-chain
// allowance until it covers the session amount. Past the soft threshold a
// still-processing warning is logged without failing the step.
func (g *Gate) SubmitApproval(ctx context.Context, protocolID, signedTx string) error {
	s, err := g.session(protocolID)
	if err != nil {
		return err
	}

	receipt, err := g.token.SubmitTransaction(ctx, signedTx)
	if err != nil {
		return err
	}

	cfg := g.poll
	cfg.OnSlow = func(elapsed time.Duration) {
		zap.L().Warn("approval taking longer than expected",
			zap.String("protocol_id", protocolID),
			zap.Duration("elapsed", elapsed))
	}
	err = resilience.Poll(ctx, cfg, func(ctx context.Context) (bool, error) {
		allowance, err := g.allowance(ctx, s.Depositor)
		if err != nil {
			return false, err
		}
		return allowance >= s.Amount, nil
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	if live, ok := g.sessions[protocolID]; ok && live.Amount == s.Amount {
		live.Approved = true
		live.ApproveTx = receipt.TxHash
	}
	g.mu.Unlock()

	zap.L().Info("allowance approved",
		zap.String("protocol_id", protocolID),
		zap.String("amount", s.Amount.String()),
		zap.String("tx_hash", receipt.TxHash))
	return nil
}

// Fund broadcasts the signed deposit transaction and waits for confirmation,
// then records the deposit in the ledger and moves the protocol to FUNDING.
// Requires a completed approval for the current amount.
func (g *Gate) Fund(ctx context.Context, protocolID, signedTx string) error {
	s, err := g.session(protocolID)
	if err != nil {
		return err
	}
	if !s.Approved {
		return eris.Wrapf(ErrNotApproved, "protocol %s amount %s", protocolID, s.Amount)
	}

	receipt, err := g.token.SubmitTransaction(ctx, signedTx)
	if err != nil {
		return err
	}

	cfg := g.poll
	cfg.OnSlow = func(elapsed time.Duration) {
		zap.L().Warn("deposit confirmation taking longer than expected",
			zap.String("protocol_id", protocolID),
			zap.String("tx_hash", receipt.TxHash),
			zap.Duration("elapsed", elapsed))
	}
	err = resilience.Poll(ctx, cfg, func(ctx context.Context) (bool, error) {
		status, err := g.token.TransactionStatus(ctx, receipt.TxHash)
		if err != nil {
			return false, err
		}
		switch status {
		case token.TxStatusConfirmed:
			return true, nil
		case token.TxStatusFailed:
			return false, eris.Wrapf(ErrTransactionFailed, "tx %s", receipt.TxHash)
		default:
			return false, nil
		}
	})
	if err != nil {
		return err
	}

	if err := g.store.ApplyDeposit(ctx, &model.DepositEvent{
		ID:          uuid.NewString(),
		ProtocolID:  protocolID,
		Amount:      s.Amount,
		TxRef:       receipt.TxHash,
		Depositor:   s.Depositor,
		DepositedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	if err := g.store.UpdateFundingState(ctx, protocolID, model.FundingStateFunding); err != nil {
		return err
	}

	g.mu.Lock()
	if live, ok := g.sessions[protocolID]; ok {
		live.FundTx = receipt.TxHash
		live.Funded = true
	}
	g.mu.Unlock()

	zap.L().Info("deposit confirmed",
		zap.String("protocol_id", protocolID),
		zap.String("amount", s.Amount.String()),
		zap.String("tx_hash", receipt.TxHash))
	return nil
}

// Verify re-checks the on-chain escrow balance against the protocol's
// minimum. Passing moves the protocol to FUNDED; a shortfall is reported and
// Verify may be called again without repeating approve or fund.
func (g *Gate) Verify(ctx context.Context, protocolID string) (*VerifyResult, error) {
	protocol, err := g.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	if protocol.FundingState == model.FundingStateUnfunded {
		if s, err := g.session(protocolID); err != nil || !s.Funded {
			return nil, eris.Wrapf(ErrNotFunded, "protocol %s", protocolID)
		}
	}

	balance, err := g.escrowBalance(ctx, protocol.OnChainID)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		Balance:  balance,
		Required: protocol.MinDeposit,
	}
	if balance >= protocol.MinDeposit {
		result.Funded = true
		if err := g.store.UpdateFundingState(ctx, protocolID, model.FundingStateFunded); err != nil {
			return nil, err
		}
		zap.L().Info("protocol funded",
			zap.String("protocol_id", protocolID),
			zap.String("balance", balance.String()))
		return result, nil
	}

	result.Shortfall = protocol.MinDeposit.SubFloor(balance)
	zap.L().Warn("funding verification shortfall",
		zap.String("protocol_id", protocolID),
		zap.String("balance", balance.String()),
		zap.String("required", protocol.MinDeposit.String()),
		zap.String("shortfall", result.Shortfall.String()))
	return result, nil
}

// Session returns a snapshot of the protocol's funding session.
func (g *Gate) Session(protocolID string) (*Session, error) {
	s, err := g.session(protocolID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (g *Gate) session(protocolID string) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[protocolID]
	if !ok {
		return nil, eris.Wrapf(ErrNoSession, "protocol %s", protocolID)
	}
	return s.clone(), nil
}

func (g *Gate) allowance(ctx context.Context, owner string) (money.Amount, error) {
	raw, err := g.token.Allowance(ctx, owner, g.escrowAddress)
	if err != nil {
		return 0, err
	}
	amount, err := money.Parse(raw)
	if err != nil {
		return 0, eris.Wrapf(err, "fundgate: allowance for %s", owner)
	}
	return amount, nil
}

func (g *Gate) escrowBalance(ctx context.Context, onChainID string) (money.Amount, error) {
	raw, err := g.escrow.ProtocolBalance(ctx, onChainID)
	if err != nil {
		return 0, err
	}
	balance, err := money.Parse(raw)
	if err != nil {
		return 0, eris.Wrapf(err, "fundgate: balance for %s", onChainID)
	}
	return balance, nil
}

func (s *Session) clone() *Session {
	c := *s
	return &c
}
