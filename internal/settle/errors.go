package settle

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/shieldpool/bounty-cli/internal/money"
)

// Settlement error kinds. Callers branch with eris.Is; none of these are
// ever swallowed inside the orchestrator.
var (
	// ErrValidationNotFound indicates the validation id is unknown to the
	// validation source.
	ErrValidationNotFound = eris.New("settle: validation not found")

	// ErrValidationNotConfirmed indicates the validation outcome is not
	// payable. Terminal for this validation id.
	ErrValidationNotConfirmed = eris.New("settle: validation not confirmed")

	// ErrFindingNotFound indicates no finding references the validation.
	ErrFindingNotFound = eris.New("settle: finding not found")

	// ErrPaymentNotFound indicates the payment id does not exist.
	ErrPaymentNotFound = eris.New("settle: payment not found")

	// ErrProtocolNotFound indicates the owning protocol is not in the ledger.
	ErrProtocolNotFound = eris.New("settle: protocol not found")

	// ErrAlreadyCompleted indicates the payment has already settled.
	// Terminal; the earlier settlement stands.
	ErrAlreadyCompleted = eris.New("settle: payment already completed")

	// ErrNoValidatedProof indicates the protocol has no validated proof on
	// record, so there is no on-chain validation reference to release against.
	ErrNoValidatedProof = eris.New("settle: no validated proof")

	// ErrProtocolNotRegistered indicates the protocol is not registered with
	// the escrow contract.
	ErrProtocolNotRegistered = eris.New("settle: protocol not registered on-chain")

	// ErrInsufficientFunds indicates the on-chain pool balance cannot cover
	// the payment. Retryable once the pool is topped up.
	ErrInsufficientFunds = eris.New("settle: insufficient funds")

	// ErrOnChainFailure indicates the release transaction failed or timed
	// out. Retryable; the raw reason is recorded on the payment.
	ErrOnChainFailure = eris.New("settle: on-chain failure")
)

// InsufficientFundsError carries the amounts behind an ErrInsufficientFunds
// so callers can report the funding shortfall.
type InsufficientFundsError struct {
	Required  money.Amount
	Available money.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("settle: insufficient funds: required %s, available %s",
		e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}
