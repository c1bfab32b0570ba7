package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shieldpool/bounty-cli/internal/money"
)

// FundingState tracks a protocol's progress through the funding gate.
type FundingState string

const (
	FundingStateUnfunded FundingState = "unfunded"
	FundingStateFunding  FundingState = "funding"
	FundingStateFunded   FundingState = "funded"
)

// Protocol owns a bounty pool. Balances mutate only inside the settlement
// orchestrator's commit transaction; FundingState advances only via the
// funding gate.
type Protocol struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	OnChainID    string       `json:"on_chain_id"`
	Registered   bool         `json:"registered"`
	FundingState FundingState `json:"funding_state"`

	// TotalDeposited is everything ever deposited on-chain.
	TotalDeposited money.Amount `json:"total_deposited"`
	// Paid is everything ever successfully settled.
	Paid money.Amount `json:"paid"`
	// Available is the stored custody view, TotalDeposited - Paid, floored
	// at zero. The pending reserve is held back at read time via Spendable.
	Available money.Amount `json:"available"`

	// MinDeposit is the on-chain balance required before scans are allowed.
	MinDeposit money.Amount `json:"min_deposit"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Spendable recomputes the balance open to new settlements once a pending
// reserve is held back: TotalDeposited - Paid - reserve, floored at zero.
func (p *Protocol) Spendable(reserve money.Amount) money.Amount {
	return p.TotalDeposited.SubFloor(p.Paid).SubFloor(reserve)
}

// DeriveOnChainID deterministically maps an off-chain protocol identifier to
// its escrow-contract identifier. Used when a protocol has not yet been
// registered on-chain; registration must produce the same id.
func DeriveOnChainID(protocolID string) string {
	sum := sha256.Sum256([]byte(protocolID))
	return "0x" + hex.EncodeToString(sum[:])
}

// DepositEvent records a confirmed escrow deposit for a protocol.
type DepositEvent struct {
	ID          string       `json:"id"`
	ProtocolID  string       `json:"protocol_id"`
	Amount      money.Amount `json:"amount"`
	TxRef       string       `json:"tx_ref"`
	Depositor   string       `json:"depositor"`
	DepositedAt time.Time    `json:"deposited_at"`
}
