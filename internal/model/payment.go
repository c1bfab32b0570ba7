package model

import (
	"time"

	"github.com/shieldpool/bounty-cli/internal/money"
)

// PaymentStatus is the settlement state machine:
// pending -> completed (terminal) or pending -> failed (retryable).
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment is the unit of settlement. At most one payment per vulnerability
// ever reaches completed; the store's unique constraints back that invariant.
type Payment struct {
	ID              string        `json:"id"`
	VulnerabilityID string        `json:"vulnerability_id"`
	ProtocolID      string        `json:"protocol_id"`
	Amount          money.Amount  `json:"amount"`
	Status          PaymentStatus `json:"status"`
	Recipient       string        `json:"recipient"`
	Severity        Severity      `json:"severity"`

	// TxRef is the on-chain transaction reference, set once completed.
	TxRef *string `json:"tx_ref,omitempty"`
	// FailureReason holds the raw reason from the last failed attempt.
	FailureReason *string `json:"failure_reason,omitempty"`
	RetryCount    int     `json:"retry_count"`

	QueuedAt time.Time  `json:"queued_at"`
	PaidAt   *time.Time `json:"paid_at,omitempty"`
}

// Terminal reports whether the payment can never be processed again.
func (p *Payment) Terminal() bool {
	return p.Status == PaymentStatusCompleted
}
