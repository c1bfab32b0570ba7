package model

import (
	"time"

	"github.com/shieldpool/bounty-cli/internal/money"
)

// AuditAction names a settlement-affecting event.
type AuditAction string

const (
	AuditPaymentCreated      AuditAction = "payment_created"
	AuditSettlementCompleted AuditAction = "settlement_completed"
	AuditSettlementFailed    AuditAction = "settlement_failed"
	AuditProtocolRegistered  AuditAction = "protocol_registered"
	AuditDepositVerified     AuditAction = "deposit_verified"
	AuditDriftRepaired       AuditAction = "drift_repaired"
)

// AuditLogEntry is an append-only record of a settlement-affecting action.
// Entries are never mutated or deleted.
type AuditLogEntry struct {
	ID         string       `json:"id"`
	Action     AuditAction  `json:"action"`
	Actor      string       `json:"actor"`
	ProtocolID string       `json:"protocol_id"`
	PaymentID  *string      `json:"payment_id,omitempty"`
	Amount     money.Amount `json:"amount"`
	TxRef      string       `json:"tx_ref,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}
