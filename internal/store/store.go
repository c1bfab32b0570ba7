// Package store defines the ledger persistence interface and its Postgres
// and SQLite implementations. The ledger is one of the two sources of truth
// the settlement engine keeps consistent; its uniqueness constraints back
// the one-completed-payment-per-vulnerability invariant.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrConflict indicates an insert lost to a uniqueness constraint,
	// typically two concurrent settlement attempts for one vulnerability.
	ErrConflict = eris.New("store: conflict")

	// ErrAlreadyCompleted indicates a settlement commit for a payment that
	// already reached completed. Terminal; the caller returns the existing
	// record instead of paying again.
	ErrAlreadyCompleted = eris.New("store: payment already completed")
)

// PaymentFilter specifies criteria for listing payments.
type PaymentFilter struct {
	Status       model.PaymentStatus `json:"status,omitempty"`
	ProtocolID   string              `json:"protocol_id,omitempty"`
	Recipient    string              `json:"recipient,omitempty"`
	PaidAfter    time.Time           `json:"paid_after,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
	Offset       int                 `json:"offset,omitempty"`
}

// AuditFilter specifies criteria for listing audit entries.
type AuditFilter struct {
	ProtocolID string            `json:"protocol_id,omitempty"`
	Action     model.AuditAction `json:"action,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// Settlement describes the atomic ledger mutation committed when an
// on-chain release succeeds: payment completed + protocol balances moved.
type Settlement struct {
	PaymentID string
	TxRef     string
	Amount    money.Amount
	PaidAt    time.Time
}

// Store is the ledger persistence interface.
type Store interface {
	// Protocols
	CreateProtocol(ctx context.Context, p *model.Protocol) error
	GetProtocol(ctx context.Context, id string) (*model.Protocol, error)
	ListProtocols(ctx context.Context) ([]model.Protocol, error)
	SetProtocolRegistered(ctx context.Context, id string) error
	UpdateFundingState(ctx context.Context, id string, state model.FundingState) error
	// ApplyDeposit records a confirmed deposit event and credits the
	// protocol's total/available balances in one transaction.
	ApplyDeposit(ctx context.Context, ev *model.DepositEvent) error
	ListDeposits(ctx context.Context, protocolID string, limit int) ([]model.DepositEvent, error)
	// BackfillDeposits inserts reconciliation deposit events and credits the
	// affected protocols' total/available balances in one transaction. Used
	// by drift repair to catch the ledger up to on-chain deposits it missed.
	BackfillDeposits(ctx context.Context, evs []model.DepositEvent) (int64, error)

	// Vulnerabilities
	// FindOrCreateVulnerability is the (protocol, content hash) dedup
	// guard. Returns the surviving record and whether it was created now.
	FindOrCreateVulnerability(ctx context.Context, v *model.Vulnerability) (*model.Vulnerability, bool, error)
	GetVulnerability(ctx context.Context, id string) (*model.Vulnerability, error)
	UpdateVulnerabilityBounty(ctx context.Context, id string, amount money.Amount) error

	// Payments
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	GetPaymentByVulnerability(ctx context.Context, vulnerabilityID string) (*model.Payment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]model.Payment, error)
	// MarkPaymentFailed records the failure reason and bumps the retry
	// counter. Never touches balances; refuses completed payments.
	MarkPaymentFailed(ctx context.Context, id, reason string) error
	// CompleteSettlement flips the payment to completed and moves the
	// protocol's available/paid balances in a single transaction. Fails
	// with ErrAlreadyCompleted if the payment is no longer pending/failed.
	CompleteSettlement(ctx context.Context, s Settlement) error

	// Audit
	AppendAudit(ctx context.Context, entry *model.AuditLogEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditLogEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
