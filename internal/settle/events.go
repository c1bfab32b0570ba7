package settle

import (
	"time"

	"github.com/shieldpool/bounty-cli/internal/money"
)

// EventType names a settlement progress event.
type EventType string

const (
	EventPaymentCreated      EventType = "payment_created"
	EventSettlementStarted   EventType = "settlement_started"
	EventSettlementCompleted EventType = "settlement_completed"
	EventSettlementFailed    EventType = "settlement_failed"
)

// Event is a settlement progress notification published to subscribers.
// Events are advisory; the ledger is the source of truth and late joiners
// query it instead of replaying the stream.
type Event struct {
	Type       EventType    `json:"type"`
	PaymentID  string       `json:"payment_id"`
	ProtocolID string       `json:"protocol_id"`
	Amount     money.Amount `json:"amount"`
	TxRef      string       `json:"tx_ref,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	At         time.Time    `json:"at"`
}
