// Package settle drives a payment from validated finding to on-chain
// settlement. The orchestrator owns the settlement state machine; the store's
// uniqueness constraints back its idempotency guarantees under concurrency.
package settle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shieldpool/bounty-cli/internal/bounty"
	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
	"github.com/shieldpool/bounty-cli/internal/resilience"
	"github.com/shieldpool/bounty-cli/internal/store"
	"github.com/shieldpool/bounty-cli/pkg/escrow"
	"github.com/shieldpool/bounty-cli/pkg/validation"
)

const escrowGateway = "escrow"

// Orchestrator coordinates the ledger, the validation source, and the escrow
// contract. All collaborators are injected; tests substitute fakes.
type Orchestrator struct {
	store      store.Store
	validation validation.Client
	escrow     escrow.Client
	calc       *bounty.Calculator
	breakers   *resilience.GatewayBreakers
	notify     func(Event)
	actor      string
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithNotifier registers a callback for settlement progress events.
func WithNotifier(fn func(Event)) Option {
	return func(o *Orchestrator) { o.notify = fn }
}

// WithBreakers sets the circuit breaker registry guarding gateway calls.
func WithBreakers(gb *resilience.GatewayBreakers) Option {
	return func(o *Orchestrator) { o.breakers = gb }
}

// WithActor sets the actor recorded on audit entries.
func WithActor(actor string) Option {
	return func(o *Orchestrator) { o.actor = actor }
}

// New creates a settlement orchestrator.
func New(st store.Store, vc validation.Client, ec escrow.Client, calc *bounty.Calculator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		validation: vc,
		escrow:     ec,
		calc:       calc,
		breakers:   resilience.NewGatewayBreakers(resilience.DefaultCircuitBreakerConfig()),
		actor:      "settlement-engine",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.calc == nil {
		o.calc = bounty.NewCalculator(nil)
	}
	return o
}

// CreatePaymentFromValidation turns a confirmed validation into a pending
// payment. Repeated calls for validations mapping to the same vulnerability
// return the original payment unchanged.
func (o *Orchestrator) CreatePaymentFromValidation(ctx context.Context, validationID string) (*model.Payment, error) {
	val, err := o.validation.GetValidation(ctx, validationID)
	if err != nil {
		if eris.Is(err, validation.ErrNotFound) {
			return nil, eris.Wrapf(ErrValidationNotFound, "%s", validationID)
		}
		return nil, err
	}
	if !val.Confirmed() {
		return nil, eris.Wrapf(ErrValidationNotConfirmed, "validation %s outcome %q", validationID, val.Outcome)
	}

	finding, err := o.validation.FindingByValidation(ctx, validationID)
	if err != nil {
		if eris.Is(err, validation.ErrNotFound) {
			return nil, eris.Wrapf(ErrFindingNotFound, "validation %s", validationID)
		}
		return nil, err
	}

	protocol, err := o.store.GetProtocol(ctx, finding.ProtocolID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrProtocolNotFound, "%s", finding.ProtocolID)
		}
		return nil, err
	}

	severity := model.Severity(val.Severity)
	if !severity.Valid() {
		return nil, eris.Wrapf(bounty.ErrUnknownSeverity, "validation %s severity %q", validationID, val.Severity)
	}

	vuln, created, err := o.store.FindOrCreateVulnerability(ctx, &model.Vulnerability{
		ID:           uuid.NewString(),
		ProtocolID:   protocol.ID,
		ValidationID: validationID,
		ContentHash:  finding.ContentHash,
		Severity:     severity,
		VulnType:     val.VulnType,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		zap.L().Debug("vulnerability already known",
			zap.String("vulnerability_id", vuln.ID),
			zap.String("validation_id", validationID))
	}

	// The surviving record's severity decides the amount, so a re-validation
	// at a different tier cannot change an existing bounty.
	amount, err := o.calc.AmountFor(vuln.Severity)
	if err != nil {
		return nil, err
	}

	if existing, err := o.store.GetPaymentByVulnerability(ctx, vuln.ID); err == nil {
		return existing, nil
	} else if !eris.Is(err, store.ErrNotFound) {
		return nil, err
	}

	payment := &model.Payment{
		ID:              uuid.NewString(),
		VulnerabilityID: vuln.ID,
		ProtocolID:      protocol.ID,
		Amount:          amount,
		Status:          model.PaymentStatusPending,
		Recipient:       finding.Researcher,
		Severity:        vuln.Severity,
		QueuedAt:        time.Now().UTC(),
	}
	if err := o.store.CreatePayment(ctx, payment); err != nil {
		if eris.Is(err, store.ErrConflict) {
			// Lost a concurrent create; the constraint picked the winner.
			return o.store.GetPaymentByVulnerability(ctx, vuln.ID)
		}
		return nil, err
	}

	if err := o.store.UpdateVulnerabilityBounty(ctx, vuln.ID, amount); err != nil {
		return nil, err
	}

	o.audit(ctx, &model.AuditLogEntry{
		Action:     model.AuditPaymentCreated,
		ProtocolID: protocol.ID,
		PaymentID:  &payment.ID,
		Amount:     amount,
	})
	o.publish(Event{
		Type:       EventPaymentCreated,
		PaymentID:  payment.ID,
		ProtocolID: protocol.ID,
		Amount:     amount,
	})

	zap.L().Info("payment created",
		zap.String("payment_id", payment.ID),
		zap.String("vulnerability_id", vuln.ID),
		zap.String("protocol_id", protocol.ID),
		zap.String("severity", string(vuln.Severity)),
		zap.String("amount", amount.String()))
	return payment, nil
}

// ProcessPayment executes one settlement attempt for a pending or failed
// payment. The escrow release is the single external side effect and is never
// retried inside a call; a failed attempt leaves the payment FAILED for an
// explicit operator retry.
func (o *Orchestrator) ProcessPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	payment, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrPaymentNotFound, "%s", paymentID)
		}
		return nil, err
	}
	if payment.Terminal() {
		return nil, eris.Wrapf(ErrAlreadyCompleted, "payment %s", paymentID)
	}

	protocol, err := o.store.GetProtocol(ctx, payment.ProtocolID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrProtocolNotFound, "%s", payment.ProtocolID)
		}
		return nil, err
	}

	o.publish(Event{
		Type:       EventSettlementStarted,
		PaymentID:  payment.ID,
		ProtocolID: protocol.ID,
		Amount:     payment.Amount,
	})

	proof, err := o.validation.LatestProof(ctx, protocol.ID)
	if err != nil {
		if eris.Is(err, validation.ErrNotFound) {
			return nil, o.fail(ctx, payment, eris.Wrapf(ErrNoValidatedProof, "protocol %s", protocol.ID))
		}
		return nil, o.fail(ctx, payment, err)
	}

	breaker := o.breakers.Get(escrowGateway)

	registered, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (bool, error) {
		return o.escrow.IsRegistered(ctx, protocol.OnChainID)
	})
	if err != nil {
		return nil, o.fail(ctx, payment, err)
	}
	if !registered {
		return nil, o.fail(ctx, payment, eris.Wrapf(ErrProtocolNotRegistered, "protocol %s", protocol.ID))
	}

	rawBalance, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (string, error) {
		return o.escrow.ProtocolBalance(ctx, protocol.OnChainID)
	})
	if err != nil {
		return nil, o.fail(ctx, payment, err)
	}
	balance, err := money.Parse(rawBalance)
	if err != nil {
		return nil, o.fail(ctx, payment, eris.Wrapf(err, "escrow balance for %s", protocol.ID))
	}
	if balance < payment.Amount {
		return nil, o.fail(ctx, payment, &InsufficientFundsError{
			Required:  payment.Amount,
			Available: balance,
		})
	}

	receipt, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*escrow.ReleaseReceipt, error) {
		return o.escrow.ReleaseBounty(ctx, escrow.ReleaseRequest{
			OnChainProtocolID: protocol.OnChainID,
			ValidationRef:     proof.ValidationRef,
			Recipient:         payment.Recipient,
			Severity:          string(payment.Severity),
		})
	})
	if err != nil {
		return nil, o.fail(ctx, payment, eris.Wrapf(ErrOnChainFailure, "%s", err.Error()))
	}

	paidAt := receipt.Timestamp
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}

	if err := o.store.CompleteSettlement(ctx, store.Settlement{
		PaymentID: payment.ID,
		TxRef:     receipt.TxHash,
		Amount:    payment.Amount,
		PaidAt:    paidAt,
	}); err != nil {
		if eris.Is(err, store.ErrAlreadyCompleted) {
			return nil, eris.Wrapf(ErrAlreadyCompleted, "payment %s", paymentID)
		}
		// Funds moved on-chain but the ledger commit failed. Never mark the
		// payment FAILED here; that would invite a duplicate release.
		zap.L().Error("on-chain release succeeded but ledger commit failed",
			zap.String("payment_id", payment.ID),
			zap.String("tx_hash", receipt.TxHash),
			zap.Error(err))
		return nil, err
	}

	o.audit(ctx, &model.AuditLogEntry{
		Action:     model.AuditSettlementCompleted,
		ProtocolID: protocol.ID,
		PaymentID:  &payment.ID,
		Amount:     payment.Amount,
		TxRef:      receipt.TxHash,
		Detail:     "recipient " + payment.Recipient,
	})
	o.publish(Event{
		Type:       EventSettlementCompleted,
		PaymentID:  payment.ID,
		ProtocolID: protocol.ID,
		Amount:     payment.Amount,
		TxRef:      receipt.TxHash,
	})

	zap.L().Info("settlement completed",
		zap.String("payment_id", payment.ID),
		zap.String("protocol_id", protocol.ID),
		zap.String("tx_hash", receipt.TxHash),
		zap.String("amount", payment.Amount.String()))

	return o.store.GetPayment(ctx, paymentID)
}

// fail records a failed settlement attempt and returns cause. Ledger
// balances are never touched on the failure path.
func (o *Orchestrator) fail(ctx context.Context, payment *model.Payment, cause error) error {
	reason := cause.Error()
	if err := o.store.MarkPaymentFailed(ctx, payment.ID, reason); err != nil {
		zap.L().Error("failed to record payment failure",
			zap.String("payment_id", payment.ID),
			zap.Error(err))
	}

	o.audit(ctx, &model.AuditLogEntry{
		Action:     model.AuditSettlementFailed,
		ProtocolID: payment.ProtocolID,
		PaymentID:  &payment.ID,
		Amount:     payment.Amount,
		Detail:     reason,
	})
	o.publish(Event{
		Type:       EventSettlementFailed,
		PaymentID:  payment.ID,
		ProtocolID: payment.ProtocolID,
		Amount:     payment.Amount,
		Reason:     reason,
	})

	zap.L().Warn("settlement attempt failed",
		zap.String("payment_id", payment.ID),
		zap.String("reason", reason))
	return cause
}

// audit appends a ledger audit entry best-effort. An audit write failure is
// logged and never fails the settlement path.
func (o *Orchestrator) audit(ctx context.Context, entry *model.AuditLogEntry) {
	entry.ID = uuid.NewString()
	entry.Actor = o.actor
	entry.CreatedAt = time.Now().UTC()
	if err := o.store.AppendAudit(ctx, entry); err != nil {
		zap.L().Error("audit append failed",
			zap.String("action", string(entry.Action)),
			zap.Error(err))
	}
}

func (o *Orchestrator) publish(evt Event) {
	if o.notify == nil {
		return
	}
	evt.At = time.Now().UTC()
	o.notify(evt)
}
