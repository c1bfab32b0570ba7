package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/shieldpool/bounty-cli/internal/db"
	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Tests inject pgxmock here.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS protocols (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	on_chain_id     TEXT NOT NULL UNIQUE,
	registered      BOOLEAN NOT NULL DEFAULT FALSE,
	funding_state   TEXT NOT NULL DEFAULT 'unfunded',
	total_deposited BIGINT NOT NULL DEFAULT 0,
	paid            BIGINT NOT NULL DEFAULT 0,
	available       BIGINT NOT NULL DEFAULT 0,
	min_deposit     BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS vulnerabilities (
	id            TEXT PRIMARY KEY,
	protocol_id   TEXT NOT NULL REFERENCES protocols(id),
	validation_id TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	severity      TEXT NOT NULL,
	vuln_type     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'confirmed',
	bounty_amount BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (protocol_id, content_hash)
);

CREATE TABLE IF NOT EXISTS payments (
	id               TEXT PRIMARY KEY,
	vulnerability_id TEXT NOT NULL REFERENCES vulnerabilities(id),
	protocol_id      TEXT NOT NULL REFERENCES protocols(id),
	amount           BIGINT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	recipient        TEXT NOT NULL,
	severity         TEXT NOT NULL,
	tx_ref           TEXT,
	failure_reason   TEXT,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	queued_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	paid_at          TIMESTAMPTZ,
	UNIQUE (vulnerability_id, recipient)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_one_completed
	ON payments(vulnerability_id) WHERE status = 'completed';
CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
CREATE INDEX IF NOT EXISTS idx_payments_recipient ON payments(recipient);
CREATE INDEX IF NOT EXISTS idx_payments_protocol ON payments(protocol_id);
CREATE INDEX IF NOT EXISTS idx_payments_paid_at ON payments(paid_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	actor       TEXT NOT NULL,
	protocol_id TEXT NOT NULL,
	payment_id  TEXT,
	amount      BIGINT NOT NULL DEFAULT 0,
	tx_ref      TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_protocol ON audit_log(protocol_id);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);

CREATE TABLE IF NOT EXISTS deposit_events (
	id           TEXT PRIMARY KEY,
	protocol_id  TEXT NOT NULL REFERENCES protocols(id),
	amount       BIGINT NOT NULL,
	tx_ref       TEXT NOT NULL,
	depositor    TEXT NOT NULL DEFAULT '',
	deposited_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_deposits_protocol ON deposit_events(protocol_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateProtocol(ctx context.Context, p *model.Protocol) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.FundingState == "" {
		p.FundingState = model.FundingStateUnfunded
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO protocols (id, name, on_chain_id, registered, funding_state, total_deposited, paid, available, min_deposit, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Name, p.OnChainID, p.Registered, string(p.FundingState),
		p.TotalDeposited.BaseUnits(), p.Paid.BaseUnits(), p.Available.BaseUnits(), p.MinDeposit.BaseUnits(),
		now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "protocol %s", p.ID)
		}
		return eris.Wrap(err, "postgres: insert protocol")
	}
	return nil
}

func scanProtocol(row pgx.Row) (*model.Protocol, error) {
	var p model.Protocol
	var state string
	var deposited, paid, available, minDeposit int64

	err := row.Scan(&p.ID, &p.Name, &p.OnChainID, &p.Registered, &state,
		&deposited, &paid, &available, &minDeposit, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.FundingState = model.FundingState(state)
	p.TotalDeposited = money.FromBaseUnits(deposited)
	p.Paid = money.FromBaseUnits(paid)
	p.Available = money.FromBaseUnits(available)
	p.MinDeposit = money.FromBaseUnits(minDeposit)
	return &p, nil
}

const protocolCols = `id, name, on_chain_id, registered, funding_state, total_deposited, paid, available, min_deposit, created_at, updated_at`

func (s *PostgresStore) GetProtocol(ctx context.Context, id string) (*model.Protocol, error) {
	p, err := scanProtocol(s.pool.QueryRow(ctx,
		`SELECT `+protocolCols+` FROM protocols WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "protocol %s", id)
		}
		return nil, eris.Wrap(err, "postgres: get protocol")
	}
	return p, nil
}

func (s *PostgresStore) ListProtocols(ctx context.Context) ([]model.Protocol, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+protocolCols+` FROM protocols ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list protocols")
	}
	defer rows.Close()

	var out []model.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan protocol")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list protocols")
}

func (s *PostgresStore) SetProtocolRegistered(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE protocols SET registered = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set registered %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "protocol %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateFundingState(ctx context.Context, id string, state model.FundingState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE protocols SET funding_state = $1, updated_at = $2 WHERE id = $3`,
		string(state), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update funding state %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "protocol %s", id)
	}
	return nil
}

func (s *PostgresStore) ApplyDeposit(ctx context.Context, ev *model.DepositEvent) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO deposit_events (id, protocol_id, amount, tx_ref, depositor, deposited_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.ID, ev.ProtocolID, ev.Amount.BaseUnits(), ev.TxRef, ev.Depositor, ev.DepositedAt,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert deposit event")
		}

		tag, err := tx.Exec(ctx,
			`UPDATE protocols
			 SET total_deposited = total_deposited + $1,
			     available = available + $1,
			     updated_at = $2
			 WHERE id = $3`,
			ev.Amount.BaseUnits(), time.Now().UTC(), ev.ProtocolID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: credit deposit")
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "protocol %s", ev.ProtocolID)
		}
		return nil
	})
}

func (s *PostgresStore) ListDeposits(ctx context.Context, protocolID string, limit int) ([]model.DepositEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, protocol_id, amount, tx_ref, depositor, deposited_at
		 FROM deposit_events WHERE protocol_id = $1
		 ORDER BY deposited_at DESC LIMIT $2`,
		protocolID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deposits")
	}
	defer rows.Close()

	var out []model.DepositEvent
	for rows.Next() {
		var ev model.DepositEvent
		var amount int64
		if err := rows.Scan(&ev.ID, &ev.ProtocolID, &amount, &ev.TxRef, &ev.Depositor, &ev.DepositedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan deposit")
		}
		ev.Amount = money.FromBaseUnits(amount)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list deposits")
}

func (s *PostgresStore) BackfillDeposits(ctx context.Context, evs []model.DepositEvent) (int64, error) {
	rows := make([][]any, 0, len(evs))
	credits := make(map[string]int64, len(evs))
	order := make([]string, 0, len(evs))
	for _, ev := range evs {
		rows = append(rows, []any{ev.ID, ev.ProtocolID, ev.Amount.BaseUnits(), ev.TxRef, ev.Depositor, ev.DepositedAt})
		if _, seen := credits[ev.ProtocolID]; !seen {
			order = append(order, ev.ProtocolID)
		}
		credits[ev.ProtocolID] += ev.Amount.BaseUnits()
	}

	var n int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		n, err = db.CopyFrom(ctx, tx, "deposit_events",
			[]string{"id", "protocol_id", "amount", "tx_ref", "depositor", "deposited_at"}, rows)
		if err != nil {
			return err
		}
		for _, protocolID := range order {
			tag, err := tx.Exec(ctx,
				`UPDATE protocols
				 SET total_deposited = total_deposited + $1,
				     available = available + $1,
				     updated_at = $2
				 WHERE id = $3`,
				credits[protocolID], time.Now().UTC(), protocolID,
			)
			if err != nil {
				return eris.Wrap(err, "postgres: credit backfill")
			}
			if tag.RowsAffected() == 0 {
				return eris.Wrapf(ErrNotFound, "protocol %s", protocolID)
			}
		}
		return nil
	})
	return n, err
}

const vulnerabilityCols = `id, protocol_id, validation_id, content_hash, severity, vuln_type, status, bounty_amount, created_at, updated_at`

func scanVulnerability(row pgx.Row) (*model.Vulnerability, error) {
	var v model.Vulnerability
	var severity, status string
	var bounty int64

	err := row.Scan(&v.ID, &v.ProtocolID, &v.ValidationID, &v.ContentHash,
		&severity, &v.VulnType, &status, &bounty, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}

	v.Severity = model.Severity(severity)
	v.Status = model.VulnerabilityStatus(status)
	v.BountyAmount = money.FromBaseUnits(bounty)
	return &v, nil
}

func (s *PostgresStore) FindOrCreateVulnerability(ctx context.Context, v *model.Vulnerability) (*model.Vulnerability, bool, error) {
	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now
	if v.Status == "" {
		v.Status = model.VulnStatusConfirmed
	}

	// Constraint-backed dedup: the insert either wins or yields nothing,
	// in which case the surviving row is fetched. Safe under concurrency.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO vulnerabilities (id, protocol_id, validation_id, content_hash, severity, vuln_type, status, bounty_amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (protocol_id, content_hash) DO NOTHING
		 RETURNING id`,
		v.ID, v.ProtocolID, v.ValidationID, v.ContentHash, string(v.Severity),
		v.VulnType, string(v.Status), v.BountyAmount.BaseUnits(), now, now,
	).Scan(&v.ID)
	if err == nil {
		return v, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, eris.Wrap(err, "postgres: insert vulnerability")
	}

	existing, err := scanVulnerability(s.pool.QueryRow(ctx,
		`SELECT `+vulnerabilityCols+` FROM vulnerabilities WHERE protocol_id = $1 AND content_hash = $2`,
		v.ProtocolID, v.ContentHash,
	))
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: fetch existing vulnerability")
	}
	return existing, false, nil
}

func (s *PostgresStore) GetVulnerability(ctx context.Context, id string) (*model.Vulnerability, error) {
	v, err := scanVulnerability(s.pool.QueryRow(ctx,
		`SELECT `+vulnerabilityCols+` FROM vulnerabilities WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "vulnerability %s", id)
		}
		return nil, eris.Wrap(err, "postgres: get vulnerability")
	}
	return v, nil
}

func (s *PostgresStore) UpdateVulnerabilityBounty(ctx context.Context, id string, amount money.Amount) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vulnerabilities SET bounty_amount = $1, updated_at = $2 WHERE id = $3`,
		amount.BaseUnits(), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update bounty %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "vulnerability %s", id)
	}
	return nil
}

const paymentCols = `id, vulnerability_id, protocol_id, amount, status, recipient, severity, tx_ref, failure_reason, retry_count, queued_at, paid_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	var status, severity string
	var amount int64

	err := row.Scan(&p.ID, &p.VulnerabilityID, &p.ProtocolID, &amount, &status,
		&p.Recipient, &severity, &p.TxRef, &p.FailureReason, &p.RetryCount, &p.QueuedAt, &p.PaidAt)
	if err != nil {
		return nil, err
	}

	p.Amount = money.FromBaseUnits(amount)
	p.Status = model.PaymentStatus(status)
	p.Severity = model.Severity(severity)
	return &p, nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p *model.Payment) error {
	if p.Status == "" {
		p.Status = model.PaymentStatusPending
	}
	if p.QueuedAt.IsZero() {
		p.QueuedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO payments (id, vulnerability_id, protocol_id, amount, status, recipient, severity, retry_count, queued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.VulnerabilityID, p.ProtocolID, p.Amount.BaseUnits(), string(p.Status),
		p.Recipient, string(p.Severity), p.RetryCount, p.QueuedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "payment for vulnerability %s", p.VulnerabilityID)
		}
		return eris.Wrap(err, "postgres: insert payment")
	}
	return nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "payment %s", id)
		}
		return nil, eris.Wrap(err, "postgres: get payment")
	}
	return p, nil
}

func (s *PostgresStore) GetPaymentByVulnerability(ctx context.Context, vulnerabilityID string) (*model.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE vulnerability_id = $1 ORDER BY queued_at LIMIT 1`,
		vulnerabilityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "payment for vulnerability %s", vulnerabilityID)
		}
		return nil, eris.Wrap(err, "postgres: get payment by vulnerability")
	}
	return p, nil
}

func (s *PostgresStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]model.Payment, error) {
	query := `SELECT ` + paymentCols + ` FROM payments WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + itoa(len(args))
	}
	if filter.ProtocolID != "" {
		args = append(args, filter.ProtocolID)
		query += ` AND protocol_id = $` + itoa(len(args))
	}
	if filter.Recipient != "" {
		args = append(args, filter.Recipient)
		query += ` AND recipient = $` + itoa(len(args))
	}
	if !filter.PaidAfter.IsZero() {
		args = append(args, filter.PaidAfter)
		query += ` AND paid_at >= $` + itoa(len(args))
	}

	query += ` ORDER BY queued_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list payments")
	}
	defer rows.Close()

	var out []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan payment")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list payments")
}

func (s *PostgresStore) MarkPaymentFailed(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments
		 SET status = 'failed', failure_reason = $1, retry_count = retry_count + 1
		 WHERE id = $2 AND status <> 'completed'`,
		reason, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark payment failed %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetPayment(ctx, id); getErr != nil {
			return getErr
		}
		return eris.Wrapf(ErrAlreadyCompleted, "payment %s", id)
	}
	return nil
}

// CompleteSettlement is the single atomic ledger mutation of a successful
// settlement: payment completed, vulnerability paid, pool balances moved.
func (s *PostgresStore) CompleteSettlement(ctx context.Context, stl Settlement) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var protocolID, vulnerabilityID, status string
		err := tx.QueryRow(ctx,
			`SELECT protocol_id, vulnerability_id, status FROM payments WHERE id = $1 FOR UPDATE`,
			stl.PaymentID,
		).Scan(&protocolID, &vulnerabilityID, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "payment %s", stl.PaymentID)
			}
			return eris.Wrap(err, "postgres: lock payment")
		}
		if model.PaymentStatus(status) == model.PaymentStatusCompleted {
			return eris.Wrapf(ErrAlreadyCompleted, "payment %s", stl.PaymentID)
		}

		_, err = tx.Exec(ctx,
			`UPDATE payments
			 SET status = 'completed', tx_ref = $1, paid_at = $2, failure_reason = NULL
			 WHERE id = $3`,
			stl.TxRef, stl.PaidAt, stl.PaymentID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: complete payment")
		}

		_, err = tx.Exec(ctx,
			`UPDATE vulnerabilities SET status = 'paid', updated_at = $1 WHERE id = $2`,
			stl.PaidAt, vulnerabilityID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: mark vulnerability paid")
		}

		_, err = tx.Exec(ctx,
			`UPDATE protocols
			 SET paid = paid + $1,
			     available = GREATEST(available - $1, 0),
			     updated_at = $2
			 WHERE id = $3`,
			stl.Amount.BaseUnits(), stl.PaidAt, protocolID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: move balances")
		}
		return nil
	})
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *model.AuditLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, action, actor, protocol_id, payment_id, amount, tx_ref, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, string(entry.Action), entry.Actor, entry.ProtocolID, entry.PaymentID,
		entry.Amount.BaseUnits(), entry.TxRef, entry.Detail, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditLogEntry, error) {
	query := `SELECT id, action, actor, protocol_id, payment_id, amount, tx_ref, detail, created_at FROM audit_log WHERE 1=1`
	var args []any

	if filter.ProtocolID != "" {
		args = append(args, filter.ProtocolID)
		query += ` AND protocol_id = $` + itoa(len(args))
	}
	if filter.Action != "" {
		args = append(args, string(filter.Action))
		query += ` AND action = $` + itoa(len(args))
	}

	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		var action string
		var amount int64
		if err := rows.Scan(&e.ID, &action, &e.Actor, &e.ProtocolID, &e.PaymentID, &amount, &e.TxRef, &e.Detail, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		e.Action = model.AuditAction(action)
		e.Amount = money.FromBaseUnits(amount)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
