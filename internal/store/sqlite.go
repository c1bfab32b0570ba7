package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// development and single-operator deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS protocols (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	on_chain_id     TEXT NOT NULL UNIQUE,
	registered      INTEGER NOT NULL DEFAULT 0,
	funding_state   TEXT NOT NULL DEFAULT 'unfunded',
	total_deposited INTEGER NOT NULL DEFAULT 0,
	paid            INTEGER NOT NULL DEFAULT 0,
	available       INTEGER NOT NULL DEFAULT 0,
	min_deposit     INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS vulnerabilities (
	id            TEXT PRIMARY KEY,
	protocol_id   TEXT NOT NULL REFERENCES protocols(id),
	validation_id TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	severity      TEXT NOT NULL,
	vuln_type     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'confirmed',
	bounty_amount INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (protocol_id, content_hash)
);

CREATE TABLE IF NOT EXISTS payments (
	id               TEXT PRIMARY KEY,
	vulnerability_id TEXT NOT NULL REFERENCES vulnerabilities(id),
	protocol_id      TEXT NOT NULL REFERENCES protocols(id),
	amount           INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	recipient        TEXT NOT NULL,
	severity         TEXT NOT NULL,
	tx_ref           TEXT,
	failure_reason   TEXT,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	queued_at        DATETIME NOT NULL,
	paid_at          DATETIME,
	UNIQUE (vulnerability_id, recipient)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_one_completed
	ON payments(vulnerability_id) WHERE status = 'completed';
CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
CREATE INDEX IF NOT EXISTS idx_payments_recipient ON payments(recipient);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	actor       TEXT NOT NULL,
	protocol_id TEXT NOT NULL,
	payment_id  TEXT,
	amount      INTEGER NOT NULL DEFAULT 0,
	tx_ref      TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS deposit_events (
	id           TEXT PRIMARY KEY,
	protocol_id  TEXT NOT NULL REFERENCES protocols(id),
	amount       INTEGER NOT NULL,
	tx_ref       TEXT NOT NULL,
	depositor    TEXT NOT NULL DEFAULT '',
	deposited_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateProtocol(ctx context.Context, p *model.Protocol) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.FundingState == "" {
		p.FundingState = model.FundingStateUnfunded
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO protocols (id, name, on_chain_id, registered, funding_state, total_deposited, paid, available, min_deposit, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.OnChainID, p.Registered, string(p.FundingState),
		p.TotalDeposited.BaseUnits(), p.Paid.BaseUnits(), p.Available.BaseUnits(), p.MinDeposit.BaseUnits(),
		now, now,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "protocol %s", p.ID)
		}
		return eris.Wrap(err, "sqlite: insert protocol")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProtocolRow(row rowScanner) (*model.Protocol, error) {
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

func (s *SQLiteStore) GetProtocol(ctx context.Context, id string) (*model.Protocol, error) {
	p, err := scanProtocolRow(s.db.QueryRowContext(ctx,
		`SELECT `+protocolCols+` FROM protocols WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "protocol %s", id)
		}
		return nil, eris.Wrap(err, "sqlite: get protocol")
	}
	return p, nil
}

func (s *SQLiteStore) ListProtocols(ctx context.Context) ([]model.Protocol, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+protocolCols+` FROM protocols ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list protocols")
	}
	defer rows.Close()

	var out []model.Protocol
	for rows.Next() {
		p, err := scanProtocolRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan protocol")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list protocols")
}

func (s *SQLiteStore) SetProtocolRegistered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE protocols SET registered = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set registered %s", id)
	}
	return requireRowAffected(res, "protocol "+id)
}

func (s *SQLiteStore) UpdateFundingState(ctx context.Context, id string, state model.FundingState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE protocols SET funding_state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update funding state %s", id)
	}
	return requireRowAffected(res, "protocol "+id)
}

func requireRowAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s", what)
	}
	return nil
}

func (s *SQLiteStore) ApplyDeposit(ctx context.Context, ev *model.DepositEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO deposit_events (id, protocol_id, amount, tx_ref, depositor, deposited_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ProtocolID, ev.Amount.BaseUnits(), ev.TxRef, ev.Depositor, ev.DepositedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert deposit event")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE protocols
		 SET total_deposited = total_deposited + ?, available = available + ?, updated_at = ?
		 WHERE id = ?`,
		ev.Amount.BaseUnits(), ev.Amount.BaseUnits(), time.Now().UTC(), ev.ProtocolID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: credit deposit")
	}
	if err := requireRowAffected(res, "protocol "+ev.ProtocolID); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit deposit")
}

func (s *SQLiteStore) ListDeposits(ctx context.Context, protocolID string, limit int) ([]model.DepositEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, protocol_id, amount, tx_ref, depositor, deposited_at
		 FROM deposit_events WHERE protocol_id = ?
		 ORDER BY deposited_at DESC LIMIT ?`,
		protocolID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deposits")
	}
	defer rows.Close()

	var out []model.DepositEvent
	for rows.Next() {
		var ev model.DepositEvent
		var amount int64
		if err := rows.Scan(&ev.ID, &ev.ProtocolID, &amount, &ev.TxRef, &ev.Depositor, &ev.DepositedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan deposit")
		}
		ev.Amount = money.FromBaseUnits(amount)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list deposits")
}

func (s *SQLiteStore) BackfillDeposits(ctx context.Context, evs []model.DepositEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var n int64
	for _, ev := range evs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO deposit_events (id, protocol_id, amount, tx_ref, depositor, deposited_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.ProtocolID, ev.Amount.BaseUnits(), ev.TxRef, ev.Depositor, ev.DepositedAt,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: backfill deposit")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE protocols
			 SET total_deposited = total_deposited + ?, available = available + ?, updated_at = ?
			 WHERE id = ?`,
			ev.Amount.BaseUnits(), ev.Amount.BaseUnits(), time.Now().UTC(), ev.ProtocolID,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: credit backfill")
		}
		if err := requireRowAffected(res, "protocol "+ev.ProtocolID); err != nil {
			return 0, err
		}
		n++
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit backfill")
}

func scanVulnerabilityRow(row rowScanner) (*model.Vulnerability, error) {
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

func (s *SQLiteStore) FindOrCreateVulnerability(ctx context.Context, v *model.Vulnerability) (*model.Vulnerability, bool, error) {
	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now
	if v.Status == "" {
		v.Status = model.VulnStatusConfirmed
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO vulnerabilities (id, protocol_id, validation_id, content_hash, severity, vuln_type, status, bounty_amount, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (protocol_id, content_hash) DO NOTHING`,
		v.ID, v.ProtocolID, v.ValidationID, v.ContentHash, string(v.Severity),
		v.VulnType, string(v.Status), v.BountyAmount.BaseUnits(), now, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert vulnerability")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return v, true, nil
	}

	existing, err := scanVulnerabilityRow(s.db.QueryRowContext(ctx,
		`SELECT `+vulnerabilityCols+` FROM vulnerabilities WHERE protocol_id = ? AND content_hash = ?`,
		v.ProtocolID, v.ContentHash,
	))
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: fetch existing vulnerability")
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetVulnerability(ctx context.Context, id string) (*model.Vulnerability, error) {
	v, err := scanVulnerabilityRow(s.db.QueryRowContext(ctx,
		`SELECT `+vulnerabilityCols+` FROM vulnerabilities WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "vulnerability %s", id)
		}
		return nil, eris.Wrap(err, "sqlite: get vulnerability")
	}
	return v, nil
}

func (s *SQLiteStore) UpdateVulnerabilityBounty(ctx context.Context, id string, amount money.Amount) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vulnerabilities SET bounty_amount = ?, updated_at = ? WHERE id = ?`,
		amount.BaseUnits(), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update bounty %s", id)
	}
	return requireRowAffected(res, "vulnerability "+id)
}

func scanPaymentRow(row rowScanner) (*model.Payment, error) {
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

func (s *SQLiteStore) CreatePayment(ctx context.Context, p *model.Payment) error {
	if p.Status == "" {
		p.Status = model.PaymentStatusPending
	}
	if p.QueuedAt.IsZero() {
		p.QueuedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, vulnerability_id, protocol_id, amount, status, recipient, severity, retry_count, queued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.VulnerabilityID, p.ProtocolID, p.Amount.BaseUnits(), string(p.Status),
		p.Recipient, string(p.Severity), p.RetryCount, p.QueuedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "payment for vulnerability %s", p.VulnerabilityID)
		}
		return eris.Wrap(err, "sqlite: insert payment")
	}
	return nil
}

func (s *SQLiteStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	p, err := scanPaymentRow(s.db.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "payment %s", id)
		}
		return nil, eris.Wrap(err, "sqlite: get payment")
	}
	return p, nil
}

func (s *SQLiteStore) GetPaymentByVulnerability(ctx context.Context, vulnerabilityID string) (*model.Payment, error) {
	p, err := scanPaymentRow(s.db.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE vulnerability_id = ? ORDER BY queued_at LIMIT 1`,
		vulnerabilityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "payment for vulnerability %s", vulnerabilityID)
		}
		return nil, eris.Wrap(err, "sqlite: get payment by vulnerability")
	}
	return p, nil
}

func (s *SQLiteStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]model.Payment, error) {
	query := `SELECT ` + paymentCols + ` FROM payments WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ProtocolID != "" {
		query += ` AND protocol_id = ?`
		args = append(args, filter.ProtocolID)
	}
	if filter.Recipient != "" {
		query += ` AND recipient = ?`
		args = append(args, filter.Recipient)
	}
	if !filter.PaidAfter.IsZero() {
		query += ` AND paid_at >= ?`
		args = append(args, filter.PaidAfter)
	}

	query += ` ORDER BY queued_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded.
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list payments")
	}
	defer rows.Close()

	var out []model.Payment
	for rows.Next() {
		p, err := scanPaymentRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan payment")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list payments")
}

func (s *SQLiteStore) MarkPaymentFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments
		 SET status = 'failed', failure_reason = ?, retry_count = retry_count + 1
		 WHERE id = ? AND status <> 'completed'`,
		reason, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark payment failed %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, getErr := s.GetPayment(ctx, id); getErr != nil {
			return getErr
		}
		return eris.Wrapf(ErrAlreadyCompleted, "payment %s", id)
	}
	return nil
}

func (s *SQLiteStore) CompleteSettlement(ctx context.Context, stl Settlement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var protocolID, vulnerabilityID, status string
	err = tx.QueryRowContext(ctx,
		`SELECT protocol_id, vulnerability_id, status FROM payments WHERE id = ?`,
		stl.PaymentID,
	).Scan(&protocolID, &vulnerabilityID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "payment %s", stl.PaymentID)
		}
		return eris.Wrap(err, "sqlite: load payment")
	}
	if model.PaymentStatus(status) == model.PaymentStatusCompleted {
		return eris.Wrapf(ErrAlreadyCompleted, "payment %s", stl.PaymentID)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE payments SET status = 'completed', tx_ref = ?, paid_at = ?, failure_reason = NULL WHERE id = ?`,
		stl.TxRef, stl.PaidAt, stl.PaymentID,
	); err != nil {
		return eris.Wrap(err, "sqlite: complete payment")
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE vulnerabilities SET status = 'paid', updated_at = ? WHERE id = ?`,
		stl.PaidAt, vulnerabilityID,
	); err != nil {
		return eris.Wrap(err, "sqlite: mark vulnerability paid")
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE protocols
		 SET paid = paid + ?, available = MAX(available - ?, 0), updated_at = ?
		 WHERE id = ?`,
		stl.Amount.BaseUnits(), stl.Amount.BaseUnits(), stl.PaidAt, protocolID,
	); err != nil {
		return eris.Wrap(err, "sqlite: move balances")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit settlement")
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *model.AuditLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, actor, protocol_id, payment_id, amount, tx_ref, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Action), entry.Actor, entry.ProtocolID, entry.PaymentID,
		entry.Amount.BaseUnits(), entry.TxRef, entry.Detail, entry.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append audit")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditLogEntry, error) {
	query := `SELECT id, action, actor, protocol_id, payment_id, amount, tx_ref, detail, created_at FROM audit_log WHERE 1=1`
	var args []any

	if filter.ProtocolID != "" {
		query += ` AND protocol_id = ?`
		args = append(args, filter.ProtocolID)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(filter.Action))
	}

	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		var action string
		var amount int64
		if err := rows.Scan(&e.ID, &action, &e.Actor, &e.ProtocolID, &e.PaymentID, &amount, &e.TxRef, &e.Detail, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		e.Action = model.AuditAction(action)
		e.Amount = money.FromBaseUnits(amount)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit")
}
