// Package registerdb persists register sessions and their movement ledger in
// PostgreSQL.
package registerdb

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/cashdesk/internal/platform/db"
	"github.com/odyssey-erp/cashdesk/internal/register"
)

//go:embed migrations/0001_register.sql
var schema string

const openTillIndex = "uq_register_sessions_open_till"

const sessionColumns = `id, till_id, status, opening_balance::text, closing_balance::text, expected_balance::text,
discrepancy::text, running_balance::text, last_seq, last_movement_at, opened_at, opened_by, closed_at, closed_by,
opening_notes, closing_notes`

const movementColumns = `id, session_id, seq, type, amount::text, balance_after::text, description, notes, recorded_by, created_at`

// Repository implements register.Repository on a pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ register.Repository = (*Repository)(nil)

// Migrate applies the register schema. Statements are idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("registerdb: migrate: %w", err)
	}
	return nil
}

// WithTx runs fn in a read-committed transaction. Row locks and the open
// session index provide the serialisation, and read-committed lets a waiter
// see the row its lock holder committed instead of failing with 40001.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, register.TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetSession loads a session by id.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (register.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM register_sessions WHERE id=$1`, id)
	return scanSession(row)
}

// CurrentSession returns the open session of a till or nil.
func (r *Repository) CurrentSession(ctx context.Context, tillID int64) (*register.Session, error) {
	return currentSession(ctx, r.pool, tillID)
}

// ListSessions pages a till's history by descending open time.
func (r *Repository) ListSessions(ctx context.Context, tillID int64, limit, offset int) ([]register.Session, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM register_sessions WHERE till_id=$1`, tillID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM register_sessions WHERE till_id=$1
ORDER BY opened_at DESC LIMIT $2 OFFSET $3`, tillID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	sessions := make([]register.Session, 0, limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, session)
	}
	return sessions, total, rows.Err()
}

// ListMovements pages a ledger by descending seq.
func (r *Repository) ListMovements(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]register.Movement, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM register_movements WHERE session_id=$1`, sessionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+movementColumns+` FROM register_movements WHERE session_id=$1
ORDER BY seq DESC LIMIT $2 OFFSET $3`, sessionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	movements, err := collectMovements(rows)
	return movements, total, err
}

// AllMovements returns the full ledger by ascending seq.
func (r *Repository) AllMovements(ctx context.Context, sessionID uuid.UUID) ([]register.Movement, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+movementColumns+` FROM register_movements WHERE session_id=$1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectMovements(rows)
}

// MovementTotals sums the ledger per type.
func (r *Repository) MovementTotals(ctx context.Context, sessionID uuid.UUID) (register.Totals, error) {
	return movementTotals(ctx, r.pool, sessionID)
}

// StaleSessions lists sessions open since before the cutoff, oldest first.
func (r *Repository) StaleSessions(ctx context.Context, openedBefore time.Time, limit int) ([]register.Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM register_sessions
WHERE status='OPEN' AND opened_at < $1 ORDER BY opened_at ASC LIMIT $2`, openedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []register.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) LockTill(ctx context.Context, tillID int64) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1::bigint)`, tillID)
	return err
}

func (r *txRepository) OpenSessionForTill(ctx context.Context, tillID int64) (*register.Session, error) {
	return currentSession(ctx, r.tx, tillID)
}

func (r *txRepository) InsertSession(ctx context.Context, s register.Session) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO register_sessions (id, till_id, status, opening_balance, running_balance, last_seq,
last_movement_at, opened_at, opened_by, opening_notes)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10)`,
		s.ID, s.TillID, string(s.Status), s.OpeningBalance.String(), s.RunningBalance.String(), s.LastSeq,
		nullTime(s.LastMovementAt), s.OpenedAt, s.OpenedBy, s.OpeningNotes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == openTillIndex {
			return register.ErrSessionAlreadyOpen
		}
		return err
	}
	return nil
}

func (r *txRepository) LoadSessionForUpdate(ctx context.Context, id uuid.UUID) (register.Session, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM register_sessions WHERE id=$1 FOR UPDATE`, id)
	return scanSession(row)
}

func (r *txRepository) InsertMovement(ctx context.Context, m register.Movement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO register_movements (id, session_id, seq, type, amount, balance_after, description,
notes, recorded_by, created_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10)`,
		m.ID, m.SessionID, m.Seq, string(m.Type), m.Amount.String(), m.BalanceAfter.String(), m.Description,
		m.Notes, m.RecordedBy, m.CreatedAt)
	return err
}

func (r *txRepository) SaveLedgerState(ctx context.Context, state register.LedgerState) error {
	tag, err := r.tx.Exec(ctx, `UPDATE register_sessions SET running_balance=$2::numeric, last_seq=$3, last_movement_at=$4
WHERE id=$1 AND status='OPEN' AND last_seq=$3-1`,
		state.SessionID, state.Balance.String(), state.LastSeq, state.LastMovementAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: tail of session %s moved", register.ErrLedgerInconsistent, state.SessionID)
	}
	return nil
}

func (r *txRepository) MovementTotals(ctx context.Context, sessionID uuid.UUID) (register.Totals, error) {
	return movementTotals(ctx, r.tx, sessionID)
}

func (r *txRepository) CloseSession(ctx context.Context, s register.Session) error {
	if s.ClosingBalance == nil || s.ExpectedBalance == nil || s.Discrepancy == nil || s.ClosedAt == nil {
		return errors.New("registerdb: close requires closing, expected, discrepancy and closed_at")
	}
	tag, err := r.tx.Exec(ctx, `UPDATE register_sessions SET status='CLOSED', closing_balance=$2::numeric,
expected_balance=$3::numeric, discrepancy=$4::numeric, running_balance=$5::numeric, last_seq=$6, last_movement_at=$7,
closed_at=$8, closed_by=$9, closing_notes=$10
WHERE id=$1 AND status='OPEN'`,
		s.ID, s.ClosingBalance.String(), s.ExpectedBalance.String(), s.Discrepancy.String(), s.RunningBalance.String(),
		s.LastSeq, s.LastMovementAt, *s.ClosedAt, s.ClosedBy, s.ClosingNotes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return register.ErrSessionNotOpen
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func currentSession(ctx context.Context, q querier, tillID int64) (*register.Session, error) {
	row := q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM register_sessions WHERE till_id=$1 AND status='OPEN'`, tillID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, register.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func movementTotals(ctx context.Context, q querier, sessionID uuid.UUID) (register.Totals, error) {
	rows, err := q.Query(ctx, `SELECT type, SUM(amount)::text FROM register_movements WHERE session_id=$1 GROUP BY type`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	totals := make(register.Totals)
	for rows.Next() {
		var (
			mt  string
			sum string
		)
		if err := rows.Scan(&mt, &sum); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(sum)
		if err != nil {
			return nil, fmt.Errorf("registerdb: parse total: %w", err)
		}
		totals.Add(register.MovementType(mt), amount)
	}
	return totals, rows.Err()
}

func scanSession(row pgx.Row) (register.Session, error) {
	var (
		s                              register.Session
		status                         string
		opening, running               string
		closing, expected, discrepancy *string
		lastMovementAt                 *time.Time
	)
	err := row.Scan(&s.ID, &s.TillID, &status, &opening, &closing, &expected, &discrepancy, &running, &s.LastSeq,
		&lastMovementAt, &s.OpenedAt, &s.OpenedBy, &s.ClosedAt, &s.ClosedBy, &s.OpeningNotes, &s.ClosingNotes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return register.Session{}, register.ErrSessionNotFound
		}
		return register.Session{}, err
	}
	s.Status = register.Status(status)
	if lastMovementAt != nil {
		s.LastMovementAt = *lastMovementAt
	}
	if s.OpeningBalance, err = decimal.NewFromString(opening); err != nil {
		return register.Session{}, fmt.Errorf("registerdb: parse opening balance: %w", err)
	}
	if s.RunningBalance, err = decimal.NewFromString(running); err != nil {
		return register.Session{}, fmt.Errorf("registerdb: parse running balance: %w", err)
	}
	if s.ClosingBalance, err = optionalDecimal(closing); err != nil {
		return register.Session{}, err
	}
	if s.ExpectedBalance, err = optionalDecimal(expected); err != nil {
		return register.Session{}, err
	}
	if s.Discrepancy, err = optionalDecimal(discrepancy); err != nil {
		return register.Session{}, err
	}
	return s, nil
}

func collectMovements(rows pgx.Rows) ([]register.Movement, error) {
	defer rows.Close()
	var movements []register.Movement
	for rows.Next() {
		var (
			m             register.Movement
			mt            string
			amount, after string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &mt, &amount, &after, &m.Description, &m.Notes,
			&m.RecordedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = register.MovementType(mt)
		var err error
		if m.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("registerdb: parse amount: %w", err)
		}
		if m.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, fmt.Errorf("registerdb: parse balance: %w", err)
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func optionalDecimal(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, fmt.Errorf("registerdb: parse numeric: %w", err)
	}
	return &v, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
