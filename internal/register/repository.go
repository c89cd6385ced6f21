package register

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/cashdesk/internal/shared"
)

// Repository exposes register persistence outside of a transaction.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetSession(ctx context.Context, id uuid.UUID) (Session, error)
	CurrentSession(ctx context.Context, tillID int64) (*Session, error)
	ListSessions(ctx context.Context, tillID int64, limit, offset int) ([]Session, int, error)
	// ListMovements returns movements ordered by descending Seq.
	ListMovements(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]Movement, int, error)
	// AllMovements returns the whole ledger ordered by ascending Seq.
	AllMovements(ctx context.Context, sessionID uuid.UUID) ([]Movement, error)
	MovementTotals(ctx context.Context, sessionID uuid.UUID) (Totals, error)
	StaleSessions(ctx context.Context, openedBefore time.Time, limit int) ([]Session, error)
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	// LockTill serialises open attempts for a till until the transaction ends.
	LockTill(ctx context.Context, tillID int64) error
	OpenSessionForTill(ctx context.Context, tillID int64) (*Session, error)
	// InsertSession fails with ErrSessionAlreadyOpen when the till already
	// has an open session.
	InsertSession(ctx context.Context, session Session) error
	LoadSessionForUpdate(ctx context.Context, id uuid.UUID) (Session, error)
	InsertMovement(ctx context.Context, m Movement) error
	SaveLedgerState(ctx context.Context, state LedgerState) error
	MovementTotals(ctx context.Context, sessionID uuid.UUID) (Totals, error)
	// CloseSession persists the closing fields of an open session.
	CloseSession(ctx context.Context, session Session) error
}

// Locker provides mutual exclusion per till across processes.
type Locker interface {
	Lock(ctx context.Context, tillID int64) (unlock func(), err error)
}

// AuditPort records committed register events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Recorder receives domain metrics.
type Recorder interface {
	SessionOpened(tillID int64)
	MovementRecorded(mt MovementType)
	SessionClosed(tillID int64, rec Reconciliation)
}

// Notifier is told about closed sessions after commit.
type Notifier interface {
	SessionClosed(ctx context.Context, session Session) error
}
