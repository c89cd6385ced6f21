package register

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/cashdesk/internal/shared"
)

// Service drives the register session state machine.
type Service struct {
	repo     Repository
	locker   Locker
	audit    AuditPort
	metrics  Recorder
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLocker installs a cross-process till lock.
func (s *Service) WithLocker(locker Locker) {
	s.locker = locker
}

// WithAudit installs the audit trail writer.
func (s *Service) WithAudit(audit AuditPort) {
	s.audit = audit
}

// WithRecorder installs the metrics sink.
func (s *Service) WithRecorder(metrics Recorder) {
	s.metrics = metrics
}

// WithNotifier installs the close notifier.
func (s *Service) WithNotifier(notifier Notifier) {
	s.notifier = notifier
}

// OpenRegister starts a session for a till and records the OPENING movement.
func (s *Service) OpenRegister(ctx context.Context, in OpenInput) (Session, error) {
	in.OpeningBalance = in.OpeningBalance.Round(2)
	if err := in.Validate(); err != nil {
		return Session{}, err
	}
	unlock, err := s.lock(ctx, in.TillID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	var session Session
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockTill(ctx, in.TillID); err != nil {
			return err
		}
		current, err := tx.OpenSessionForTill(ctx, in.TillID)
		if err != nil {
			return err
		}
		if current != nil {
			return ErrSessionAlreadyOpen
		}
		session = Session{
			ID:             uuid.New(),
			TillID:         in.TillID,
			Status:         StatusOpen,
			OpeningBalance: in.OpeningBalance,
			RunningBalance: decimal.Zero,
			OpenedBy:       in.ActorID,
			OpeningNotes:   in.Notes,
		}
		ledger := NewLedger(session.LedgerState(), s.now)
		opening, err := ledger.Append(Movement{
			Type:        MovementOpening,
			Amount:      in.OpeningBalance,
			Description: "Opening balance",
			Notes:       in.Notes,
			RecordedBy:  in.ActorID,
		})
		if err != nil {
			return err
		}
		session.OpenedAt = opening.CreatedAt
		applyLedger(&session, ledger.State())
		if err := tx.InsertSession(ctx, session); err != nil {
			return err
		}
		return tx.InsertMovement(ctx, opening)
	})
	if err != nil {
		return Session{}, storageErr(err)
	}

	if s.metrics != nil {
		s.metrics.SessionOpened(session.TillID)
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   "register.open",
		Entity:   "register_session",
		EntityID: session.ID.String(),
		Meta: map[string]any{
			"till_id":         session.TillID,
			"opening_balance": session.OpeningBalance.StringFixed(2),
		},
		At: session.OpenedAt,
	})
	return session, nil
}

// AddMovement appends a caller movement to an open session.
func (s *Service) AddMovement(ctx context.Context, in MovementInput) (MovementResult, error) {
	in.Amount = in.Amount.Round(2)
	if err := in.Validate(); err != nil {
		return MovementResult{}, err
	}
	tillID, err := s.openTillOf(ctx, in.SessionID)
	if err != nil {
		return MovementResult{}, err
	}
	unlock, err := s.lock(ctx, tillID)
	if err != nil {
		return MovementResult{}, err
	}
	defer unlock()

	var result MovementResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := s.loadOpen(ctx, tx, in.SessionID)
		if err != nil {
			return err
		}
		ledger := NewLedger(session.LedgerState(), s.now)
		movement, err := ledger.Append(Movement{
			Type:        in.Type,
			Amount:      in.Amount,
			Description: in.Description,
			Notes:       in.Notes,
			RecordedBy:  in.ActorID,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, movement); err != nil {
			return err
		}
		if err := tx.SaveLedgerState(ctx, ledger.State()); err != nil {
			return err
		}
		applyLedger(&session, ledger.State())
		result = MovementResult{Movement: movement, Session: session}
		return nil
	})
	if err != nil {
		return MovementResult{}, storageErr(err)
	}

	if s.metrics != nil {
		s.metrics.MovementRecorded(result.Movement.Type)
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   "register.movement",
		Entity:   "register_session",
		EntityID: result.Session.ID.String(),
		Meta: map[string]any{
			"movement_id": result.Movement.ID.String(),
			"seq":         result.Movement.Seq,
			"type":        string(result.Movement.Type),
			"amount":      result.Movement.Amount.StringFixed(2),
		},
		At: result.Movement.CreatedAt,
	})
	return result, nil
}

// CloseRegister records the physical count, appends the CLOSING movement
// and persists the reconciliation. A non-zero discrepancy does not block.
func (s *Service) CloseRegister(ctx context.Context, in CloseInput) (CloseResult, error) {
	in.ClosingBalance = in.ClosingBalance.Round(2)
	if err := in.Validate(); err != nil {
		return CloseResult{}, err
	}
	tillID, err := s.openTillOf(ctx, in.SessionID)
	if err != nil {
		return CloseResult{}, err
	}
	unlock, err := s.lock(ctx, tillID)
	if err != nil {
		return CloseResult{}, err
	}
	defer unlock()

	var result CloseResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := s.loadOpen(ctx, tx, in.SessionID)
		if err != nil {
			return err
		}
		totals, err := tx.MovementTotals(ctx, session.ID)
		if err != nil {
			return err
		}
		rec := Reconcile(session.OpeningBalance, totals, in.ClosingBalance)
		if !rec.ExpectedBalance.Equal(session.RunningBalance) {
			return fmt.Errorf("%w: session %s expected %s, running %s",
				ErrLedgerInconsistent, session.ID, rec.ExpectedBalance, session.RunningBalance)
		}
		ledger := NewLedger(session.LedgerState(), s.now)
		closing, err := ledger.Append(Movement{
			Type:        MovementClosing,
			Amount:      in.ClosingBalance.Sub(session.RunningBalance),
			Description: "Closing count",
			Notes:       in.Notes,
			RecordedBy:  in.ActorID,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, closing); err != nil {
			return err
		}

		closedAt := closing.CreatedAt
		closedBy := in.ActorID
		counted := in.ClosingBalance
		expected := rec.ExpectedBalance
		discrepancy := rec.Discrepancy
		session.Status = StatusClosed
		session.ClosingBalance = &counted
		session.ExpectedBalance = &expected
		session.Discrepancy = &discrepancy
		session.ClosedAt = &closedAt
		session.ClosedBy = &closedBy
		session.ClosingNotes = in.Notes
		applyLedger(&session, ledger.State())
		if err := tx.CloseSession(ctx, session); err != nil {
			return err
		}
		result = CloseResult{
			Session:         session,
			Movement:        closing,
			ExpectedBalance: expected,
			Discrepancy:     discrepancy,
			Reconciliation:  rec,
		}
		return nil
	})
	if err != nil {
		return CloseResult{}, storageErr(err)
	}

	if s.metrics != nil {
		s.metrics.SessionClosed(result.Session.TillID, result.Reconciliation)
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   "register.close",
		Entity:   "register_session",
		EntityID: result.Session.ID.String(),
		Meta: map[string]any{
			"till_id":          result.Session.TillID,
			"closing_balance":  result.Session.ClosingBalance.StringFixed(2),
			"expected_balance": result.ExpectedBalance.StringFixed(2),
			"discrepancy":      result.Discrepancy.StringFixed(2),
		},
		At: *result.Session.ClosedAt,
	})
	if s.notifier != nil {
		if err := s.notifier.SessionClosed(ctx, result.Session); err != nil {
			s.logger.Warn("notify session closed",
				slog.String("session_id", result.Session.ID.String()),
				slog.Any("error", err))
		}
	}
	return result, nil
}

// GetCurrentSession returns the open session of a till, or nil when closed.
func (s *Service) GetCurrentSession(ctx context.Context, tillID int64) (*Session, error) {
	if tillID <= 0 {
		return nil, ErrInvalidTill
	}
	session, err := s.repo.CurrentSession(ctx, tillID)
	if err != nil {
		return nil, storageErr(err)
	}
	return session, nil
}

// GetSession loads a session by id.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return Session{}, storageErr(err)
	}
	return session, nil
}

// ListMovements returns one page of a session ledger, most recent first.
func (s *Service) ListMovements(ctx context.Context, sessionID uuid.UUID, page, pageSize int) (MovementPage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return MovementPage{}, err
	}
	page, pageSize, limit, offset := PageWindow(page, pageSize)
	movements, total, err := s.repo.ListMovements(ctx, sessionID, limit, offset)
	if err != nil {
		return MovementPage{}, storageErr(err)
	}
	return MovementPage{Movements: movements, Page: page, PageSize: pageSize, Total: total}, nil
}

// ListSessions returns the session history of a till, most recent first.
func (s *Service) ListSessions(ctx context.Context, tillID int64, page, pageSize int) (SessionPage, error) {
	if tillID <= 0 {
		return SessionPage{}, ErrInvalidTill
	}
	page, pageSize, limit, offset := PageWindow(page, pageSize)
	sessions, total, err := s.repo.ListSessions(ctx, tillID, limit, offset)
	if err != nil {
		return SessionPage{}, storageErr(err)
	}
	return SessionPage{Sessions: sessions, Page: page, PageSize: pageSize, Total: total}, nil
}

// GetReconciliation returns the stored reconciliation of a closed session.
// The boolean is false while the session is still open.
func (s *Service) GetReconciliation(ctx context.Context, id uuid.UUID) (Reconciliation, bool, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return Reconciliation{}, false, err
	}
	if session.Status != StatusClosed {
		return Reconciliation{}, false, nil
	}
	totals, err := s.repo.MovementTotals(ctx, id)
	if err != nil {
		return Reconciliation{}, false, storageErr(err)
	}
	rec, ok := ReconciliationOf(session, totals)
	return rec, ok, nil
}

// VerifySession replays the full ledger of a session and checks it against
// the persisted tail and closing fields.
func (s *Service) VerifySession(ctx context.Context, id uuid.UUID) (ReplayReport, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return ReplayReport{}, err
	}
	movements, err := s.repo.AllMovements(ctx, id)
	if err != nil {
		return ReplayReport{}, storageErr(err)
	}
	report, err := Replay(movements)
	if err != nil {
		return report, err
	}
	if report.Movements == 0 || !movements[0].Amount.Equal(session.OpeningBalance) {
		return report, fmt.Errorf("%w: opening entry does not match opening balance", ErrLedgerInconsistent)
	}
	if int64(report.Movements) != session.LastSeq || !report.Balance.Equal(session.RunningBalance) {
		return report, fmt.Errorf("%w: tail seq %d balance %s, replayed seq %d balance %s",
			ErrLedgerInconsistent, session.LastSeq, session.RunningBalance, report.Movements, report.Balance)
	}
	if report.Closed != (session.Status == StatusClosed) {
		return report, fmt.Errorf("%w: status %s disagrees with ledger", ErrLedgerInconsistent, session.Status)
	}
	if session.ClosingBalance != nil && !session.ClosingBalance.Equal(report.Balance) {
		return report, fmt.Errorf("%w: closing balance %s, replayed %s", ErrLedgerInconsistent, session.ClosingBalance, report.Balance)
	}
	return report, nil
}

// StaleSessions lists sessions still open after maxAge.
func (s *Service) StaleSessions(ctx context.Context, maxAge time.Duration, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = MaxPageSize
	}
	sessions, err := s.repo.StaleSessions(ctx, s.now().Add(-maxAge), limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return sessions, nil
}

// openTillOf resolves the till of an open session so its lock can be taken
// before the transaction starts. The state is re-checked under the lock.
func (s *Service) openTillOf(ctx context.Context, id uuid.UUID) (int64, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return 0, ErrSessionNotOpen
		}
		return 0, storageErr(err)
	}
	if !session.IsOpen() {
		return 0, ErrSessionNotOpen
	}
	return session.TillID, nil
}

func (s *Service) loadOpen(ctx context.Context, tx TxRepository, id uuid.UUID) (Session, error) {
	session, err := tx.LoadSessionForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Session{}, ErrSessionNotOpen
		}
		return Session{}, err
	}
	if !session.IsOpen() {
		return Session{}, ErrSessionNotOpen
	}
	return session, nil
}

func (s *Service) lock(ctx context.Context, tillID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	unlock, err := s.locker.Lock(ctx, tillID)
	if err != nil {
		if errors.Is(err, shared.ErrLockTimeout) {
			return nil, ErrTillBusy
		}
		return nil, storageErr(err)
	}
	return unlock, nil
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("register audit", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func applyLedger(session *Session, state LedgerState) {
	session.LastSeq = state.LastSeq
	session.LastMovementAt = state.LastMovementAt
	session.RunningBalance = state.Balance
}

var domainErrors = []error{
	ErrInvalidAmount,
	ErrSessionAlreadyOpen,
	ErrSessionNotOpen,
	ErrInvalidMovementType,
	ErrNonMonotonicTimestamp,
	ErrStorageUnavailable,
	ErrInvalidTill,
	ErrSessionNotFound,
	ErrTillBusy,
	ErrLedgerInconsistent,
	context.Canceled,
	context.DeadlineExceeded,
}

// storageErr classifies anything that is not a domain outcome as a storage
// failure.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
