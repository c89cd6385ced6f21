package register

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// DefaultPageSize applies when a listing omits the page size.
	DefaultPageSize = 50
	// MaxPageSize caps listing windows.
	MaxPageSize = 200
	// MaxPage caps the page number so the offset always fits an int32.
	MaxPage = 1 << 20
)

// timestampResolution matches timestamptz precision so stored order equals
// in-memory order.
const timestampResolution = time.Microsecond

// LedgerState is the persisted tail of a session ledger.
type LedgerState struct {
	SessionID      uuid.UUID
	LastSeq        int64
	LastMovementAt time.Time
	Balance        decimal.Decimal
}

// Ledger appends movements to a single session, assigning positions and
// timestamps.
type Ledger struct {
	state LedgerState
	now   func() time.Time
}

// NewLedger resumes a ledger from its persisted tail.
func NewLedger(state LedgerState, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{state: state, now: now}
}

// State returns the current tail.
func (l *Ledger) State() LedgerState {
	return l.state
}

// Balance returns the running balance after the last append.
func (l *Ledger) Balance() decimal.Decimal {
	return l.state.Balance
}

// Append stamps m with the next position and a timestamp and folds it into
// the running balance. A zero CreatedAt is filled from the clock, bumped past
// the tail if the clock lags. Timestamps strictly increase within a session,
// so an explicit CreatedAt earlier than or equal to the tail fails with
// ErrNonMonotonicTimestamp. An amount or resulting balance beyond MaxAmount
// fails with ErrInvalidAmount. The ledger is left untouched on error.
func (l *Ledger) Append(m Movement) (Movement, error) {
	if !m.Type.Valid() {
		return Movement{}, ErrInvalidMovementType
	}
	balanceAfter := l.state.Balance.Add(m.Amount)
	if !WithinBounds(m.Amount) || !WithinBounds(balanceAfter) {
		return Movement{}, ErrInvalidAmount
	}
	last := l.state.LastMovementAt
	ts := m.CreatedAt
	if ts.IsZero() {
		ts = l.now().UTC().Truncate(timestampResolution)
		if l.state.LastSeq > 0 && !ts.After(last) {
			ts = last.Add(timestampResolution)
		}
	} else {
		ts = ts.UTC()
		if l.state.LastSeq > 0 && !ts.After(last) {
			return Movement{}, ErrNonMonotonicTimestamp
		}
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.SessionID = l.state.SessionID
	m.Seq = l.state.LastSeq + 1
	m.CreatedAt = ts
	m.BalanceAfter = balanceAfter

	l.state.LastSeq = m.Seq
	l.state.LastMovementAt = ts
	l.state.Balance = m.BalanceAfter
	return m, nil
}

// RunningBalance sums amounts in insertion order.
func RunningBalance(movements []Movement) decimal.Decimal {
	total := decimal.Zero
	for _, m := range movements {
		total = total.Add(m.Amount)
	}
	return total
}

// ReplayReport summarises a full ledger verification.
type ReplayReport struct {
	Movements int
	Balance   decimal.Decimal
	Closed    bool
}

// Replay re-derives a session ledger from movements sorted by ascending Seq
// and checks its structural rules: dense positions, strictly increasing
// timestamps, a single leading OPENING, an optional trailing CLOSING and
// BalanceAfter agreeing with the recomputed running balance.
func Replay(movements []Movement) (ReplayReport, error) {
	report := ReplayReport{Balance: decimal.Zero}
	var last time.Time
	for i, m := range movements {
		seq := int64(i + 1)
		if m.Seq != seq {
			return report, fmt.Errorf("%w: expected seq %d, found %d", ErrLedgerInconsistent, seq, m.Seq)
		}
		if i > 0 && !m.CreatedAt.After(last) {
			return report, fmt.Errorf("%w: seq %d timestamp not after previous", ErrLedgerInconsistent, m.Seq)
		}
		if (i == 0) != (m.Type == MovementOpening) {
			return report, fmt.Errorf("%w: seq %d has type %s", ErrLedgerInconsistent, m.Seq, m.Type)
		}
		if m.Type == MovementClosing && i != len(movements)-1 {
			return report, fmt.Errorf("%w: closing entry at seq %d is not last", ErrLedgerInconsistent, m.Seq)
		}
		if !m.Type.SystemOnly() {
			if err := m.Type.CheckAmount(m.Amount); err != nil {
				return report, fmt.Errorf("%w: seq %d: %v", ErrLedgerInconsistent, m.Seq, err)
			}
		}
		report.Balance = report.Balance.Add(m.Amount)
		if !m.BalanceAfter.Equal(report.Balance) {
			return report, fmt.Errorf("%w: seq %d balance %s, recomputed %s", ErrLedgerInconsistent, m.Seq, m.BalanceAfter, report.Balance)
		}
		report.Closed = m.Type == MovementClosing
		last = m.CreatedAt
	}
	report.Movements = len(movements)
	return report, nil
}

// PageWindow normalises a 1-based page request into a limit and offset.
// Pages past MaxPage are clamped.
func PageWindow(page, pageSize int) (normPage, normSize, limit, offset int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if page > MaxPage {
		page = MaxPage
	}
	return page, pageSize, pageSize, (page - 1) * pageSize
}
