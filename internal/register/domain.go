package register

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxAmount is the largest magnitude a NUMERIC(18,2) column holds. It bounds
// inputs, movement amounts and running balances alike.
var MaxAmount = decimal.RequireFromString("9999999999999999.99")

// WithinBounds reports whether |d| <= MaxAmount.
func WithinBounds(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(MaxAmount)
}

// Status enumerates register session lifecycle stages.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// MovementType classifies a ledger entry.
type MovementType string

const (
	MovementOpening    MovementType = "OPENING"
	MovementSale       MovementType = "SALE"
	MovementDeposit    MovementType = "DEPOSIT"
	MovementWithdrawal MovementType = "WITHDRAWAL"
	MovementExpense    MovementType = "EXPENSE"
	MovementRefund     MovementType = "REFUND"
	MovementClosing    MovementType = "CLOSING"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

// Sign describes the polarity an amount of a movement type must carry.
type Sign int

const (
	SignAny Sign = iota
	SignPositive
	SignNegative
)

var movementSigns = map[MovementType]Sign{
	MovementOpening:    SignPositive,
	MovementSale:       SignPositive,
	MovementDeposit:    SignPositive,
	MovementWithdrawal: SignNegative,
	MovementExpense:    SignNegative,
	MovementRefund:     SignNegative,
	MovementClosing:    SignAny,
	MovementAdjustment: SignAny,
}

// MovementTypes lists every known type in display order.
func MovementTypes() []MovementType {
	return []MovementType{
		MovementOpening, MovementSale, MovementDeposit, MovementWithdrawal,
		MovementExpense, MovementRefund, MovementClosing, MovementAdjustment,
	}
}

// ParseMovementType normalises user input into a known MovementType.
func ParseMovementType(raw string) (MovementType, error) {
	mt := MovementType(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := movementSigns[mt]; !ok {
		return "", ErrInvalidMovementType
	}
	return mt, nil
}

// Valid reports whether the type is part of the enumeration.
func (t MovementType) Valid() bool {
	_, ok := movementSigns[t]
	return ok
}

// SystemOnly reports whether the type may only be produced by open and close.
func (t MovementType) SystemOnly() bool {
	return t == MovementOpening || t == MovementClosing
}

// Sign returns the polarity enforced for the type.
func (t MovementType) Sign() Sign {
	return movementSigns[t]
}

// CheckAmount enforces the sign table for caller-supplied amounts. Zero is
// never accepted.
func (t MovementType) CheckAmount(amount decimal.Decimal) error {
	if !t.Valid() {
		return ErrInvalidMovementType
	}
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	switch t.Sign() {
	case SignPositive:
		if !amount.IsPositive() {
			return ErrInvalidAmount
		}
	case SignNegative:
		if !amount.IsNegative() {
			return ErrInvalidAmount
		}
	}
	return nil
}

// Session is one open-to-close period of a till.
type Session struct {
	ID              uuid.UUID
	TillID          int64
	Status          Status
	OpeningBalance  decimal.Decimal
	ClosingBalance  *decimal.Decimal
	ExpectedBalance *decimal.Decimal
	Discrepancy     *decimal.Decimal
	RunningBalance  decimal.Decimal
	LastSeq         int64
	LastMovementAt  time.Time
	OpenedAt        time.Time
	OpenedBy        int64
	ClosedAt        *time.Time
	ClosedBy        *int64
	OpeningNotes    string
	ClosingNotes    string
}

// IsOpen reports whether movements may still be appended.
func (s Session) IsOpen() bool {
	return s.Status == StatusOpen
}

// LedgerState extracts the append cursor persisted with the session.
func (s Session) LedgerState() LedgerState {
	return LedgerState{
		SessionID:      s.ID,
		LastSeq:        s.LastSeq,
		LastMovementAt: s.LastMovementAt,
		Balance:        s.RunningBalance,
	}
}

// Movement is a single immutable ledger entry.
type Movement struct {
	ID           uuid.UUID
	SessionID    uuid.UUID
	Seq          int64
	Type         MovementType
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Description  string
	Notes        string
	CreatedAt    time.Time
	RecordedBy   int64
}

// OpenInput captures the parameters for opening a till.
type OpenInput struct {
	TillID         int64
	OpeningBalance decimal.Decimal
	Notes          string
	ActorID        int64
}

// Validate checks the open request before any state is touched.
func (in OpenInput) Validate() error {
	if in.TillID <= 0 {
		return ErrInvalidTill
	}
	if in.OpeningBalance.IsNegative() || !WithinBounds(in.OpeningBalance) {
		return ErrInvalidAmount
	}
	return nil
}

// MovementInput captures a caller-recorded cash movement.
type MovementInput struct {
	SessionID   uuid.UUID
	Type        MovementType
	Amount      decimal.Decimal
	Description string
	Notes       string
	ActorID     int64
}

// Validate enforces the type and sign rules for caller movements.
func (in MovementInput) Validate() error {
	if !in.Type.Valid() || in.Type.SystemOnly() {
		return ErrInvalidMovementType
	}
	if err := in.Type.CheckAmount(in.Amount); err != nil {
		return err
	}
	if !WithinBounds(in.Amount) {
		return ErrInvalidAmount
	}
	return nil
}

// CloseInput captures the operator's physical count.
type CloseInput struct {
	SessionID      uuid.UUID
	ClosingBalance decimal.Decimal
	Notes          string
	ActorID        int64
}

// Validate checks the counted amount.
func (in CloseInput) Validate() error {
	if in.ClosingBalance.IsNegative() || !WithinBounds(in.ClosingBalance) {
		return ErrInvalidAmount
	}
	return nil
}

// MovementResult is returned after a movement has been appended.
type MovementResult struct {
	Movement Movement
	Session  Session
}

// CloseResult is returned after a session has been closed.
type CloseResult struct {
	Session         Session
	Movement        Movement
	ExpectedBalance decimal.Decimal
	Discrepancy     decimal.Decimal
	Reconciliation  Reconciliation
}

// MovementPage is one window of a session ledger, most recent first.
type MovementPage struct {
	Movements []Movement
	Page      int
	PageSize  int
	Total     int
}

// SessionPage is one window of a till's session history, most recent first.
type SessionPage struct {
	Sessions []Session
	Page     int
	PageSize int
	Total    int
}

var (
	// ErrInvalidAmount indicates a negative balance, a zero amount or a sign mismatch.
	ErrInvalidAmount = errors.New("register: invalid amount")
	// ErrSessionAlreadyOpen is returned when the till already has an open session.
	ErrSessionAlreadyOpen = errors.New("register: session already open")
	// ErrSessionNotOpen is returned when the target session is closed or unknown.
	ErrSessionNotOpen = errors.New("register: session not open")
	// ErrInvalidMovementType is returned for unknown or system-only types.
	ErrInvalidMovementType = errors.New("register: invalid movement type")
	// ErrNonMonotonicTimestamp is returned when an explicit timestamp does not come after the ledger tail.
	ErrNonMonotonicTimestamp = errors.New("register: non-monotonic movement timestamp")
	// ErrStorageUnavailable wraps infrastructure failures.
	ErrStorageUnavailable = errors.New("register: storage unavailable")
	// ErrInvalidTill indicates a missing or malformed till id.
	ErrInvalidTill = errors.New("register: invalid till")
	// ErrSessionNotFound is returned by queries for unknown sessions.
	ErrSessionNotFound = errors.New("register: session not found")
	// ErrTillBusy is returned when the till lock cannot be acquired in time.
	ErrTillBusy = errors.New("register: till busy")
	// ErrLedgerInconsistent signals that stored movements disagree with the session tail.
	ErrLedgerInconsistent = errors.New("register: ledger inconsistent")
)
