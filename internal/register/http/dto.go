package registerhttp

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/cashdesk/internal/register"
	"github.com/odyssey-erp/cashdesk/internal/shared"
)

// Amounts decode from JSON strings or numbers.
type openRequest struct {
	OpeningBalance *decimal.Decimal `json:"opening_balance" validate:"required"`
	Notes          string           `json:"notes" validate:"max=500"`
}

type movementRequest struct {
	Type        string           `json:"type" validate:"required,max=32"`
	Amount      *decimal.Decimal `json:"amount" validate:"required"`
	Description string           `json:"description" validate:"max=255"`
	Notes       string           `json:"notes" validate:"max=500"`
}

type closeRequest struct {
	ClosingBalance *decimal.Decimal `json:"closing_balance" validate:"required"`
	Notes          string           `json:"notes" validate:"max=500"`
}

type sessionView struct {
	ID              string           `json:"id"`
	TillID          int64            `json:"till_id"`
	Status          register.Status  `json:"status"`
	OpeningBalance  decimal.Decimal  `json:"opening_balance"`
	RunningBalance  decimal.Decimal  `json:"running_balance"`
	ClosingBalance  *decimal.Decimal `json:"closing_balance"`
	ExpectedBalance *decimal.Decimal `json:"expected_balance"`
	Discrepancy     *decimal.Decimal `json:"discrepancy"`
	MovementCount   int64            `json:"movement_count"`
	OpenedAt        time.Time        `json:"opened_at"`
	OpenedBy        int64            `json:"opened_by"`
	ClosedAt        *time.Time       `json:"closed_at"`
	ClosedBy        *int64           `json:"closed_by"`
	OpeningNotes    string           `json:"opening_notes,omitempty"`
	ClosingNotes    string           `json:"closing_notes,omitempty"`
}

func newSessionView(s register.Session) sessionView {
	return sessionView{
		ID:              s.ID.String(),
		TillID:          s.TillID,
		Status:          s.Status,
		OpeningBalance:  s.OpeningBalance,
		RunningBalance:  s.RunningBalance,
		ClosingBalance:  s.ClosingBalance,
		ExpectedBalance: s.ExpectedBalance,
		Discrepancy:     s.Discrepancy,
		MovementCount:   s.LastSeq,
		OpenedAt:        s.OpenedAt,
		OpenedBy:        s.OpenedBy,
		ClosedAt:        s.ClosedAt,
		ClosedBy:        s.ClosedBy,
		OpeningNotes:    s.OpeningNotes,
		ClosingNotes:    s.ClosingNotes,
	}
}

type movementView struct {
	ID           string                `json:"id"`
	SessionID    string                `json:"session_id"`
	Seq          int64                 `json:"seq"`
	Type         register.MovementType `json:"type"`
	Amount       decimal.Decimal       `json:"amount"`
	BalanceAfter decimal.Decimal       `json:"balance_after"`
	Description  string                `json:"description,omitempty"`
	Notes        string                `json:"notes,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	RecordedBy   int64                 `json:"recorded_by"`
}

func newMovementView(m register.Movement) movementView {
	return movementView{
		ID:           m.ID.String(),
		SessionID:    m.SessionID.String(),
		Seq:          m.Seq,
		Type:         m.Type,
		Amount:       m.Amount,
		BalanceAfter: m.BalanceAfter,
		Description:  m.Description,
		Notes:        m.Notes,
		CreatedAt:    m.CreatedAt,
		RecordedBy:   m.RecordedBy,
	}
}

func newMovementViews(movements []register.Movement) []movementView {
	views := make([]movementView, 0, len(movements))
	for _, m := range movements {
		views = append(views, newMovementView(m))
	}
	return views
}

type reconciliationView struct {
	OpeningBalance  decimal.Decimal  `json:"opening_balance"`
	Inflows         decimal.Decimal  `json:"inflows"`
	Outflows        decimal.Decimal  `json:"outflows"`
	Adjustments     decimal.Decimal  `json:"adjustments"`
	ExpectedBalance decimal.Decimal  `json:"expected_balance"`
	CountedBalance  decimal.Decimal  `json:"counted_balance"`
	Discrepancy     decimal.Decimal  `json:"discrepancy"`
	Outcome         register.Outcome `json:"outcome"`
}

func newReconciliationView(rec register.Reconciliation) *reconciliationView {
	return &reconciliationView{
		OpeningBalance:  rec.OpeningBalance,
		Inflows:         rec.Inflows,
		Outflows:        rec.Outflows,
		Adjustments:     rec.Adjustments,
		ExpectedBalance: rec.ExpectedBalance,
		CountedBalance:  rec.CountedBalance,
		Discrepancy:     rec.Discrepancy,
		Outcome:         rec.Outcome,
	}
}

type currentSessionResponse struct {
	Session *sessionView `json:"session"`
}

type movementResponse struct {
	Movement movementView `json:"movement"`
	Session  sessionView  `json:"session"`
}

type closeResponse struct {
	Session         sessionView         `json:"session"`
	Movement        movementView        `json:"movement"`
	ExpectedBalance decimal.Decimal     `json:"expected_balance"`
	Discrepancy     decimal.Decimal     `json:"discrepancy"`
	Reconciliation  *reconciliationView `json:"reconciliation"`
}

type movementListResponse struct {
	Movements  []movementView    `json:"movements"`
	Pagination shared.Pagination `json:"pagination"`
}

type sessionListResponse struct {
	Sessions   []sessionView     `json:"sessions"`
	Pagination shared.Pagination `json:"pagination"`
}

type sessionDetailResponse struct {
	Session        sessionView         `json:"session"`
	Movements      []movementView      `json:"movements"`
	Pagination     shared.Pagination   `json:"pagination"`
	Reconciliation *reconciliationView `json:"reconciliation,omitempty"`
}

type auditResponse struct {
	Entries []shared.AuditLog `json:"entries"`
}
