package register

import "github.com/shopspring/decimal"

// Outcome classifies a closing count against the expected balance.
type Outcome string

const (
	OutcomeBalanced Outcome = "BALANCED"
	OutcomeOver     Outcome = "OVER"
	OutcomeShort    Outcome = "SHORT"
)

// Totals aggregates movement amounts per type.
type Totals map[MovementType]decimal.Decimal

// TotalsOf folds movements into per-type sums.
func TotalsOf(movements []Movement) Totals {
	totals := make(Totals)
	for _, m := range movements {
		totals.Add(m.Type, m.Amount)
	}
	return totals
}

// Add accumulates amount under mt.
func (t Totals) Add(mt MovementType, amount decimal.Decimal) {
	t[mt] = t.Of(mt).Add(amount)
}

// Of returns the sum for mt, zero when absent.
func (t Totals) Of(mt MovementType) decimal.Decimal {
	if v, ok := t[mt]; ok {
		return v
	}
	return decimal.Zero
}

func (t Totals) sum(types ...MovementType) decimal.Decimal {
	total := decimal.Zero
	for _, mt := range types {
		total = total.Add(t.Of(mt))
	}
	return total
}

// Reconciliation compares the counted cash with what the ledger expects.
type Reconciliation struct {
	OpeningBalance  decimal.Decimal
	Inflows         decimal.Decimal
	Outflows        decimal.Decimal
	Adjustments     decimal.Decimal
	ExpectedBalance decimal.Decimal
	CountedBalance  decimal.Decimal
	Discrepancy     decimal.Decimal
	Outcome         Outcome
}

// ExpectedBalance is the opening balance plus every movement that is neither
// OPENING nor CLOSING.
func ExpectedBalance(opening decimal.Decimal, totals Totals) decimal.Decimal {
	return opening.
		Add(totals.sum(MovementSale, MovementDeposit)).
		Add(totals.sum(MovementWithdrawal, MovementExpense, MovementRefund)).
		Add(totals.Of(MovementAdjustment))
}

// Reconcile computes the close-time comparison for a counted amount.
func Reconcile(opening decimal.Decimal, totals Totals, counted decimal.Decimal) Reconciliation {
	expected := ExpectedBalance(opening, totals)
	diff := counted.Sub(expected)
	return Reconciliation{
		OpeningBalance:  opening,
		Inflows:         totals.sum(MovementSale, MovementDeposit),
		Outflows:        totals.sum(MovementWithdrawal, MovementExpense, MovementRefund),
		Adjustments:     totals.Of(MovementAdjustment),
		ExpectedBalance: expected,
		CountedBalance:  counted,
		Discrepancy:     diff,
		Outcome:         outcomeOf(diff),
	}
}

func outcomeOf(diff decimal.Decimal) Outcome {
	switch diff.Sign() {
	case 1:
		return OutcomeOver
	case -1:
		return OutcomeShort
	}
	return OutcomeBalanced
}

// ReconciliationOf rebuilds the stored reconciliation of a closed session.
func ReconciliationOf(session Session, totals Totals) (Reconciliation, bool) {
	if session.Status != StatusClosed || session.ClosingBalance == nil {
		return Reconciliation{}, false
	}
	rec := Reconcile(session.OpeningBalance, totals, *session.ClosingBalance)
	if session.ExpectedBalance != nil {
		rec.ExpectedBalance = *session.ExpectedBalance
	}
	if session.Discrepancy != nil {
		rec.Discrepancy = *session.Discrepancy
		rec.Outcome = outcomeOf(rec.Discrepancy)
	}
	return rec, true
}
