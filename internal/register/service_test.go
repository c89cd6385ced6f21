package register_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/cashdesk/internal/register"
	"github.com/odyssey-erp/cashdesk/internal/register/memory"
	"github.com/odyssey-erp/cashdesk/internal/shared"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newService(t *testing.T) (*register.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := register.NewService(store, nil)
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	svc.WithNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	})
	return svc, store
}

func openTill(t *testing.T, svc *register.Service, tillID int64, opening string) register.Session {
	t.Helper()
	session, err := svc.OpenRegister(context.Background(), register.OpenInput{
		TillID:         tillID,
		OpeningBalance: dec(opening),
		Notes:          "morning float",
		ActorID:        7,
	})
	require.NoError(t, err)
	return session
}

func addMovement(t *testing.T, svc *register.Service, sessionID uuid.UUID, mt register.MovementType, amount string) register.MovementResult {
	t.Helper()
	res, err := svc.AddMovement(context.Background(), register.MovementInput{
		SessionID:   sessionID,
		Type:        mt,
		Amount:      dec(amount),
		Description: string(mt),
		ActorID:     7,
	})
	require.NoError(t, err)
	return res
}

func TestBalancedDayClosesWithoutDiscrepancy(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	session := openTill(t, svc, 1, "100")
	assert.Equal(t, register.StatusOpen, session.Status)
	assert.True(t, session.RunningBalance.Equal(dec("100")))
	assert.Equal(t, int64(1), session.LastSeq)

	addMovement(t, svc, session.ID, register.MovementDeposit, "50")
	res := addMovement(t, svc, session.ID, register.MovementWithdrawal, "-20")
	assert.True(t, res.Movement.Amount.Equal(dec("-20")))
	assert.True(t, res.Session.RunningBalance.Equal(dec("130")))

	closed, err := svc.CloseRegister(ctx, register.CloseInput{SessionID: session.ID, ClosingBalance: dec("130"), Notes: "all good", ActorID: 8})
	require.NoError(t, err)
	assert.True(t, closed.ExpectedBalance.Equal(dec("130")))
	assert.True(t, closed.Discrepancy.IsZero())
	assert.Equal(t, register.OutcomeBalanced, closed.Reconciliation.Outcome)
	assert.Equal(t, register.StatusClosed, closed.Session.Status)
	require.NotNil(t, closed.Session.ClosedAt)
	require.NotNil(t, closed.Session.ClosedBy)
	assert.Equal(t, int64(8), *closed.Session.ClosedBy)
	assert.Equal(t, register.MovementClosing, closed.Movement.Type)
	assert.True(t, closed.Movement.Amount.IsZero())

	current, err := svc.GetCurrentSession(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, current)

	page, err := svc.ListMovements(ctx, session.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Movements, 4)
	assert.Equal(t, register.MovementClosing, page.Movements[0].Type)
	assert.Equal(t, register.MovementOpening, page.Movements[3].Type)

	rec, ok, err := svc.GetReconciliation(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.ExpectedBalance.Equal(dec("130")))

	report, err := svc.VerifySession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, report.Closed)
	assert.True(t, report.Balance.Equal(dec("130")))
}

func TestNegativeRunningBalanceCloses(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	session := openTill(t, svc, 2, "0")
	res := addMovement(t, svc, session.ID, register.MovementExpense, "-15")
	assert.True(t, res.Session.RunningBalance.Equal(dec("-15")))

	_, err := svc.CloseRegister(ctx, register.CloseInput{SessionID: session.ID, ClosingBalance: dec("-15"), ActorID: 7})
	require.ErrorIs(t, err, register.ErrInvalidAmount)

	closed, err := svc.CloseRegister(ctx, register.CloseInput{SessionID: session.ID, ClosingBalance: dec("0"), ActorID: 7})
	require.NoError(t, err)
	assert.True(t, closed.ExpectedBalance.Equal(dec("-15")))
	assert.True(t, closed.Discrepancy.Equal(dec("15")))
	assert.Equal(t, register.OutcomeOver, closed.Reconciliation.Outcome)
	assert.True(t, closed.Movement.Amount.Equal(dec("15")))
}

func TestAddMovementRejectsOpeningType(t *testing.T) {
	svc, store := newService(t)
	session := openTill(t, svc, 3, "10")

	_, err := svc.AddMovement(context.Background(), register.MovementInput{
		SessionID: session.ID,
		Type:      register.MovementOpening,
		Amount:    dec("5"),
	})
	require.ErrorIs(t, err, register.ErrInvalidMovementType)

	all, err := store.AllMovements(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAddMovementSignMismatch(t *testing.T) {
	svc, _ := newService(t)
	session := openTill(t, svc, 3, "10")
	_, err := svc.AddMovement(context.Background(), register.MovementInput{
		SessionID: session.ID,
		Type:      register.MovementWithdrawal,
		Amount:    dec("20"),
	})
	require.ErrorIs(t, err, register.ErrInvalidAmount)
}

func TestOpenRejectsNegativeBalance(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.OpenRegister(context.Background(), register.OpenInput{TillID: 4, OpeningBalance: dec("-1")})
	require.ErrorIs(t, err, register.ErrInvalidAmount)

	current, err := svc.GetCurrentSession(context.Background(), 4)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestConcurrentOpenHasSingleWinner(t *testing.T) {
	svc, _ := newService(t)
	const attempts = 10

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.OpenRegister(context.Background(), register.OpenInput{TillID: 5, OpeningBalance: dec("50"), ActorID: int64(i + 1)})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, register.ErrSessionAlreadyOpen)
	}
	assert.Equal(t, 1, wins)
}

func TestConcurrentMovementsGetDistinctPositions(t *testing.T) {
	svc, store := newService(t)
	session := openTill(t, svc, 6, "0")
	const writers = 40

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AddMovement(context.Background(), register.MovementInput{
				SessionID: session.ID,
				Type:      register.MovementSale,
				Amount:    dec("1.25"),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := store.AllMovements(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, all, writers+1)
	report, err := register.Replay(all)
	require.NoError(t, err)
	assert.True(t, report.Balance.Equal(dec("50")))

	current, err := svc.GetCurrentSession(context.Background(), 6)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, int64(writers+1), current.LastSeq)
}

func TestClosedSessionRejectsChanges(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	session := openTill(t, svc, 7, "20")
	_, err := svc.CloseRegister(ctx, register.CloseInput{SessionID: session.ID, ClosingBalance: dec("20")})
	require.NoError(t, err)

	_, err = svc.AddMovement(ctx, register.MovementInput{SessionID: session.ID, Type: register.MovementSale, Amount: dec("1")})
	require.ErrorIs(t, err, register.ErrSessionNotOpen)
	_, err = svc.CloseRegister(ctx, register.CloseInput{SessionID: session.ID, ClosingBalance: dec("20")})
	require.ErrorIs(t, err, register.ErrSessionNotOpen)

	all, err := store.AllMovements(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = svc.AddMovement(ctx, register.MovementInput{SessionID: uuid.New(), Type: register.MovementSale, Amount: dec("1")})
	require.ErrorIs(t, err, register.ErrSessionNotOpen)

	reopened := openTill(t, svc, 7, "20")
	assert.NotEqual(t, session.ID, reopened.ID)
}

func TestSessionHistoryAndPagination(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	first := openTill(t, svc, 8, "10")
	for i := 0; i < 5; i++ {
		addMovement(t, svc, first.ID, register.MovementSale, "2")
	}
	_, err := svc.CloseRegister(ctx, register.CloseInput{SessionID: first.ID, ClosingBalance: dec("20")})
	require.NoError(t, err)
	second := openTill(t, svc, 8, "20")

	page, err := svc.ListMovements(ctx, first.ID, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	require.Len(t, page.Movements, 3)
	assert.Equal(t, int64(4), page.Movements[0].Seq)
	assert.Equal(t, int64(2), page.Movements[2].Seq)

	history, err := svc.ListSessions(ctx, 8, 1, 10)
	require.NoError(t, err)
	require.Len(t, history.Sessions, 2)
	assert.Equal(t, second.ID, history.Sessions[0].ID)

	_, err = svc.ListMovements(ctx, uuid.New(), 1, 10)
	require.ErrorIs(t, err, register.ErrSessionNotFound)
	_, err = svc.ListSessions(ctx, 0, 1, 10)
	require.ErrorIs(t, err, register.ErrInvalidTill)
}

type failingRepo struct {
	*memory.Store
	err error
}

func (f failingRepo) WithTx(ctx context.Context, fn func(context.Context, register.TxRepository) error) error {
	return f.err
}

func (f failingRepo) CurrentSession(ctx context.Context, tillID int64) (*register.Session, error) {
	return nil, f.err
}

func TestInfrastructureFailuresSurfaceAsStorageUnavailable(t *testing.T) {
	svc := register.NewService(failingRepo{Store: memory.New(), err: errors.New("dial tcp: connection refused")}, nil)
	_, err := svc.OpenRegister(context.Background(), register.OpenInput{TillID: 1, OpeningBalance: dec("1")})
	require.ErrorIs(t, err, register.ErrStorageUnavailable)

	_, err = svc.GetCurrentSession(context.Background(), 1)
	require.ErrorIs(t, err, register.ErrStorageUnavailable)

	svc = register.NewService(failingRepo{Store: memory.New(), err: context.DeadlineExceeded}, nil)
	_, err = svc.OpenRegister(context.Background(), register.OpenInput{TillID: 1, OpeningBalance: dec("1")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, register.ErrStorageUnavailable)
}

type stubLocker struct {
	tills []int64
	err   error
}

func (l *stubLocker) Lock(ctx context.Context, tillID int64) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.tills = append(l.tills, tillID)
	return func() {}, nil
}

type stubAudit struct {
	actions []string
}

func (a *stubAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.actions = append(a.actions, log.Action)
	return errors.New("audit table missing")
}

type stubRecorder struct {
	opened, closed int
	types          []register.MovementType
}

func (r *stubRecorder) SessionOpened(int64) { r.opened++ }

func (r *stubRecorder) MovementRecorded(mt register.MovementType) { r.types = append(r.types, mt) }

func (r *stubRecorder) SessionClosed(int64, register.Reconciliation) { r.closed++ }

type notifierFunc func(ctx context.Context, session register.Session) error

func (f notifierFunc) SessionClosed(ctx context.Context, session register.Session) error {
	return f(ctx, session)
}

func TestCollaboratorsObserveCommittedEvents(t *testing.T) {
	svc, _ := newService(t)
	locker := &stubLocker{}
	audit := &stubAudit{}
	recorder := &stubRecorder{}
	var notified []uuid.UUID
	svc.WithLocker(locker)
	svc.WithAudit(audit)
	svc.WithRecorder(recorder)
	svc.WithNotifier(notifierFunc(func(ctx context.Context, session register.Session) error {
		notified = append(notified, session.ID)
		return nil
	}))

	session := openTill(t, svc, 9, "5")
	addMovement(t, svc, session.ID, register.MovementRefund, "-2")
	_, err := svc.CloseRegister(context.Background(), register.CloseInput{SessionID: session.ID, ClosingBalance: dec("3")})
	require.NoError(t, err)

	assert.Equal(t, []int64{9, 9, 9}, locker.tills)
	assert.Equal(t, []string{"register.open", "register.movement", "register.close"}, audit.actions)
	assert.Equal(t, 1, recorder.opened)
	assert.Equal(t, 1, recorder.closed)
	assert.Equal(t, []register.MovementType{register.MovementRefund}, recorder.types)
	assert.Equal(t, []uuid.UUID{session.ID}, notified)
}

func TestBusyTillFailsBeforeWriting(t *testing.T) {
	svc, _ := newService(t)
	svc.WithLocker(&stubLocker{err: register.ErrTillBusy})
	_, err := svc.OpenRegister(context.Background(), register.OpenInput{TillID: 10, OpeningBalance: dec("1")})
	require.ErrorIs(t, err, register.ErrTillBusy)

	current, err := svc.GetCurrentSession(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestStaleSessions(t *testing.T) {
	svc, _ := newService(t)
	openTill(t, svc, 11, "1")
	stale, err := svc.StaleSessions(context.Background(), -time.Hour, 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
	stale, err = svc.StaleSessions(context.Background(), time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRecordedMovementsNeverChange(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	session := openTill(t, svc, 21, "100")

	sale := addMovement(t, svc, session.ID, register.MovementSale, "12.50").Movement
	addMovement(t, svc, session.ID, register.MovementExpense, "-4")
	addMovement(t, svc, session.ID, register.MovementAdjustment, "0.75")
	_, err := svc.CloseRegister(ctx, register.CloseInput{SessionID: session.ID, ClosingBalance: dec("109.25")})
	require.NoError(t, err)

	assertUnchanged := func(t *testing.T, got register.Movement) {
		t.Helper()
		assert.Equal(t, sale.ID, got.ID)
		assert.Equal(t, sale.Seq, got.Seq)
		assert.Equal(t, sale.Type, got.Type)
		assert.True(t, sale.Amount.Equal(got.Amount), "amount %s", got.Amount)
		assert.True(t, sale.BalanceAfter.Equal(got.BalanceAfter))
		assert.True(t, sale.CreatedAt.Equal(got.CreatedAt))
	}

	all, err := store.AllMovements(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assertUnchanged(t, all[sale.Seq-1])

	page, err := svc.ListMovements(ctx, session.ID, 1, 50)
	require.NoError(t, err)
	require.Len(t, page.Movements, 5)
	assertUnchanged(t, page.Movements[len(page.Movements)-int(sale.Seq)])

	all[sale.Seq-1].Amount = dec("999")
	all[sale.Seq-1].Type = register.MovementRefund
	all[sale.Seq-1].CreatedAt = time.Time{}
	page.Movements[len(page.Movements)-int(sale.Seq)].Amount = dec("-1")

	reloaded, err := store.AllMovements(ctx, session.ID)
	require.NoError(t, err)
	assertUnchanged(t, reloaded[sale.Seq-1])

	report, err := svc.VerifySession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, report.Balance.Equal(dec("109.25")))
}

func TestListMovementsBeyondLastPageIsEmpty(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	session := openTill(t, svc, 22, "10")

	var (
		page register.MovementPage
		err  error
	)
	require.NotPanics(t, func() {
		page, err = svc.ListMovements(ctx, session.ID, math.MaxInt64/100, register.MaxPageSize)
	})
	require.NoError(t, err)
	assert.Empty(t, page.Movements)
	assert.Equal(t, register.MaxPage, page.Page)
	assert.Equal(t, 1, page.Total)

	require.NotPanics(t, func() {
		_, err = svc.ListSessions(ctx, 22, math.MaxInt64, 0)
	})
	require.NoError(t, err)
}

func TestAmountsBeyondColumnRangeAreInvalid(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	_, err := svc.OpenRegister(ctx, register.OpenInput{TillID: 23, OpeningBalance: dec("100000000000000000000"), ActorID: 7})
	require.ErrorIs(t, err, register.ErrInvalidAmount)
	current, err := svc.GetCurrentSession(ctx, 23)
	require.NoError(t, err)
	assert.Nil(t, current)

	full := openTill(t, svc, 23, register.MaxAmount.String())
	_, err = svc.AddMovement(ctx, register.MovementInput{SessionID: full.ID, Type: register.MovementSale, Amount: dec("0.01"), ActorID: 7})
	require.ErrorIs(t, err, register.ErrInvalidAmount)
	_, err = svc.AddMovement(ctx, register.MovementInput{SessionID: full.ID, Type: register.MovementSale, Amount: dec("99999999999999999999"), ActorID: 7})
	require.ErrorIs(t, err, register.ErrInvalidAmount)

	all, err := store.AllMovements(ctx, full.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	empty := openTill(t, svc, 24, "0")
	addMovement(t, svc, empty.ID, register.MovementAdjustment, register.MaxAmount.Neg().String())
	_, err = svc.CloseRegister(ctx, register.CloseInput{SessionID: empty.ID, ClosingBalance: dec("1"), ActorID: 7})
	require.ErrorIs(t, err, register.ErrInvalidAmount)

	reloaded, err := svc.GetSession(ctx, empty.ID)
	require.NoError(t, err)
	assert.Equal(t, register.StatusOpen, reloaded.Status)
	assert.Equal(t, int64(2), reloaded.LastSeq)
}
