package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/cashdesk/internal/register"
)

func openSession(tillID int64, openedAt time.Time) register.Session {
	return register.Session{
		ID:             uuid.New(),
		TillID:         tillID,
		Status:         register.StatusOpen,
		OpeningBalance: decimal.NewFromInt(10),
		OpenedAt:       openedAt,
	}
}

func TestWithTxDiscardsWritesOnError(t *testing.T) {
	store := New()
	ctx := context.Background()
	session := openSession(1, time.Now())
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(ctx context.Context, tx register.TxRepository) error {
		require.NoError(t, tx.InsertSession(ctx, session))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, register.ErrSessionNotFound)
	current, err := store.CurrentSession(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestInsertSessionRejectsSecondOpenSession(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx register.TxRepository) error {
		return tx.InsertSession(ctx, openSession(2, time.Now()))
	}))

	err := store.WithTx(ctx, func(ctx context.Context, tx register.TxRepository) error {
		return tx.InsertSession(ctx, openSession(2, time.Now()))
	})
	assert.ErrorIs(t, err, register.ErrSessionAlreadyOpen)
}

func TestInsertMovementEnforcesSeq(t *testing.T) {
	store := New()
	ctx := context.Background()
	session := openSession(3, time.Now())

	err := store.WithTx(ctx, func(ctx context.Context, tx register.TxRepository) error {
		if err := tx.InsertSession(ctx, session); err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, register.Movement{ID: uuid.New(), SessionID: session.ID, Seq: 1, Type: register.MovementOpening, Amount: decimal.NewFromInt(10)}); err != nil {
			return err
		}
		return tx.InsertMovement(ctx, register.Movement{ID: uuid.New(), SessionID: session.ID, Seq: 3, Type: register.MovementSale, Amount: decimal.NewFromInt(5)})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of order")

	movements, err := store.AllMovements(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestStaleSessionsOldestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()
	older := openSession(4, now.Add(-48*time.Hour))
	newer := openSession(5, now.Add(-20*time.Hour))
	fresh := openSession(6, now.Add(-time.Hour))

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx register.TxRepository) error {
		for _, s := range []register.Session{newer, fresh, older} {
			if err := tx.InsertSession(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}))

	stale, err := store.StaleSessions(ctx, now.Add(-16*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, older.ID, stale[0].ID)
	assert.Equal(t, newer.ID, stale[1].ID)

	limited, err := store.StaleSessions(ctx, now.Add(-16*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestWithTxHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().WithTx(ctx, func(context.Context, register.TxRepository) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListWindowsIgnoreNegativeOffset(t *testing.T) {
	store := New()
	ctx := context.Background()
	session := openSession(7, time.Now())
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx register.TxRepository) error {
		return tx.InsertSession(ctx, session)
	}))

	require.NotPanics(t, func() {
		movements, total, err := store.ListMovements(ctx, session.ID, 10, -200)
		require.NoError(t, err)
		assert.Empty(t, movements)
		assert.Zero(t, total)

		sessions, total, err := store.ListSessions(ctx, 7, 10, -200)
		require.NoError(t, err)
		assert.Empty(t, sessions)
		assert.Equal(t, 1, total)
	})
}
