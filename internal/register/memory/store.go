// Package memory keeps register sessions and movements in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/cashdesk/internal/register"
)

// Store is a mutex-guarded register repository. A transaction holds the
// mutex for its whole duration and its writes become visible only when the
// transaction function succeeds.
type Store struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]register.Session
	movements map[uuid.UUID][]register.Movement
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		sessions:  make(map[uuid.UUID]register.Session),
		movements: make(map[uuid.UUID][]register.Movement),
	}
}

var _ register.Repository = (*Store)(nil)

// WithTx runs fn with exclusive access to the store.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, register.TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txStore{
		store:     s,
		sessions:  make(map[uuid.UUID]register.Session),
		movements: make(map[uuid.UUID][]register.Movement),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, session := range tx.sessions {
		s.sessions[id] = session
	}
	for id, appended := range tx.movements {
		s.movements[id] = append(s.movements[id], appended...)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (register.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return register.Session{}, register.ErrSessionNotFound
	}
	return session, nil
}

// CurrentSession returns the open session of a till, if any.
func (s *Store) CurrentSession(ctx context.Context, tillID int64) (*register.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return openFor(s.sessions, nil, tillID), nil
}

// ListSessions pages a till's sessions by descending open time.
func (s *Store) ListSessions(ctx context.Context, tillID int64, limit, offset int) ([]register.Session, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []register.Session
	for _, session := range s.sessions {
		if session.TillID == tillID {
			matched = append(matched, session)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].OpenedAt.After(matched[j].OpenedAt)
	})
	return window(matched, limit, offset), len(matched), nil
}

// ListMovements pages a session ledger by descending Seq.
func (s *Store) ListMovements(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]register.Movement, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.movements[sessionID]
	reversed := make([]register.Movement, len(stored))
	for i, m := range stored {
		reversed[len(stored)-1-i] = m
	}
	return window(reversed, limit, offset), len(stored), nil
}

// AllMovements returns a copy of a session ledger by ascending Seq.
func (s *Store) AllMovements(ctx context.Context, sessionID uuid.UUID) ([]register.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.movements[sessionID]
	out := make([]register.Movement, len(stored))
	copy(out, stored)
	return out, nil
}

// MovementTotals sums a session ledger per movement type.
func (s *Store) MovementTotals(ctx context.Context, sessionID uuid.UUID) (register.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return register.TotalsOf(s.movements[sessionID]), nil
}

// StaleSessions returns open sessions opened before the cutoff, oldest first.
func (s *Store) StaleSessions(ctx context.Context, openedBefore time.Time, limit int) ([]register.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []register.Session
	for _, session := range s.sessions {
		if session.IsOpen() && session.OpenedAt.Before(openedBefore) {
			stale = append(stale, session)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].OpenedAt.Before(stale[j].OpenedAt)
	})
	return window(stale, limit, 0), nil
}

type txStore struct {
	store     *Store
	sessions  map[uuid.UUID]register.Session
	movements map[uuid.UUID][]register.Movement
}

func (t *txStore) LockTill(ctx context.Context, tillID int64) error {
	return nil
}

func (t *txStore) OpenSessionForTill(ctx context.Context, tillID int64) (*register.Session, error) {
	return openFor(t.store.sessions, t.sessions, tillID), nil
}

func (t *txStore) InsertSession(ctx context.Context, session register.Session) error {
	if _, ok := t.session(session.ID); ok {
		return fmt.Errorf("memory: duplicate session %s", session.ID)
	}
	if session.IsOpen() && openFor(t.store.sessions, t.sessions, session.TillID) != nil {
		return register.ErrSessionAlreadyOpen
	}
	t.sessions[session.ID] = session
	return nil
}

func (t *txStore) LoadSessionForUpdate(ctx context.Context, id uuid.UUID) (register.Session, error) {
	session, ok := t.session(id)
	if !ok {
		return register.Session{}, register.ErrSessionNotFound
	}
	return session, nil
}

func (t *txStore) InsertMovement(ctx context.Context, m register.Movement) error {
	if _, ok := t.session(m.SessionID); !ok {
		return fmt.Errorf("memory: movement %s references unknown session %s", m.ID, m.SessionID)
	}
	existing := len(t.store.movements[m.SessionID]) + len(t.movements[m.SessionID])
	if m.Seq != int64(existing+1) {
		return fmt.Errorf("memory: movement seq %d out of order for session %s", m.Seq, m.SessionID)
	}
	t.movements[m.SessionID] = append(t.movements[m.SessionID], m)
	return nil
}

func (t *txStore) SaveLedgerState(ctx context.Context, state register.LedgerState) error {
	session, ok := t.session(state.SessionID)
	if !ok {
		return register.ErrSessionNotFound
	}
	session.LastSeq = state.LastSeq
	session.LastMovementAt = state.LastMovementAt
	session.RunningBalance = state.Balance
	t.sessions[session.ID] = session
	return nil
}

func (t *txStore) MovementTotals(ctx context.Context, sessionID uuid.UUID) (register.Totals, error) {
	totals := register.TotalsOf(t.store.movements[sessionID])
	for _, m := range t.movements[sessionID] {
		totals.Add(m.Type, m.Amount)
	}
	return totals, nil
}

func (t *txStore) CloseSession(ctx context.Context, session register.Session) error {
	current, ok := t.session(session.ID)
	if !ok {
		return register.ErrSessionNotFound
	}
	if !current.IsOpen() {
		return register.ErrSessionNotOpen
	}
	t.sessions[session.ID] = session
	return nil
}

func (t *txStore) session(id uuid.UUID) (register.Session, bool) {
	if session, ok := t.sessions[id]; ok {
		return session, true
	}
	session, ok := t.store.sessions[id]
	return session, ok
}

// openFor finds the open session of a till, letting staged writes shadow
// committed ones.
func openFor(committed, staged map[uuid.UUID]register.Session, tillID int64) *register.Session {
	for id, session := range staged {
		if session.TillID == tillID && session.IsOpen() {
			found := staged[id]
			return &found
		}
	}
	for id, session := range committed {
		if _, shadowed := staged[id]; shadowed {
			continue
		}
		if session.TillID == tillID && session.IsOpen() {
			found := session
			return &found
		}
	}
	return nil
}

func window[T any](items []T, limit, offset int) []T {
	if offset < 0 || offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]T, end-offset)
	copy(out, items[offset:end])
	return out
}
