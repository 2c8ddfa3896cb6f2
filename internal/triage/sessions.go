package triage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// sessionEntry guards one session. turn is a one-slot semaphore held for the
// duration of a conversation turn; mu guards the session fields and is only
// held for field access.
type sessionEntry struct {
	turn chan struct{}
	mu   sync.Mutex
	sess *Session
}

// SessionStore holds conversation sessions in memory, keyed by submission ID.
// Sessions live for the lifetime of the process.
type SessionStore struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry
	now     func() time.Time
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		entries: make(map[string]*sessionEntry),
		now:     time.Now,
	}
}

func (s *SessionStore) newEntry(id, document string) *sessionEntry {
	now := s.now()
	state := StateDiscussing
	if document == "" {
		state = StateAwaitingSelection
	}
	return &sessionEntry{
		turn: make(chan struct{}, 1),
		sess: &Session{
			ID:        id,
			Document:  document,
			State:     state,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// Create starts a new session. It fails with ErrDuplicateSession if id is in use.
func (s *SessionStore) Create(id, document string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	e := s.newEntry(id, document)
	s.entries[id] = e
	return e.sess.clone(), nil
}

// Replace starts a new session for id, discarding any existing one. It
// waits for a turn in flight on the old session to finish, so that turn's
// writes land on the old session and never interleave with the new one.
func (s *SessionStore) Replace(ctx context.Context, id, document string) (*Session, error) {
	for {
		s.mu.RLock()
		old := s.entries[id]
		s.mu.RUnlock()

		if old != nil {
			if err := old.acquire(ctx); err != nil {
				return nil, err
			}
		}

		s.mu.Lock()
		if s.entries[id] != old {
			// replaced or created while we waited
			s.mu.Unlock()
			if old != nil {
				old.release()
			}
			continue
		}
		e := s.newEntry(id, document)
		s.entries[id] = e
		snap := e.sess.clone()
		s.mu.Unlock()

		if old != nil {
			old.release()
		}
		return snap, nil
	}
}

func (e *sessionEntry) acquire(ctx context.Context) error {
	select {
	case e.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *sessionEntry) release() { <-e.turn }

// current reports whether e is still the live entry for id.
func (s *SessionStore) current(id string, e *sessionEntry) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id] == e
}

func (s *SessionStore) entry(id string) (*sessionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

// update runs fn on the live session under its lock.
func (s *SessionStore) update(id string, fn func(*Session) error) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.sess); err != nil {
		return err
	}
	e.sess.UpdatedAt = s.now()
	return nil
}

// Get returns a snapshot of the session.
func (s *SessionStore) Get(id string) (*Session, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.clone(), nil
}

// Acquire reserves the session for one conversation turn. The returned func
// releases it. Waiting respects ctx; other sessions are unaffected. A caller
// waiting on a session that gets replaced ends up holding the new one.
func (s *SessionStore) Acquire(ctx context.Context, id string) (func(), error) {
	for {
		e, err := s.entry(id)
		if err != nil {
			return nil, err
		}
		if err := e.acquire(ctx); err != nil {
			return nil, err
		}
		if s.current(id, e) {
			return e.release, nil
		}
		e.release()
	}
}

// AppendTurn records one user/assistant exchange.
func (s *SessionStore) AppendTurn(id, userText, assistantText string) error {
	return s.update(id, func(sess *Session) error {
		sess.History = append(sess.History, Turn{
			User:      userText,
			Assistant: assistantText,
			Timestamp: s.now(),
		})
		return nil
	})
}

// SetRiskAssessment records the confirmed risk level.
func (s *SessionStore) SetRiskAssessment(id string, level RiskLevel) error {
	return s.update(id, func(sess *Session) error {
		sess.RiskAssessment = &level
		return nil
	})
}

// SetState moves a session to st. Finalized sessions and the finalized state
// itself are only reachable through MarkFinalized.
func (s *SessionStore) SetState(id string, st State) error {
	return s.update(id, func(sess *Session) error {
		if sess.Finalized {
			return fmt.Errorf("%w: %s", ErrAlreadyFinalized, id)
		}
		if st == StateFinalized {
			return fmt.Errorf("%w: use MarkFinalized", ErrInvalidInput)
		}
		sess.State = st
		return nil
	})
}

// AttachDocument sets the document of a session that started without one.
// The document can be set once.
func (s *SessionStore) AttachDocument(id, document string) error {
	return s.update(id, func(sess *Session) error {
		if sess.HasDocument() {
			return fmt.Errorf("%w: %s", ErrDocumentAttached, id)
		}
		sess.Document = document
		if sess.State == StateAwaitingSelection {
			sess.State = StateDiscussing
		}
		return nil
	})
}

// CheckNotFinalized fails with ErrAlreadyFinalized if the session is finalized.
func (s *SessionStore) CheckNotFinalized(id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	if sess.Finalized {
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, id)
	}
	return nil
}

// MarkFinalized transitions the session to finalized and records the risk
// level. Only the first call succeeds.
func (s *SessionStore) MarkFinalized(id string, level RiskLevel) error {
	return s.update(id, func(sess *Session) error {
		if sess.Finalized {
			return fmt.Errorf("%w: %s", ErrAlreadyFinalized, id)
		}
		sess.Finalized = true
		sess.State = StateFinalized
		sess.RiskAssessment = &level
		return nil
	})
}

// Len returns the number of sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
