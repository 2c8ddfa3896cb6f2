package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
)

// Service is the business boundary for triage operations, shared by the HTTP
// API and the terminal agent.
type Service struct {
	sessions   *SessionStore
	catalog    Catalog
	records    RecordStore
	engine     *Engine
	dispatcher *Dispatcher
	logger     log.Logger
}

// NewService creates a new triage service.
func NewService(sessions *SessionStore, catalog Catalog, records RecordStore, engine *Engine, dispatcher *Dispatcher, logger log.Logger) *Service {
	if sessions == nil || catalog == nil || records == nil || engine == nil || dispatcher == nil {
		panic(xerrors.New("triage service dependencies are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		sessions:   sessions,
		catalog:    catalog,
		records:    records,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// ListSubmissions returns the submission file names available for triage.
func (s *Service) ListSubmissions(ctx context.Context) []string {
	return s.catalog.List(ctx)
}

// StartSession opens a conversation about a submission file. An existing
// session for the same submission is an ErrDuplicateSession unless reset is
// set, in which case it is replaced and its history discarded.
func (s *Service) StartSession(ctx context.Context, fileName string, reset bool) (*Session, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}

	doc, err := s.catalog.Read(ctx, fileName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, fileName)
		}
		return nil, fmt.Errorf("read submission %s: %w", fileName, err)
	}

	id := SubmissionID(fileName)
	if reset {
		sess, err := s.sessions.Replace(ctx, id, doc)
		if err != nil {
			return nil, err
		}
		s.logger.Info(ctx, "session reset", "session_id", id)
		return sess, nil
	}

	sess, err := s.sessions.Create(id, doc)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "session started", "session_id", id, "document_bytes", len(doc))
	return sess, nil
}

// StartInteractive opens a session with no document; the user picks a
// submission during the conversation.
func (s *Service) StartInteractive(ctx context.Context) (*Session, error) {
	id := "interactive-" + ulid.Make().String()
	sess, err := s.sessions.Create(id, "")
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "interactive session started", "session_id", id)
	return sess, nil
}

// SendMessage runs one conversation turn.
func (s *Service) SendMessage(ctx context.Context, sessionID, message string) (string, error) {
	return s.engine.ProcessUserTurn(ctx, sessionID, message)
}

// SuggestRisk asks the assistant for a risk recommendation and moves the
// session to awaiting confirmation.
func (s *Service) SuggestRisk(ctx context.Context, sessionID string) (string, error) {
	release, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer release()

	if err := s.sessions.CheckNotFinalized(sessionID); err != nil {
		return "", err
	}

	reply, err := s.engine.turn(ctx, sessionID, suggestionPrompt)
	if err != nil {
		return "", err
	}
	if err := s.sessions.SetState(sessionID, StateAwaitingConfirmation); err != nil {
		// a tool call inside the turn may have finalized the session
		if !errors.Is(err, ErrAlreadyFinalized) {
			return "", err
		}
	}
	return reply, nil
}

// Confirm commits the user's risk decision. Markers in the submission ID or
// document override the confirmed level.
func (s *Service) Confirm(ctx context.Context, sessionID, riskLevel, notes string) (*FinalizeResult, error) {
	level, err := ParseRiskLevel(riskLevel)
	if err != nil {
		return nil, err
	}

	release, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Finalized {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFinalized, sessionID)
	}

	profile := InferRiskProfile(sess.ID, sess.Document, DiscussionFallback(level))
	// kept on the session even if the write below fails
	if err := s.sessions.SetRiskAssessment(sessionID, profile.Level); err != nil {
		return nil, err
	}

	return s.dispatcher.Finalize(ctx, sessionID, FinalizeInput{
		SubmissionID: sess.ID,
		Profile:      profile,
		Notes:        notes,
	})
}

// Queue lists record names with the given priority when the record store
// supports it.
func (s *Service) Queue(ctx context.Context, priority string, limit int) ([]string, error) {
	p, err := ParsePriority(priority)
	if err != nil {
		return nil, err
	}
	q, ok := s.records.(PriorityQueue)
	if !ok {
		return nil, ErrQueueUnsupported
	}
	names, err := q.ListByPriority(ctx, p, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s queue: %w", p, err)
	}
	return names, nil
}

// Session returns a snapshot of a session.
func (s *Service) Session(_ context.Context, sessionID string) (*Session, error) {
	return s.sessions.Get(sessionID)
}

// Record reads back the persisted outcome for a submission.
func (s *Service) Record(ctx context.Context, submissionID string) (*Outcome, error) {
	body, err := s.records.Read(ctx, RecordName(submissionID))
	if err != nil {
		return nil, err
	}
	var out Outcome
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", submissionID, err)
	}
	return &out, nil
}
