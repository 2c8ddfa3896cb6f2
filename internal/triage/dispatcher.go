package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/underwrite/internal/tools"
)

const (
	submissionExt = ".xml"
	recordSuffix  = "_triage_result.json"
)

// SubmissionID derives the session/submission identifier from a file name.
func SubmissionID(fileName string) string {
	return strings.TrimSuffix(fileName, submissionExt)
}

// RecordName is the deterministic record name for a submission file name or ID.
func RecordName(fileName string) string {
	return SubmissionID(fileName) + recordSuffix
}

// DispatchHooks are optional callbacks for dispatcher events.
type DispatchHooks struct {
	// OnFinalize is called after every finalize attempt that reached the
	// record store; err is the write error, if any.
	OnFinalize func(priority Priority, err error)
}

// FinalizeInput is everything needed to commit a triage decision.
type FinalizeInput struct {
	SubmissionID string
	Profile      RiskProfile
	Notes        string
}

// Dispatcher executes tool requests on behalf of a session and owns the single
// finalize path.
type Dispatcher struct {
	sessions *SessionStore
	catalog  Catalog
	records  RecordStore
	notifier Notifier
	logger   log.Logger
	hooks    DispatchHooks
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. notifier may be nil.
func NewDispatcher(sessions *SessionStore, catalog Catalog, records RecordStore, notifier Notifier, logger log.Logger, hooks DispatchHooks) *Dispatcher {
	if sessions == nil || catalog == nil || records == nil {
		panic(xerrors.New("sessions, catalog and records are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		sessions: sessions,
		catalog:  catalog,
		records:  records,
		notifier: notifier,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
	}
}

// Dispatch runs req for the session and returns the text handed back to the model.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, req tools.Request) (string, error) {
	switch r := req.(type) {
	case tools.ListSubmissions:
		return d.listSubmissions(ctx), nil
	case tools.FinalizeTriage:
		res, err := d.Finalize(ctx, sessionID, FinalizeInput{
			SubmissionID: r.FileName,
			Profile:      InferRiskProfile(r.FileName, "", FileNameFallback),
			Notes:        r.UserNotes,
		})
		if err != nil {
			return "", err
		}
		return string(res.Record), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTool, req.ToolName())
}

func (d *Dispatcher) listSubmissions(ctx context.Context) string {
	names := d.catalog.List(ctx)
	if len(names) == 0 {
		return "No XML submission files were found in the input folder. Please place submission XML files there."
	}
	lines := make([]string, len(names))
	for i, n := range names {
		lines[i] = fmt.Sprintf("%d. %s", i+1, n)
	}
	return strings.Join(lines, "\n")
}

// Finalize evaluates, persists and commits the outcome for a session. The
// caller must hold the session (SessionStore.Acquire). A finalized session is
// rejected without touching the record store; on a write failure the session
// stays open so the call can be retried.
func (d *Dispatcher) Finalize(ctx context.Context, sessionID string, in FinalizeInput) (*FinalizeResult, error) {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Finalized {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFinalized, sessionID)
	}
	if strings.TrimSpace(in.SubmissionID) == "" {
		return nil, fmt.Errorf("%w: submission id is required", ErrInvalidInput)
	}

	outcome := &Outcome{
		SubmissionID:    in.SubmissionID,
		RiskLevel:       in.Profile.Level,
		InsuredValueUSD: in.Profile.InsuredValueUSD,
		FinalPriority:   Evaluate(in.Profile.InsuredValueUSD, in.Profile.Level),
		UserNotes:       in.Notes,
		Timestamp:       d.now().UTC(),
		History:         sess.History,
	}

	body, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal outcome: %w", err)
	}

	L := d.logger.With("session_id", sessionID, "submission_id", outcome.SubmissionID)

	name := RecordName(in.SubmissionID)
	if err := d.records.Write(ctx, name, body); err != nil {
		L.Error(ctx, err, "failed to persist triage record", "record", name)
		if d.hooks.OnFinalize != nil {
			d.hooks.OnFinalize(outcome.FinalPriority, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrWrite, name, err)
	}
	if d.hooks.OnFinalize != nil {
		d.hooks.OnFinalize(outcome.FinalPriority, nil)
	}

	if err := d.sessions.MarkFinalized(sessionID, outcome.RiskLevel); err != nil {
		return nil, err
	}

	L.Info(ctx, "triage finalized",
		"record", name,
		"risk_level", outcome.RiskLevel,
		"insured_value_usd", outcome.InsuredValueUSD,
		"final_priority", outcome.FinalPriority,
	)

	if d.notifier != nil {
		if err := d.notifier.Send(ctx, outcome); err != nil {
			L.Warn(ctx, "triage notification failed", "error", err)
		}
	}

	return &FinalizeResult{
		OutputFile: name,
		Outcome:    outcome,
		History:    outcome.History,
		Record:     body,
	}, nil
}
