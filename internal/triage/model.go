package triage

import "time"

// State tracks where a session is in the triage conversation.
type State string

const (
	// StateAwaitingSelection means no submission document is attached yet
	StateAwaitingSelection State = "awaiting_selection"

	// StateDiscussing means a document is attached and under discussion
	StateDiscussing State = "discussing"

	// StateAwaitingConfirmation means a risk level was suggested and the user has not confirmed
	StateAwaitingConfirmation State = "awaiting_confirmation"

	// StateFinalized means an outcome was persisted; terminal
	StateFinalized State = "finalized"
)

// Turn is one user/assistant exchange in a session's history.
type Turn struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the conversation state for one submission.
type Session struct {
	ID             string     `json:"submission_id"`
	Document       string     `json:"-"`
	History        []Turn     `json:"history"`
	RiskAssessment *RiskLevel `json:"risk_assessment,omitempty"`
	State          State      `json:"state"`
	Finalized      bool       `json:"finalized"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasDocument reports whether a submission document is attached.
func (s *Session) HasDocument() bool { return s.Document != "" }

// clone returns a deep copy safe to hand outside the store.
func (s *Session) clone() *Session {
	cp := *s
	cp.History = append([]Turn(nil), s.History...)
	if s.RiskAssessment != nil {
		lvl := *s.RiskAssessment
		cp.RiskAssessment = &lvl
	}
	return &cp
}

// Outcome is the final triage decision for a submission. Field order is the
// persisted key order.
type Outcome struct {
	SubmissionID    string    `json:"submissionId"`
	RiskLevel       RiskLevel `json:"riskLevel"`
	InsuredValueUSD int64     `json:"insuredValueUsd"`
	FinalPriority   Priority  `json:"finalPriority"`
	UserNotes       string    `json:"userNotes"`
	Timestamp       time.Time `json:"timestamp"`

	// History is the conversation at finalization time. Returned to callers,
	// not persisted.
	History []Turn `json:"-"`
}

// FinalizeResult is returned by a successful finalization.
type FinalizeResult struct {
	OutputFile string   `json:"output_file"`
	Outcome    *Outcome `json:"outcome"`
	History    []Turn   `json:"history"`

	// Record is the persisted JSON document.
	Record []byte `json:"-"`
}
