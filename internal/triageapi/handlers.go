package triageapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/underwrite/internal/triage"
)

type startSessionRequest struct {
	Filename string `json:"filename"`
	Reset    bool   `json:"reset"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type confirmRequest struct {
	RiskLevel string `json:"risk_level"`
	Notes     string `json:"notes"`
}

type sessionView struct {
	SessionID      string            `json:"session_id"`
	State          triage.State      `json:"state"`
	Finalized      bool              `json:"finalized"`
	RiskAssessment *triage.RiskLevel `json:"risk_assessment,omitempty"`
	History        []triage.Turn     `json:"history"`
}

func viewOf(s *triage.Session) sessionView {
	h := s.History
	if h == nil {
		h = []triage.Turn{}
	}
	return sessionView{
		SessionID:      s.ID,
		State:          s.State,
		Finalized:      s.Finalized,
		RiskAssessment: s.RiskAssessment,
		History:        h,
	}
}

func annotate(r *http.Request, sessionID string) {
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("underwrite.session.id", sessionID))
}

func (a *API) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	names := a.svc.ListSubmissions(r.Context())
	if names == nil {
		names = []string{}
	}
	writeResult(w, http.StatusOK, names)
}

func (a *API) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeBody(r, w, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	sess, err := a.svc.StartSession(r.Context(), req.Filename, req.Reset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	annotate(r, sess.ID)
	writeResult(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotate(r, id)

	sess, err := a.svc.Session(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, viewOf(sess))
}

func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotate(r, id)

	var req messageRequest
	if err := decodeBody(r, w, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	reply, err := a.svc.SendMessage(r.Context(), id, req.Message)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, reply)
}

func (a *API) handleSuggestRisk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotate(r, id)

	reply, err := a.svc.SuggestRisk(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, reply)
}

func (a *API) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotate(r, id)

	var req confirmRequest
	if err := decodeBody(r, w, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.svc.Confirm(r.Context(), id, req.RiskLevel, req.Notes)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.logger.Info(r.Context(), "triage confirmed",
		"session_id", id,
		"priority", string(res.Outcome.FinalPriority),
		"output_file", res.OutputFile,
	)
	writeResult(w, http.StatusOK, res)
}

func (a *API) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	out, err := a.svc.Record(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, out)
}

// handleQueue lists record names for a priority. limit defaults to the
// store's own default.
func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", triage.ErrInvalidInput))
			return
		}
		limit = n
	}

	names, err := a.svc.Queue(r.Context(), chi.URLParam(r, "priority"), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeResult(w, http.StatusOK, names)
}
