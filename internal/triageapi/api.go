// Package triageapi exposes the triage service over HTTP.
package triageapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/underwrite/internal/triage"
)

const maxBodyBytes = 1 << 20

// TriageService defines the business operations triageapi needs.
type TriageService interface {
	ListSubmissions(ctx context.Context) []string
	StartSession(ctx context.Context, fileName string, reset bool) (*triage.Session, error)
	Session(ctx context.Context, sessionID string) (*triage.Session, error)
	SendMessage(ctx context.Context, sessionID, message string) (string, error)
	SuggestRisk(ctx context.Context, sessionID string) (string, error)
	Confirm(ctx context.Context, sessionID, riskLevel, notes string) (*triage.FinalizeResult, error)
	Record(ctx context.Context, submissionID string) (*triage.Outcome, error)
	Queue(ctx context.Context, priority string, limit int) ([]string, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/submissions", a.handleListSubmissions)
		r.Post("/sessions", a.handleStartSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetSession)
			r.Post("/messages", a.handleMessage)
			r.Post("/suggest-risk", a.handleSuggestRisk)
			r.Post("/confirm", a.handleConfirm)
		})
		r.Get("/records/{id}", a.handleGetRecord)
		r.Get("/queues/{priority}", a.handleQueue)
	})
}

// envelope is the body of every API response: exactly one of result/error.
type envelope struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResult(w http.ResponseWriter, status int, result any) {
	writeJSON(w, status, envelope{Result: result})
}

// writeError maps a service error to a status code. Server-side failures are
// logged; client errors are only echoed back.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path, "status", status)
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("underwrite.error.status", status))

	writeJSON(w, status, envelope{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, triage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, triage.ErrDuplicateSession),
		errors.Is(err, triage.ErrAlreadyFinalized),
		errors.Is(err, triage.ErrDocumentAttached):
		return http.StatusConflict
	case errors.Is(err, triage.ErrInvalidInput),
		errors.Is(err, triage.ErrInvalidRiskLevel),
		errors.Is(err, errBadBody):
		return http.StatusBadRequest
	case errors.Is(err, triage.ErrCompletionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, triage.ErrToolLoopExceeded):
		return http.StatusBadGateway
	case errors.Is(err, triage.ErrQueueUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, triage.ErrWrite):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

var errBadBody = errors.New("invalid request body")

// decodeBody reads a JSON object into dst. An empty body leaves dst zeroed.
func decodeBody(r *http.Request, w http.ResponseWriter, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(errBadBody, err)
	}
	return nil
}
