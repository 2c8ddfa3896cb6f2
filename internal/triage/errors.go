package triage

import (
	"errors"
	"fmt"

	"github.com/linnemanlabs/underwrite/internal/tools"
)

var (
	// ErrNotFound is the root of every missing session/document/record error.
	ErrNotFound = errors.New("not found")

	ErrSessionNotFound  = fmt.Errorf("session %w", ErrNotFound)
	ErrDocumentNotFound = fmt.Errorf("document %w", ErrNotFound)
	ErrRecordNotFound   = fmt.Errorf("record %w", ErrNotFound)

	ErrDuplicateSession  = errors.New("session already exists")
	ErrAlreadyFinalized  = errors.New("session already finalized")
	ErrDocumentAttached  = errors.New("session already has a document")
	ErrToolLoopExceeded  = errors.New("tool round limit exceeded")
	ErrWrite             = errors.New("write failed")
	ErrCompletionTimeout = errors.New("completion timed out")
	ErrInvalidRiskLevel  = errors.New("invalid risk level")
	ErrInvalidInput      = errors.New("invalid input")
	ErrQueueUnsupported  = errors.New("record store does not support priority queues")

	// ErrUnknownTool is returned when the model asks for a tool we do not offer.
	ErrUnknownTool = tools.ErrUnknownTool
)
