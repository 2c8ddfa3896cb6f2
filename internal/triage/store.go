package triage

import "context"

// RecordStore is the persistence interface for finalized triage records.
// Write replaces any record already stored under name.
type RecordStore interface {
	Write(ctx context.Context, name string, content []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
}

// PriorityQueue is implemented by record stores that can list records by
// their final priority, most recent first.
type PriorityQueue interface {
	ListByPriority(ctx context.Context, p Priority, limit int) ([]string, error)
}

// Catalog is the source of submission documents.
type Catalog interface {
	List(ctx context.Context) []string
	Read(ctx context.Context, name string) (string, error)
}

// Notifier is told about every finalized outcome.
type Notifier interface {
	Send(ctx context.Context, outcome *Outcome) error
}
