// Package pgstore provides a PostgreSQL implementation of triage.RecordStore.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/underwrite/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/underwrite/internal/triage/pgstore")

var _ triage.PriorityQueue = (*Store)(nil)

//go:embed schema.sql
var schema string

// Store persists triage records in PostgreSQL. The exact bytes handed to
// Write are kept so Read returns the record as it would appear on disk.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pgstore: pool is required")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Write upserts the record stored under name. content must be a JSON
// encoded triage.Outcome; its canonical fields are indexed as columns.
func (s *Store) Write(ctx context.Context, name string, content []byte) error {
	ctx, span := startSpan(ctx, "pgstore.Write", "UPSERT")
	defer span.End()

	var o triage.Outcome
	if err := json.Unmarshal(content, &o); err != nil {
		return fail(span, fmt.Errorf("decode record %s: %w", name, err))
	}
	span.SetAttributes(
		attribute.String("underwrite.record.name", name),
		attribute.String("underwrite.submission.id", o.SubmissionID),
	)

	const query = `INSERT INTO triage_records (
		name, submission_id, risk_level, insured_value_usd, final_priority, body, raw
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (name) DO UPDATE SET
		submission_id     = EXCLUDED.submission_id,
		risk_level        = EXCLUDED.risk_level,
		insured_value_usd = EXCLUDED.insured_value_usd,
		final_priority    = EXCLUDED.final_priority,
		body              = EXCLUDED.body,
		raw               = EXCLUDED.raw,
		updated_at        = now()`

	_, err := s.pool.Exec(ctx, query,
		name, o.SubmissionID, string(o.RiskLevel), o.InsuredValueUSD, string(o.FinalPriority),
		json.RawMessage(content), content,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert record %s: %w", name, err))
	}
	return nil
}

// Read returns the bytes last written under name.
func (s *Store) Read(ctx context.Context, name string) ([]byte, error) {
	ctx, span := startSpan(ctx, "pgstore.Read", "SELECT")
	defer span.End()

	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT raw FROM triage_records WHERE name = $1`, name).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", triage.ErrRecordNotFound, name)
		}
		return nil, fail(span, fmt.Errorf("read record %s: %w", name, err))
	}
	return raw, nil
}

// ListByPriority returns record names with the given final priority, most
// recently updated first.
func (s *Store) ListByPriority(ctx context.Context, p triage.Priority, limit int) ([]string, error) {
	ctx, span := startSpan(ctx, "pgstore.ListByPriority", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT name FROM triage_records WHERE final_priority = $1 ORDER BY updated_at DESC LIMIT $2`,
		string(p), limit,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query records: %w", err))
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fail(span, fmt.Errorf("collect records: %w", err))
	}
	return names, nil
}
