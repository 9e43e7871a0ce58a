package graph

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/johncui/engram/pkg/model"
)

const defaultQueryLimit = 50

// Store encapsulates the append-only facts table.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	now    func() time.Time
}

// New builds a Store. writer must be the single-writer handle.
func New(writer, reader *sql.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{writer: writer, reader: reader, now: now}
}

// AddFact appends a fact. Facts with the same triple are kept side by side so
// the confidence history survives. Confidence is stored as given.
func (s *Store) AddFact(ctx context.Context, f model.Fact) (model.Fact, error) {
	if f.Timestamp == 0 {
		f.Timestamp = s.now().Unix()
	}
	var source sql.NullInt64
	if f.SourceEpisode != nil {
		source = sql.NullInt64{Int64: *f.SourceEpisode, Valid: true}
	}
	res, err := s.writer.ExecContext(ctx, `
        INSERT INTO facts(timestamp, subject, predicate, object, confidence, source_episode)
        VALUES(?, ?, ?, ?, ?, ?);
    `, f.Timestamp, f.Subject, f.Predicate, f.Object, f.Confidence, source)
	if err != nil {
		return model.Fact{}, fmt.Errorf("graph: insert fact: %w", err)
	}
	if f.ID, err = res.LastInsertId(); err != nil {
		return model.Fact{}, fmt.Errorf("graph: insert fact: %w", err)
	}
	return f, nil
}

// QueryFacts filters by any subset of subject, predicate and object, newest first.
func (s *Store) QueryFacts(ctx context.Context, q model.FactQuery) ([]model.Fact, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var (
		where []string
		args  []any
	)
	if q.Subject != nil {
		where = append(where, "subject = ?")
		args = append(args, *q.Subject)
	}
	if q.Predicate != nil {
		where = append(where, "predicate = ?")
		args = append(args, *q.Predicate)
	}
	if q.Object != nil {
		where = append(where, "object = ?")
		args = append(args, *q.Object)
	}

	query := `SELECT id, timestamp, subject, predicate, object, confidence, source_episode FROM facts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: query facts: %w", err)
	}
	defer rows.Close()

	out := make([]model.Fact, 0)
	for rows.Next() {
		var (
			f      model.Fact
			source sql.NullInt64
		)
		if err := rows.Scan(&f.ID, &f.Timestamp, &f.Subject, &f.Predicate, &f.Object, &f.Confidence, &source); err != nil {
			return nil, fmt.Errorf("graph: scan fact: %w", err)
		}
		if source.Valid {
			id := source.Int64
			f.SourceEpisode = &id
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph: iterate facts: %w", err)
	}
	return out, nil
}

// Forget keeps only the maxFacts most recent facts by (timestamp, id) and
// returns how many were discarded. maxFacts <= 0 disables forgetting.
func (s *Store) Forget(ctx context.Context, maxFacts int) (int, error) {
	if maxFacts <= 0 {
		return 0, nil
	}
	res, err := s.writer.ExecContext(ctx, `
        DELETE FROM facts
        WHERE id IN (
            SELECT id FROM facts
            ORDER BY timestamp DESC, id DESC
            LIMIT -1 OFFSET ?
        );
    `, maxFacts)
	if err != nil {
		return 0, fmt.Errorf("graph: forget facts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("graph: forget facts: %w", err)
	}
	return int(n), nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("graph: count facts: %w", err)
	}
	return n, nil
}
