package usage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO usage_records (ts, provider, model, user_id, request_id, thread_id, run_id,
			input_tokens, output_tokens, total_tokens, latency_ms, success, error, cost, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query,
		rec.Timestamp, rec.Provider, rec.Model, rec.UserID, rec.RequestID, rec.ThreadID, rec.RunID,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.LatencyMS, rec.Success, rec.Error,
		rec.Cost, rec.Metadata,
	).Scan(&rec.ID)

	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// whereClause builds the filter predicate starting after the time range
// placeholders. Only fixed column names go into the SQL text.
func whereClause(f Filter, args *[]any) string {
	var b strings.Builder
	if f.Provider != "" {
		*args = append(*args, f.Provider)
		fmt.Fprintf(&b, " AND provider = $%d", len(*args))
	}
	if f.Model != "" {
		*args = append(*args, f.Model)
		fmt.Fprintf(&b, " AND model = $%d", len(*args))
	}
	if f.UserID != "" {
		*args = append(*args, f.UserID)
		fmt.Fprintf(&b, " AND user_id = $%d", len(*args))
	}
	if f.ThreadID != "" {
		*args = append(*args, f.ThreadID)
		fmt.Fprintf(&b, " AND thread_id = $%d", len(*args))
	}
	if f.RunID != "" {
		*args = append(*args, f.RunID)
		fmt.Fprintf(&b, " AND run_id = $%d", len(*args))
	}
	return b.String()
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	f = f.normalized()
	args := []any{f.Start, f.End}
	query := `
		SELECT id, ts, provider, model, user_id, request_id, thread_id, run_id,
			input_tokens, output_tokens, total_tokens, latency_ms, success, error, cost
		FROM usage_records
		WHERE ts >= $1 AND ts <= $2` + whereClause(f, &args) + `
		ORDER BY ts DESC
	`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.Timestamp, &r.Provider, &r.Model, &r.UserID, &r.RequestID, &r.ThreadID, &r.RunID,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.LatencyMS, &r.Success, &r.Error, &r.Cost,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

// groupColumns limits SQL grouping to known columns.
var groupColumns = map[string]bool{
	"provider":  true,
	"model":     true,
	"user_id":   true,
	"thread_id": true,
	"run_id":    true,
}

func (s *PostgresStore) Summarize(ctx context.Context, f Filter, groupBy []string) (*Summary, error) {
	f = f.normalized()
	args := []any{f.Start, f.End}
	where := `WHERE ts >= $1 AND ts <= $2` + whereClause(f, &args)

	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM usage_records ` + where

	sum := &Summary{}
	err := s.db.QueryRow(ctx, query, args...).Scan(
		&sum.TotalRequests, &sum.SuccessfulRequests, &sum.FailedRequests,
		&sum.TotalTokens, &sum.InputTokens, &sum.OutputTokens,
		&sum.TotalCost, &sum.AvgLatencyMS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	if len(groupBy) == 0 {
		return sum, nil
	}

	cols := make([]string, 0, len(groupBy))
	for _, field := range groupBy {
		if !groupColumns[field] {
			return nil, fmt.Errorf("cannot group usage by %q", field)
		}
		cols = append(cols, field)
	}
	colList := strings.Join(cols, ", ")

	groupQuery := `
		SELECT ` + colList + `, COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM usage_records ` + where + `
		GROUP BY ` + colList

	rows, err := s.db.Query(ctx, groupQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage groups: %w", err)
	}
	defer rows.Close()

	sum.Groups = make(map[string]*GroupSummary)
	for rows.Next() {
		values := make([]string, len(cols))
		dest := make([]any, 0, len(cols)+8)
		for i := range values {
			dest = append(dest, &values[i])
		}
		g := &GroupSummary{Fields: make(map[string]string, len(cols))}
		dest = append(dest,
			&g.TotalRequests, &g.SuccessfulRequests, &g.FailedRequests,
			&g.TotalTokens, &g.InputTokens, &g.OutputTokens,
			&g.TotalCost, &g.AvgLatencyMS,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan usage group: %w", err)
		}
		for i, col := range cols {
			g.Fields[col] = values[i]
		}
		sum.Groups[strings.Join(values, "|")] = g
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage groups: %w", err)
	}
	return sum, nil
}
