// Package usage records one row per classified email: which business,
// which prompt version and model, the token counts and the category the
// message landed in. Records are append-only and aggregate by business
// and time window.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one classification.
type Record struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"ts"`
	BusinessID    string    `json:"business_id"`
	PromptVersion string    `json:"prompt_version"`
	Model         string    `json:"model"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`

	// Category is the primary category after scope enforcement.
	Category   string `json:"category"`
	Overridden bool   `json:"overridden"`
}

// Summary holds aggregated totals.
type Summary struct {
	TotalRecords      int   `json:"total_records"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	Overridden        int   `json:"overridden"`
}

// tsFormat is fixed width so stored timestamps compare correctly as
// text.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is an append-only SQLite store for classification records.
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store, creating the schema on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS classification_usage (
		id             TEXT PRIMARY KEY,
		timestamp      TEXT NOT NULL,
		business_id    TEXT NOT NULL,
		prompt_version TEXT NOT NULL,
		model          TEXT NOT NULL,
		input_tokens   INTEGER NOT NULL,
		output_tokens  INTEGER NOT NULL,
		category       TEXT NOT NULL,
		overridden     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_business_ts ON classification_usage(business_id, timestamp);
	`)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero Timestamp
// gets the current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO classification_usage
			(id, timestamp, business_id, prompt_version, model,
			 input_tokens, output_tokens, category, overridden)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsFormat),
		rec.BusinessID,
		rec.PromptVersion,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Category,
		rec.Overridden,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for businessID within [start, end).
func (s *Store) Summary(ctx context.Context, businessID string, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(overridden), 0)
		 FROM classification_usage
		 WHERE business_id = ? AND timestamp >= ? AND timestamp < ?`,
		businessID,
		start.UTC().Format(tsFormat),
		end.UTC().Format(tsFormat),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.Overridden); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByCategory returns per-category totals for businessID within
// [start, end).
func (s *Store) SummaryByCategory(ctx context.Context, businessID string, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "category", businessID, start, end)
}

// SummaryByModel returns per-model totals for businessID within
// [start, end).
func (s *Store) SummaryByModel(ctx context.Context, businessID string, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", businessID, start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column, businessID string, start, end time.Time) (map[string]*Summary, error) {
	// column only ever comes from the methods above.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(overridden), 0)
		 FROM classification_usage
		 WHERE business_id = ? AND timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		businessID,
		start.UTC().Format(tsFormat),
		end.UTC().Format(tsFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.Overridden); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// Erase deletes every record for businessID.
func (s *Store) Erase(ctx context.Context, businessID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM classification_usage WHERE business_id = ?`, businessID); err != nil {
		return fmt.Errorf("erase usage for %s: %w", businessID, err)
	}
	return nil
}
