package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/mailroom/internal/correction"
	"github.com/nugget/mailroom/internal/voice"
)

// ProfileVersion is the schema version of the persisted profile JSON.
const ProfileVersion = 1

// ErrLearningInProgress is returned by [Store.TryBeginLearning] when
// another refinement holds the business's learning flag.
var ErrLearningInProgress = errors.New("learning already in progress")

// ErrSchemaVersion reports a persisted JSON column written by a
// version of Mailroom this one cannot read.
var ErrSchemaVersion = errors.New("unsupported schema version")

// tsFormat is fixed width so stored timestamps compare correctly as
// text.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsFormat)
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Store persists draft corrections, voice profiles and zero-edit
// counts in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a learning store, running migrations on first use.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate learning store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS draft_corrections (
			id              TEXT PRIMARY KEY,
			business_id     TEXT NOT NULL,
			thread_id       TEXT NOT NULL DEFAULT '',
			message_id      TEXT NOT NULL DEFAULT '',
			category        TEXT NOT NULL DEFAULT '',
			draft_text      TEXT NOT NULL,
			final_text      TEXT NOT NULL,
			edit_distance   INTEGER NOT NULL,
			similarity      REAL NOT NULL,
			correction_type TEXT NOT NULL,
			signals         TEXT NOT NULL,
			signals_version INTEGER NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			created_at      TEXT NOT NULL,
			applied_at      TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_draft_corrections_pending
			ON draft_corrections(business_id, status, created_at);

		CREATE TABLE IF NOT EXISTS voice_profiles (
			business_id          TEXT PRIMARY KEY,
			profile              TEXT NOT NULL,
			profile_version      INTEGER NOT NULL,
			learning_in_progress INTEGER NOT NULL DEFAULT 0,
			locked_at            TEXT,
			updated_at           TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS zero_edit_counts (
			business_id TEXT PRIMARY KEY,
			count       INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL
		);
	`)
	return err
}

// SaveCorrection inserts a correction record.
func (s *Store) SaveCorrection(ctx context.Context, rec *correction.Record) error {
	signals, err := json.Marshal(rec.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	status := rec.Status
	if status == "" {
		status = correction.StatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO draft_corrections
		 (id, business_id, thread_id, message_id, category, draft_text, final_text,
		  edit_distance, similarity, correction_type, signals, signals_version, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BusinessID, rec.ThreadID, rec.MessageID, rec.Category, rec.DraftText, rec.FinalText,
		rec.EditDistance, rec.Similarity, string(rec.Type), string(signals), correction.SignalsVersion,
		string(status), formatTS(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert correction %s: %w", rec.ID, err)
	}
	return nil
}

// PendingCount returns the number of corrections not yet folded into
// the business's profile. Rows written with another signals version
// are not counted.
func (s *Store) PendingCount(ctx context.Context, businessID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM draft_corrections WHERE business_id = ? AND status = ? AND signals_version = ?`,
		businessID, string(correction.StatusPending), correction.SignalsVersion,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending corrections for %s: %w", businessID, err)
	}
	return n, nil
}

// Corrections returns a business's corrections with the given status,
// oldest first. An empty status matches all. limit <= 0 means no limit.
// Rows with an unsupported signals version are skipped with a warning.
func (s *Store) Corrections(ctx context.Context, businessID string, status correction.Status, limit int) ([]correction.Record, error) {
	query := `SELECT id, business_id, thread_id, message_id, category, draft_text, final_text,
		edit_distance, similarity, correction_type, signals, signals_version, status, created_at
		FROM draft_corrections WHERE business_id = ?`
	args := []any{businessID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query corrections for %s: %w", businessID, err)
	}
	defer rows.Close()

	var out []correction.Record
	for rows.Next() {
		var (
			rec              correction.Record
			typ, st, created string
			signals          string
			version          int
		)
		if err := rows.Scan(&rec.ID, &rec.BusinessID, &rec.ThreadID, &rec.MessageID, &rec.Category,
			&rec.DraftText, &rec.FinalText, &rec.EditDistance, &rec.Similarity, &typ,
			&signals, &version, &st, &created); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		if version != correction.SignalsVersion {
			s.logger.Warn("skipping correction with unsupported signals version",
				"business_id", businessID, "correction_id", rec.ID,
				"signals_version", version, "supported", correction.SignalsVersion)
			continue
		}
		if err := json.Unmarshal([]byte(signals), &rec.Signals); err != nil {
			return nil, fmt.Errorf("decode signals of correction %s: %w", rec.ID, err)
		}
		rec.Type = correction.Type(typ)
		rec.Status = correction.Status(st)
		rec.CreatedAt = parseTS(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Profile returns the stored voice profile of a business, or nil if
// none exists yet.
func (s *Store) Profile(ctx context.Context, businessID string) (*voice.Profile, error) {
	var (
		raw     string
		version int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT profile, profile_version FROM voice_profiles WHERE business_id = ?`,
		businessID,
	).Scan(&raw, &version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load voice profile for %s: %w", businessID, err)
	}
	return decodeProfile(businessID, raw, version)
}

func decodeProfile(businessID, raw string, version int) (*voice.Profile, error) {
	if version != ProfileVersion {
		return nil, fmt.Errorf("voice profile for %s v%d: %w", businessID, version, ErrSchemaVersion)
	}
	var p voice.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode voice profile for %s: %w", businessID, err)
	}
	p.BusinessID = businessID
	return &p, nil
}

// SaveProfile upserts a profile without touching its learning flag.
func (s *Store) SaveProfile(ctx context.Context, p voice.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal voice profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO voice_profiles (business_id, profile, profile_version, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (business_id) DO UPDATE
		 SET profile = excluded.profile, profile_version = excluded.profile_version,
		     updated_at = excluded.updated_at`,
		p.BusinessID, string(raw), ProfileVersion, formatTS(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save voice profile for %s: %w", p.BusinessID, err)
	}
	return nil
}

// TryBeginLearning atomically sets the business's learning flag. It
// returns [ErrLearningInProgress] when the flag is already held and
// younger than ttl; an older flag is considered abandoned and taken
// over. A profile row is created on first use.
func (s *Store) TryBeginLearning(ctx context.Context, businessID string, now time.Time, ttl time.Duration) error {
	empty, err := json.Marshal(voice.New(businessID))
	if err != nil {
		return fmt.Errorf("marshal empty profile: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO voice_profiles (business_id, profile, profile_version, updated_at)
		 VALUES (?, ?, ?, ?)`,
		businessID, string(empty), ProfileVersion, formatTS(now),
	); err != nil {
		return fmt.Errorf("ensure voice profile row for %s: %w", businessID, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE voice_profiles SET learning_in_progress = 1, locked_at = ?
		 WHERE business_id = ? AND (learning_in_progress = 0 OR locked_at IS NULL OR locked_at < ?)`,
		formatTS(now), businessID, formatTS(now.Add(-ttl)),
	)
	if err != nil {
		return fmt.Errorf("acquire learning flag for %s: %w", businessID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire learning flag for %s: %w", businessID, err)
	}
	if n == 0 {
		return ErrLearningInProgress
	}
	return nil
}

// EndLearning clears the learning flag without changing the profile.
func (s *Store) EndLearning(ctx context.Context, businessID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE voice_profiles SET learning_in_progress = 0, locked_at = NULL WHERE business_id = ?`,
		businessID,
	)
	if err != nil {
		return fmt.Errorf("release learning flag for %s: %w", businessID, err)
	}
	return nil
}

// ApplyRefinement stores a refined profile, flips the consumed
// corrections to applied and clears the learning flag, all in one
// transaction. It fails without changes if any of the corrections is no
// longer pending.
func (s *Store) ApplyRefinement(ctx context.Context, p voice.Profile, correctionIDs []string, at time.Time) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal voice profile: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refinement: %w", err)
	}
	defer tx.Rollback()

	if len(correctionIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(correctionIDs)), ",")
		args := []any{string(correction.StatusApplied), formatTS(at), p.BusinessID, string(correction.StatusPending)}
		for _, id := range correctionIDs {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE draft_corrections SET status = ?, applied_at = ?
			 WHERE business_id = ? AND status = ? AND id IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("mark corrections applied: %w", err)
		}
		if n, _ := res.RowsAffected(); int(n) != len(correctionIDs) {
			return fmt.Errorf("mark corrections applied: %d of %d still pending", n, len(correctionIDs))
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO voice_profiles (business_id, profile, profile_version, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (business_id) DO UPDATE
		 SET profile = excluded.profile, profile_version = excluded.profile_version,
		     learning_in_progress = 0, locked_at = NULL, updated_at = excluded.updated_at`,
		p.BusinessID, string(raw), ProfileVersion, formatTS(at),
	)
	if err != nil {
		return fmt.Errorf("store refined profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refinement: %w", err)
	}
	return nil
}

// IncrementZeroEdit bumps the count of drafts sent unchanged and
// returns the new total.
func (s *Store) IncrementZeroEdit(ctx context.Context, businessID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO zero_edit_counts (business_id, count, updated_at) VALUES (?, 1, ?)
		 ON CONFLICT (business_id) DO UPDATE
		 SET count = count + 1, updated_at = excluded.updated_at
		 RETURNING count`,
		businessID, formatTS(time.Now()),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment zero-edit count for %s: %w", businessID, err)
	}
	return n, nil
}

// ZeroEdits returns the zero-edit count of a business.
func (s *Store) ZeroEdits(ctx context.Context, businessID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM zero_edit_counts WHERE business_id = ?`, businessID,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load zero-edit count for %s: %w", businessID, err)
	}
	return n, nil
}

// Erase deletes every learning record of a business: corrections,
// profile and counters.
func (s *Store) Erase(ctx context.Context, businessID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin erase: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"draft_corrections", "voice_profiles", "zero_edit_counts"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE business_id = ?`, businessID); err != nil {
			return fmt.Errorf("erase %s for %s: %w", table, businessID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit erase: %w", err)
	}
	return nil
}
