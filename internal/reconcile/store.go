package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mailroom/internal/mailbox"
	"github.com/nugget/mailroom/internal/taxonomy"
)

// Entry is the ledger record of one provisioned folder.
type Entry struct {
	ID           string           `json:"id"`
	BusinessID   string           `json:"business_id"`
	Provider     mailbox.Provider `json:"provider"`
	Path         string           `json:"path"`
	ExternalID   string           `json:"external_id"`
	LastSyncedAt time.Time        `json:"last_synced_at"`
	Deleted      bool             `json:"deleted"`
	DeletedAt    time.Time        `json:"deleted_at,omitzero"`
}

// tsFormat keeps stored timestamps fixed width so they order as text.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists the folder ledger in SQLite. Entries are soft-deleted
// when their folder disappears upstream and are never removed, so the
// full history of a path stays available for diagnostics.
type Store struct {
	db *sql.DB
}

// NewStore creates a ledger store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate folder ledger: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS folder_entries (
			id             TEXT PRIMARY KEY,
			business_id    TEXT NOT NULL,
			provider       TEXT NOT NULL,
			path           TEXT NOT NULL,
			path_key       TEXT NOT NULL,
			external_id    TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			last_synced_at TEXT NOT NULL,
			deleted        INTEGER NOT NULL DEFAULT 0,
			deleted_at     TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_folder_entries_active
			ON folder_entries(business_id, provider, path_key) WHERE deleted = 0;
		CREATE INDEX IF NOT EXISTS idx_folder_entries_path
			ON folder_entries(business_id, provider, path_key, created_at);
	`)
	return err
}

const entryColumns = `id, business_id, provider, path, external_id, last_synced_at, deleted, deleted_at`

// Active returns the live (non-deleted) entries of a mailbox, keyed by
// case-insensitive path.
func (s *Store) Active(ctx context.Context, businessID string, provider mailbox.Provider) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM folder_entries
		 WHERE business_id = ? AND provider = ? AND deleted = 0`,
		businessID, string(provider),
	)
	if err != nil {
		return nil, fmt.Errorf("query active entries for %s/%s: %w", businessID, provider, err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("scan active entries for %s/%s: %w", businessID, provider, err)
	}

	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		out[taxonomy.PathKey(e.Path)] = e
	}
	return out, nil
}

// Record stores the folder bound to a path. An active entry for the
// same path is updated in place; otherwise a new entry is inserted.
func (s *Store) Record(ctx context.Context, businessID string, provider mailbox.Provider, path, externalID string, at time.Time) (Entry, error) {
	ts := at.UTC().Format(tsFormat)
	key := taxonomy.PathKey(path)

	res, err := s.db.ExecContext(ctx,
		`UPDATE folder_entries SET path = ?, external_id = ?, last_synced_at = ?
		 WHERE business_id = ? AND provider = ? AND path_key = ? AND deleted = 0`,
		path, externalID, ts, businessID, string(provider), key,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("update entry %q: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		var e Entry
		row := s.db.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM folder_entries
			 WHERE business_id = ? AND provider = ? AND path_key = ? AND deleted = 0`,
			businessID, string(provider), key,
		)
		if err := scanEntry(row, &e); err != nil {
			return Entry{}, fmt.Errorf("reload entry %q: %w", path, err)
		}
		return e, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("generate entry id: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO folder_entries
		 (id, business_id, provider, path, path_key, external_id, created_at, last_synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), businessID, string(provider), path, key, externalID, ts, ts,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry %q: %w", path, err)
	}
	return Entry{
		ID:           id.String(),
		BusinessID:   businessID,
		Provider:     provider,
		Path:         path,
		ExternalID:   externalID,
		LastSyncedAt: at.UTC(),
	}, nil
}

// MarkDeleted soft-deletes an entry. Deleting an already deleted entry
// is a no-op.
func (s *Store) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE folder_entries SET deleted = 1, deleted_at = ? WHERE id = ? AND deleted = 0`,
		at.UTC().Format(tsFormat), id,
	)
	if err != nil {
		return fmt.Errorf("mark entry %s deleted: %w", id, err)
	}
	return nil
}

// History returns every entry ever recorded for a path, oldest first,
// including soft-deleted ones.
func (s *Store) History(ctx context.Context, businessID string, provider mailbox.Provider, path string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM folder_entries
		 WHERE business_id = ? AND provider = ? AND path_key = ?
		 ORDER BY created_at ASC, id ASC`,
		businessID, string(provider), taxonomy.PathKey(path),
	)
	if err != nil {
		return nil, fmt.Errorf("query history of %q: %w", path, err)
	}
	return scanEntries(rows)
}

// Erase removes every ledger entry of a business.
func (s *Store) Erase(ctx context.Context, businessID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM folder_entries WHERE business_id = ?`, businessID); err != nil {
		return fmt.Errorf("erase folder ledger for %s: %w", businessID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner, e *Entry) error {
	var (
		provider, synced string
		deleted          int
		deletedAt        sql.NullString
	)
	if err := row.Scan(&e.ID, &e.BusinessID, &provider, &e.Path, &e.ExternalID, &synced, &deleted, &deletedAt); err != nil {
		return err
	}
	e.Provider = mailbox.Provider(provider)
	e.Deleted = deleted != 0
	e.LastSyncedAt, _ = time.Parse(time.RFC3339Nano, synced)
	if deletedAt.Valid {
		e.DeletedAt, _ = time.Parse(time.RFC3339Nano, deletedAt.String)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := scanEntry(rows, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
