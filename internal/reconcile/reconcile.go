// Package reconcile keeps a mailbox's folders in line with a business's
// taxonomy. Each run lists the live folder tree, matches every required
// path against the local ledger (by provider ID first, then by name),
// and creates what is missing parents-first.
//
// A ledger entry whose provider ID no longer resolves means someone
// deleted the folder upstream. The entry is soft-deleted; a folder
// still listed under the same name is adopted, otherwise the folder is
// recreated. Create conflicts are
// treated as success, and a failure on one path never aborts the rest
// of the batch.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nugget/mailroom/internal/mailbox"
	"github.com/nugget/mailroom/internal/taxonomy"
)

// DriftError reports a ledger entry whose folder no longer exists in
// the mailbox. It is logged and healed, never returned.
type DriftError struct {
	BusinessID string
	Provider   mailbox.Provider
	Path       string
	ExternalID string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("folder %q (%s id %s) for %s no longer exists upstream",
		e.Path, e.Provider, e.ExternalID, e.BusinessID)
}

var errParentFailed = errors.New("parent folder could not be provisioned")

// Failure is a path that could not be provisioned.
type Failure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Result summarizes one reconciliation run.
type Result struct {
	BusinessID string           `json:"business_id"`
	Provider   mailbox.Provider `json:"provider"`
	Required   []string         `json:"required"`
	Created    []Entry          `json:"created"`
	Matched    []Entry          `json:"matched"`
	Recreated  []Entry          `json:"recreated"`
	Errors     []Failure        `json:"errors"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
}

// OK reports whether every required path was provisioned.
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

// Verify checks that every required path is covered by a live entry
// with an external ID, or is listed in Errors.
func (r *Result) Verify(required []string) error {
	covered := make(map[string]bool)
	for _, group := range [][]Entry{r.Created, r.Matched, r.Recreated} {
		for _, e := range group {
			if e.ExternalID != "" && !e.Deleted {
				covered[taxonomy.PathKey(e.Path)] = true
			}
		}
	}
	for _, f := range r.Errors {
		covered[taxonomy.PathKey(f.Path)] = true
	}

	var missing []string
	for _, p := range required {
		if !covered[taxonomy.PathKey(p)] {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("reconciliation left %d required paths unaccounted for: %s",
			len(missing), strings.Join(missing, ", "))
	}
	return nil
}

// Reconciler provisions taxonomy folders and records them in a ledger.
type Reconciler struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a reconciler backed by store.
func New(store *Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger, now: time.Now}
}

// run holds the state of a single reconciliation pass.
type run struct {
	r      *Reconciler
	client mailbox.Client
	logger *slog.Logger
	result *Result

	tree   *mailbox.Tree
	ledger map[string]Entry

	// resolved maps path keys to the provider ID now backing them.
	resolved map[string]string
	failed   map[string]bool
}

// Reconcile brings the mailbox behind client in line with nodes. An
// error is returned only when the run cannot start (listing the
// mailbox or reading the ledger failed); per-path failures are
// reported in Result.Errors.
func (r *Reconciler) Reconcile(ctx context.Context, businessID string, nodes []taxonomy.Node, client mailbox.Client) (*Result, error) {
	start := r.now()
	provider := client.Provider()
	logger := r.logger.With("business_id", businessID, "provider", provider)

	res := &Result{
		BusinessID: businessID,
		Provider:   provider,
		Required:   taxonomy.RequiredPaths(nodes),
		Created:    []Entry{},
		Matched:    []Entry{},
		Recreated:  []Entry{},
		Errors:     []Failure{},
		StartedAt:  start.UTC(),
	}

	tree, err := client.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders for %s: %w", businessID, err)
	}
	ledger, err := r.store.Active(ctx, businessID, provider)
	if err != nil {
		return nil, fmt.Errorf("load folder ledger for %s: %w", businessID, err)
	}

	rn := &run{
		r:        r,
		client:   client,
		logger:   logger,
		result:   res,
		tree:     tree,
		ledger:   ledger,
		resolved: make(map[string]string),
		failed:   make(map[string]bool),
	}
	for _, path := range res.Required {
		rn.reconcilePath(ctx, path)
	}

	res.Duration = r.now().Sub(start)
	logger.Info("reconciliation complete",
		"required", len(res.Required),
		"created", len(res.Created),
		"matched", len(res.Matched),
		"recreated", len(res.Recreated),
		"errors", len(res.Errors),
		"elapsed", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

func (rn *run) reconcilePath(ctx context.Context, path string) {
	key := taxonomy.PathKey(path)
	logger := rn.logger.With("path", path)

	parent := taxonomy.ParentOf(path)
	if parent != "" && rn.failed[taxonomy.PathKey(parent)] {
		rn.fail(path, errParentFailed)
		return
	}
	parentID := rn.resolved[taxonomy.PathKey(parent)]

	drifted := false
	if entry, ok := rn.ledger[key]; ok {
		if f, ok := rn.tree.ByID(entry.ExternalID); ok {
			if !strings.EqualFold(f.Path, path) {
				logger.Debug("folder renamed upstream, keeping provider id", "upstream_path", f.Path)
			}
			rn.bind(ctx, path, f.ID, &rn.result.Matched)
			return
		}

		drift := &DriftError{
			BusinessID: rn.result.BusinessID,
			Provider:   rn.result.Provider,
			Path:       path,
			ExternalID: entry.ExternalID,
		}
		logger.Warn("folder drift detected", "error", drift)
		if err := rn.r.store.MarkDeleted(ctx, entry.ID, rn.r.now()); err != nil {
			rn.fail(path, err)
			return
		}
		drifted = true
	}

	// A folder already listed under this name is adopted, whether or not
	// the ledger knew it.
	if f, ok := rn.tree.Lookup(path); ok {
		logger.Log(ctx, levelTrace, "adopting existing folder by name", "id", f.ID)
		rn.bind(ctx, path, f.ID, &rn.result.Matched)
		return
	}

	target := &rn.result.Created
	if drifted {
		target = &rn.result.Recreated
	}

	f, err := rn.client.CreateFolder(ctx, path, parentID)
	switch {
	case err == nil:
		logger.Debug("folder created", "id", f.ID, "recreated", drifted)
		rn.bind(ctx, path, f.ID, target)
	case errors.Is(err, mailbox.ErrAlreadyExists):
		logger.Debug("folder already exists, re-fetching", "error", err)
		rn.adoptAfterConflict(ctx, path, &rn.result.Matched)
	default:
		rn.fail(path, err)
	}
}

// adoptAfterConflict re-lists the mailbox after a create conflict and
// binds the path to the folder that beat us to it.
func (rn *run) adoptAfterConflict(ctx context.Context, path string, target *[]Entry) {
	tree, err := rn.client.ListFolders(ctx)
	if err != nil {
		rn.fail(path, fmt.Errorf("re-fetch after conflict: %w", err))
		return
	}
	rn.tree = tree

	f, ok := tree.Lookup(path)
	if !ok {
		rn.fail(path, fmt.Errorf("%w but is not listed", mailbox.ErrAlreadyExists))
		return
	}
	rn.bind(ctx, path, f.ID, target)
}

// bind records path → id in the ledger and appends the entry to target.
func (rn *run) bind(ctx context.Context, path, id string, target *[]Entry) {
	e, err := rn.r.store.Record(ctx, rn.result.BusinessID, rn.result.Provider, path, id, rn.r.now())
	if err != nil {
		rn.fail(path, err)
		return
	}
	rn.resolved[taxonomy.PathKey(path)] = id
	*target = append(*target, e)
}

func (rn *run) fail(path string, err error) {
	rn.failed[taxonomy.PathKey(path)] = true
	rn.logger.Warn("folder provisioning failed", "path", path, "error", err)
	rn.result.Errors = append(rn.result.Errors, Failure{Path: path, Reason: err.Error(), Err: err})
}

// levelTrace is below Debug.
const levelTrace = slog.Level(-8) // config.LevelTrace
