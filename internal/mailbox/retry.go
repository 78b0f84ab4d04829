package mailbox

import (
	"context"
	"log/slog"

	"github.com/nugget/mailroom/internal/backoff"
)

// retryClient retries transient provider failures with exponential
// backoff.
type retryClient struct {
	next   Client
	cfg    backoff.Config
	logger *slog.Logger
}

// WithRetry wraps c so that transient failures are retried on the cfg
// schedule. Permanent failures and create conflicts are returned on the
// first attempt.
func WithRetry(c Client, cfg backoff.Config, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &retryClient{next: c, cfg: cfg, logger: logger.With("provider", c.Provider())}
}

func (r *retryClient) Provider() Provider { return r.next.Provider() }

func (r *retryClient) ListFolders(ctx context.Context) (*Tree, error) {
	var tree *Tree
	err := backoff.Do(ctx, r.cfg, r.logger, "list folders", IsTransient, func(ctx context.Context) error {
		var err error
		tree, err = r.next.ListFolders(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func (r *retryClient) CreateFolder(ctx context.Context, path, parentID string) (Folder, error) {
	var f Folder
	err := backoff.Do(ctx, r.cfg, r.logger, "create folder "+path, IsTransient, func(ctx context.Context) error {
		var err error
		f, err = r.next.CreateFolder(ctx, path, parentID)
		return err
	})
	if err != nil {
		return Folder{}, err
	}
	return f, nil
}
