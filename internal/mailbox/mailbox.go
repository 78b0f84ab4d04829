// Package mailbox talks to the folder/label APIs of external mailboxes.
//
// Providers disagree on hierarchy: Gmail labels are flat names with "/"
// separators, Microsoft Graph folders are a real tree addressed by
// parent id, and IMAP mailboxes are flat names with a server-chosen
// delimiter. Every client normalizes its listing into a [Tree] keyed by
// "/"-joined logical paths, so reconciliation never sees the difference.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nugget/mailroom/internal/httpkit"
)

// levelTrace is below Debug, used for wire-level listings.
const levelTrace = slog.Level(-8) // config.LevelTrace

// Provider names a mailbox backend.
type Provider string

// Supported providers.
const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderIMAP    Provider = "imap"
)

// ParseProvider resolves a provider name.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderGmail, ProviderOutlook, ProviderIMAP:
		return Provider(s), true
	}
	return "", false
}

// Folder is one folder or label in a mailbox.
type Folder struct {
	// ID is the provider's identifier. It is authoritative: a folder
	// renamed upstream keeps its ID.
	ID string

	// Path is the "/"-joined logical path.
	Path string

	ParentID string
}

// Client lists and creates folders in one mailbox.
type Client interface {
	Provider() Provider

	// ListFolders fetches the full current folder tree.
	ListFolders(ctx context.Context) (*Tree, error)

	// CreateFolder creates the folder at path. parentID is the ID of
	// the folder at the parent path, empty for top-level folders.
	// Creating a folder that already exists returns an error matching
	// ErrAlreadyExists.
	CreateFolder(ctx context.Context, path, parentID string) (Folder, error)
}

// ErrAlreadyExists reports a create conflict: the folder is already
// there.
var ErrAlreadyExists = errors.New("folder already exists")

var (
	errEmptyPath = errors.New("empty folder path")
	errNoParent  = errors.New("nested folder requires a parent id")
)

// ProviderError is a failed mailbox API call.
type ProviderError struct {
	Provider   Provider
	Op         string
	Path       string
	StatusCode int

	// Transient marks failures worth retrying: network errors, rate
	// limiting and server errors.
	Transient bool

	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Op)
	if e.Path != "" {
		msg += fmt.Sprintf(" %q", e.Path)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a provider failure worth retrying.
// Create conflicts never are.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrAlreadyExists) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// httpError converts an httpkit failure into a ProviderError. A 409
// becomes ErrAlreadyExists.
func httpError(provider Provider, op, path string, err error) error {
	pe := &ProviderError{
		Provider:  provider,
		Op:        op,
		Path:      path,
		Transient: httpkit.IsTransientError(err),
		Err:       err,
	}
	var se *httpkit.StatusError
	if errors.As(err, &se) {
		pe.StatusCode = se.StatusCode
		if se.StatusCode == http.StatusConflict {
			pe.Err = fmt.Errorf("%w: %s", ErrAlreadyExists, se.Body)
		}
	}
	return pe
}
