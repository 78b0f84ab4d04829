package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nugget/mailroom/internal/taxonomy"
)

// IMAPConfig holds connection parameters for an IMAP mailbox.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool

	// Prefix is the personal namespace folders are created under on
	// servers that require one, e.g. "INBOX". Empty means the root.
	Prefix string
}

// IMAPClient manages mailboxes over IMAP. Mailbox names double as
// folder IDs; the server's hierarchy delimiter is learned from LIST and
// translated to and from "/".
//
// The connection is established lazily and re-established when stale.
// All methods are goroutine-safe.
type IMAPClient struct {
	cfg    IMAPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
	delim  rune
}

// NewIMAPClient creates an IMAP folder client.
func NewIMAPClient(cfg IMAPConfig, logger *slog.Logger) *IMAPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &IMAPClient{
		cfg:    cfg,
		logger: logger.With("provider", ProviderIMAP, "host", cfg.Host),
	}
}

// Provider implements Client.
func (c *IMAPClient) Provider() Provider { return ProviderIMAP }

// connectLocked dials and authenticates. Caller must hold c.mu.
func (c *IMAPClient) connectLocked() error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	var opts imapclient.Options
	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.Host}
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return &ProviderError{Provider: ProviderIMAP, Op: "dial", Transient: true, Err: err}
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return &ProviderError{Provider: ProviderIMAP, Op: "login", Err: fmt.Errorf("login as %s: %w", c.cfg.Username, err)}
	}

	c.client = client
	c.logger.Debug("IMAP connected", "user", c.cfg.Username)
	return nil
}

// ensureConnected reconnects if the connection is missing or fails a
// NOOP. Caller must hold c.mu.
func (c *IMAPClient) ensureConnected() error {
	if c.client != nil {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting")
	}
	return c.connectLocked()
}

// Close logs out and closes the connection.
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Ping verifies the connection, reconnecting if it went stale.
func (c *IMAPClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ensureConnected()
}

// ListFolders implements Client.
func (c *IMAPClient) ListFolders(ctx context.Context) (*Tree, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	mailboxes, err := c.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, imapError("list mailboxes", "", err)
	}
	tree, delim := treeFromList(mailboxes, c.cfg.Prefix)
	if delim != 0 {
		c.delim = delim
	}
	c.logger.Log(ctx, levelTrace, "imap mailboxes listed", "count", tree.Len(), "delim", string(c.delim))
	return tree, nil
}

// CreateFolder implements Client. parentID is unused; IMAP servers
// derive the parent from the hierarchical name.
func (c *IMAPClient) CreateFolder(ctx context.Context, path, parentID string) (Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Folder{}, err
	}
	if err := c.ensureConnected(); err != nil {
		return Folder{}, err
	}

	name := mailboxName(path, c.cfg.Prefix, c.delim)
	if err := c.client.Create(name, nil).Wait(); err != nil {
		return Folder{}, imapError("create mailbox", path, err)
	}
	c.logger.Debug("imap mailbox created", "path", path, "mailbox", name)
	return Folder{ID: name, Path: path, ParentID: parentID}, nil
}

// treeFromList normalizes a LIST response. Mailboxes outside prefix and
// \NonExistent placeholders are dropped. It also returns the delimiter
// the server reported.
func treeFromList(mailboxes []*imap.ListData, prefix string) (*Tree, rune) {
	var delim rune
	for _, m := range mailboxes {
		if m.Delim != 0 {
			delim = m.Delim
			break
		}
	}
	sep := string(delim)

	entries := make([]FlatFolder, 0, len(mailboxes))
	for _, m := range mailboxes {
		if hasAttr(m.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		name := m.Mailbox
		if prefix != "" {
			if name == prefix || !strings.HasPrefix(name, prefix+sep) {
				continue
			}
			name = strings.TrimPrefix(name, prefix+sep)
		}
		path := name
		if delim != 0 && sep != taxonomy.Separator {
			path = strings.ReplaceAll(name, sep, taxonomy.Separator)
		}
		entries = append(entries, FlatFolder{ID: m.Mailbox, Name: path})
	}
	return NewFlatTree(entries, taxonomy.Separator), delim
}

// mailboxName converts a logical path to the server's mailbox name.
// Without a known delimiter "/" is assumed.
func mailboxName(path, prefix string, delim rune) string {
	sep := taxonomy.Separator
	if delim != 0 {
		sep = string(delim)
	}
	name := strings.ReplaceAll(path, taxonomy.Separator, sep)
	if prefix != "" {
		name = prefix + sep + name
	}
	return name
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}

// imapError classifies an IMAP failure. Tagged NO/BAD responses are
// permanent, except [ALREADYEXISTS] which is a conflict; anything else
// (connection loss, timeouts) is transient.
func imapError(op, path string, err error) error {
	pe := &ProviderError{Provider: ProviderIMAP, Op: op, Path: path, Err: err}
	var ie *imap.Error
	if errors.As(err, &ie) {
		if ie.Code == imap.ResponseCodeAlreadyExists {
			pe.Err = fmt.Errorf("%w: %s", ErrAlreadyExists, ie.Text)
		}
		return pe
	}
	pe.Transient = true
	return pe
}
