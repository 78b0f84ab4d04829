package mailbox

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/mailroom/internal/httpkit"
	"github.com/nugget/mailroom/internal/taxonomy"
)

// DefaultGmailBaseURL is the Gmail API root for the authorized user.
const DefaultGmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// GmailClient manages Gmail labels. Gmail has no real hierarchy: a
// label named "BANKING/Receipts" renders nested under "BANKING" in the
// UI, so paths map to label names directly.
type GmailClient struct {
	http    *http.Client
	baseURL string
	token   string
	logger  *slog.Logger
}

// NewGmailClient creates a label client. token is an already valid
// OAuth access token.
func NewGmailClient(client *http.Client, baseURL, token string, logger *slog.Logger) *GmailClient {
	if client == nil {
		client = httpkit.NewClient()
	}
	if baseURL == "" {
		baseURL = DefaultGmailBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GmailClient{
		http:    client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger.With("provider", ProviderGmail),
	}
}

// Provider implements Client.
func (c *GmailClient) Provider() Provider { return ProviderGmail }

type gmailLabel struct {
	ID                    string `json:"id,omitempty"`
	Name                  string `json:"name"`
	Type                  string `json:"type,omitempty"`
	LabelListVisibility   string `json:"labelListVisibility,omitempty"`
	MessageListVisibility string `json:"messageListVisibility,omitempty"`
}

// ListFolders implements Client. System labels (INBOX, SENT,
// CATEGORY_*) are skipped.
func (c *GmailClient) ListFolders(ctx context.Context) (*Tree, error) {
	var resp struct {
		Labels []gmailLabel `json:"labels"`
	}
	if err := httpkit.DoJSON(ctx, c.http, http.MethodGet, c.baseURL+"/labels", c.token, nil, &resp); err != nil {
		return nil, httpError(ProviderGmail, "list labels", "", err)
	}

	entries := make([]FlatFolder, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		if l.Type == "system" {
			continue
		}
		entries = append(entries, FlatFolder{ID: l.ID, Name: l.Name})
	}
	c.logger.Log(ctx, levelTrace, "gmail labels listed", "count", len(entries))
	return NewFlatTree(entries, taxonomy.Separator), nil
}

// CreateFolder implements Client. parentID is unused; the parent is
// implied by the label name.
func (c *GmailClient) CreateFolder(ctx context.Context, path, parentID string) (Folder, error) {
	req := gmailLabel{
		Name:                  path,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}
	var created gmailLabel
	if err := httpkit.DoJSON(ctx, c.http, http.MethodPost, c.baseURL+"/labels", c.token, req, &created); err != nil {
		return Folder{}, httpError(ProviderGmail, "create label", path, err)
	}
	c.logger.Debug("gmail label created", "path", path, "id", created.ID)
	return Folder{ID: created.ID, Path: path, ParentID: parentID}, nil
}
