package mailbox

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nugget/mailroom/internal/httpkit"
	"github.com/nugget/mailroom/internal/taxonomy"
)

// DefaultOutlookBaseURL is the Microsoft Graph root for the signed-in
// user.
const DefaultOutlookBaseURL = "https://graph.microsoft.com/v1.0/me"

// graphPageSize is the $top used for folder listings.
const graphPageSize = 250

// OutlookClient manages Outlook mail folders through Microsoft Graph.
// Folders form a real tree: children are created under an explicit
// parent id and carry only their own display name.
type OutlookClient struct {
	http    *http.Client
	baseURL string
	token   string

	// root is the well-known name or id of the folder taxonomy
	// folders live under. Empty means the mailbox root.
	root string

	logger *slog.Logger
}

// NewOutlookClient creates a Graph folder client. root optionally
// anchors the taxonomy under a folder such as "inbox".
func NewOutlookClient(client *http.Client, baseURL, token, root string, logger *slog.Logger) *OutlookClient {
	if client == nil {
		client = httpkit.NewClient()
	}
	if baseURL == "" {
		baseURL = DefaultOutlookBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutlookClient{
		http:    client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		root:    root,
		logger:  logger.With("provider", ProviderOutlook),
	}
}

// Provider implements Client.
func (c *OutlookClient) Provider() Provider { return ProviderOutlook }

type graphFolder struct {
	ID               string `json:"id,omitempty"`
	DisplayName      string `json:"displayName"`
	ParentFolderID   string `json:"parentFolderId,omitempty"`
	ChildFolderCount int    `json:"childFolderCount,omitempty"`
}

type graphFolderPage struct {
	Value    []graphFolder `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// ListFolders implements Client. Child collections are fetched only for
// folders that report children, following @odata.nextLink pagination.
func (c *OutlookClient) ListFolders(ctx context.Context) (*Tree, error) {
	roots, err := c.listChildren(ctx, c.rootCollectionURL())
	if err != nil {
		return nil, err
	}
	nodes, err := c.expand(ctx, roots)
	if err != nil {
		return nil, err
	}
	tree := NewNestedTree(nodes)
	c.logger.Log(ctx, levelTrace, "outlook folders listed", "count", tree.Len())
	return tree, nil
}

func (c *OutlookClient) expand(ctx context.Context, folders []graphFolder) ([]NestedFolder, error) {
	out := make([]NestedFolder, 0, len(folders))
	for _, f := range folders {
		n := NestedFolder{ID: f.ID, Name: f.DisplayName}
		if f.ChildFolderCount > 0 {
			children, err := c.listChildren(ctx, c.childCollectionURL(f.ID))
			if err != nil {
				return nil, err
			}
			if n.Children, err = c.expand(ctx, children); err != nil {
				return nil, err
			}
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *OutlookClient) listChildren(ctx context.Context, collection string) ([]graphFolder, error) {
	var all []graphFolder
	next := collection + "?$top=" + strconv.Itoa(graphPageSize)
	for next != "" {
		var page graphFolderPage
		if err := httpkit.DoJSON(ctx, c.http, http.MethodGet, next, c.token, nil, &page); err != nil {
			return nil, httpError(ProviderOutlook, "list folders", "", err)
		}
		all = append(all, page.Value...)
		next = page.NextLink
	}
	return all, nil
}

// CreateFolder implements Client. Top-level paths are created in the
// root collection; deeper paths under parentID with the last path
// segment as display name.
func (c *OutlookClient) CreateFolder(ctx context.Context, path, parentID string) (Folder, error) {
	segments := taxonomy.SplitPath(path)
	if len(segments) == 0 {
		return Folder{}, &ProviderError{Provider: ProviderOutlook, Op: "create folder", Err: errEmptyPath}
	}
	name := segments[len(segments)-1]

	collection := c.rootCollectionURL()
	if len(segments) > 1 {
		if parentID == "" {
			return Folder{}, &ProviderError{Provider: ProviderOutlook, Op: "create folder", Path: path, Err: errNoParent}
		}
		collection = c.childCollectionURL(parentID)
	}

	var created graphFolder
	if err := httpkit.DoJSON(ctx, c.http, http.MethodPost, collection, c.token, graphFolder{DisplayName: name}, &created); err != nil {
		return Folder{}, httpError(ProviderOutlook, "create folder", path, err)
	}
	c.logger.Debug("outlook folder created", "path", path, "id", created.ID)
	return Folder{ID: created.ID, Path: path, ParentID: parentID}, nil
}

func (c *OutlookClient) rootCollectionURL() string {
	if c.root == "" {
		return c.baseURL + "/mailFolders"
	}
	return c.childCollectionURL(c.root)
}

func (c *OutlookClient) childCollectionURL(id string) string {
	return c.baseURL + "/mailFolders/" + url.PathEscape(id) + "/childFolders"
}
