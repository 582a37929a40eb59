package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haukened/blockmirror/internal/mirror/common/clock"
	"github.com/haukened/blockmirror/internal/mirror/common/log"
	"github.com/haukened/blockmirror/internal/mirror/domain"
)

// Error message constants for consistent error handling
const (
	errServiceURLRequired = "service url is required"
	errInvalidServiceURL  = "invalid service url %q: %w"
	errInvalidRecordURI   = "invalid record uri %q"
	errInvalidListURI     = "list uri %q: %w"
	errRequestFailed      = "%s: %w"
	errDecodeFailed       = "%s: decoding response: %w"
	errEncodeFailed       = "%s: encoding request: %w"
)

const (
	listItemCollection = "app.bsky.graph.listitem"
	maxPageLimit       = 100
	defaultTimeout     = 5 * time.Second
)

// Client talks XRPC to an AT Protocol service on behalf of one account.
// It performs no retries; callers decide what is worth another attempt.
type Client struct {
	base    *url.URL
	token   string
	repo    string
	http    *http.Client
	timeout time.Duration
	clock   clock.Clock
	logger  log.Logger
}

// Options configures the remote client.
type Options struct {
	// ServiceURL is the PDS or AppView base, e.g. https://bsky.social.
	ServiceURL  string
	AccessToken string
	// RepoDID is the account that owns list item records. When empty the
	// owner is taken from the list URI authority.
	RepoDID string
	Timeout time.Duration
	// options to inject for testing purposes
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     log.Logger
}

// NewClient creates a client. The default timeout is 5 seconds and applies
// only when the caller's context carries no deadline.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.ServiceURL) == "" {
		return nil, errors.New(errServiceURLRequired)
	}
	base, err := url.Parse(strings.TrimRight(opts.ServiceURL, "/"))
	if err != nil {
		return nil, fmt.Errorf(errInvalidServiceURL, opts.ServiceURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf(errInvalidServiceURL, opts.ServiceURL, errors.New("missing scheme or host"))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Client{
		base:    base,
		token:   opts.AccessToken,
		repo:    opts.RepoDID,
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		clock:   opts.Clock,
		logger:  log.OrNoop(opts.Logger),
	}, nil
}

// ensureContextDeadline adds the client's default timeout if ctx has no deadline.
func (c *Client) ensureContextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, nil
}

type getListResponse struct {
	Cursor string `json:"cursor"`
	List   struct {
		URI           string `json:"uri"`
		ListItemCount int    `json:"listItemCount"`
	} `json:"list"`
	Items []struct {
		URI     string `json:"uri"`
		Subject struct {
			DID    string `json:"did"`
			Handle string `json:"handle"`
		} `json:"subject"`
	} `json:"items"`
}

// FetchListPage reads one page of the list's items via app.bsky.graph.getList.
func (c *Client) FetchListPage(ctx context.Context, listURI, cursor string, limit int) (domain.RemotePage, error) {
	const method = "app.bsky.graph.getList"
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	q := url.Values{}
	q.Set("list", listURI)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out getListResponse
	if err := c.query(ctx, method, q, &out); err != nil {
		return domain.RemotePage{}, err
	}
	page := domain.RemotePage{
		Items:      make([]domain.RemoteItem, 0, len(out.Items)),
		NextCursor: out.Cursor,
		Total:      out.List.ListItemCount,
	}
	for _, it := range out.Items {
		page.Items = append(page.Items, domain.RemoteItem{
			Handle:    it.Subject.Handle,
			DID:       it.Subject.DID,
			RecordURI: it.URI,
		})
	}
	// An empty page ends the walk even if the service echoes a cursor.
	if len(page.Items) == 0 {
		page.NextCursor = ""
	}
	return page, nil
}

// ResolveHandle returns the DID behind handle.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	const method = "com.atproto.identity.resolveHandle"
	q := url.Values{}
	q.Set("handle", domain.NormalizeHandle(handle))
	var out struct {
		DID string `json:"did"`
	}
	if err := c.query(ctx, method, q, &out); err != nil {
		return "", err
	}
	if out.DID == "" {
		return "", fmt.Errorf(errRequestFailed, method, domain.ErrNotFound)
	}
	return out.DID, nil
}

type listItemRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	List      string `json:"list"`
	CreatedAt string `json:"createdAt"`
}

type createRecordRequest struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	Record     listItemRecord `json:"record"`
}

// CreateBlockRecord resolves handle and writes an app.bsky.graph.listitem
// record pointing at listURI.
func (c *Client) CreateBlockRecord(ctx context.Context, handle, listURI string) (domain.CreatedRecord, error) {
	const method = "com.atproto.repo.createRecord"
	repo, err := c.repoFor(listURI)
	if err != nil {
		return domain.CreatedRecord{}, err
	}
	did, err := c.ResolveHandle(ctx, handle)
	if err != nil {
		return domain.CreatedRecord{}, err
	}
	req := createRecordRequest{
		Repo:       repo,
		Collection: listItemCollection,
		Record: listItemRecord{
			Type:      listItemCollection,
			Subject:   did,
			List:      listURI,
			CreatedAt: c.clock.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	var out struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	if err := c.procedure(ctx, method, req, &out); err != nil {
		return domain.CreatedRecord{}, err
	}
	c.logger.Debug(map[string]any{"handle": handle, "list": listURI, "uri": out.URI}, "remote_record_created")
	return domain.CreatedRecord{RecordURI: out.URI, DID: did}, nil
}

type deleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

// DeleteBlockRecord removes the list item addressed by recordURI.
func (c *Client) DeleteBlockRecord(ctx context.Context, recordURI string) error {
	const method = "com.atproto.repo.deleteRecord"
	aturi, err := parseATURI(recordURI)
	if err != nil || aturi.rkey == "" {
		return fmt.Errorf(errInvalidRecordURI, recordURI)
	}
	req := deleteRecordRequest{Repo: aturi.authority, Collection: aturi.collection, RKey: aturi.rkey}
	if err := c.procedure(ctx, method, req, nil); err != nil {
		return err
	}
	c.logger.Debug(map[string]any{"uri": recordURI}, "remote_record_deleted")
	return nil
}

// repoFor picks the repository that owns list items of listURI.
func (c *Client) repoFor(listURI string) (string, error) {
	if c.repo != "" {
		return c.repo, nil
	}
	aturi, err := parseATURI(listURI)
	if err != nil {
		return "", fmt.Errorf(errInvalidListURI, listURI, domain.ErrInvalidList)
	}
	return aturi.authority, nil
}

type atURI struct {
	authority  string
	collection string
	rkey       string
}

// parseATURI splits at://authority/collection/rkey.
func parseATURI(s string) (atURI, error) {
	rest, ok := strings.CutPrefix(s, "at://")
	if !ok {
		return atURI{}, fmt.Errorf("not an at:// uri: %q", s)
	}
	parts := strings.Split(rest, "/")
	if parts[0] == "" || len(parts) > 3 {
		return atURI{}, fmt.Errorf("malformed at:// uri: %q", s)
	}
	u := atURI{authority: parts[0]}
	if len(parts) > 1 {
		u.collection = parts[1]
	}
	if len(parts) > 2 {
		u.rkey = parts[2]
	}
	return u, nil
}
