// Package discovery lists the entities owned by a target when intake
// does not name them explicitly. The worker API exposes a paginated
// listing consumed page by page until it reports exhaustion.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter narrows a discovery listing.
type Filter struct {
	// Type keeps only entities of this type. Empty keeps all.
	Type string

	// IDGlob keeps only entity ids matching this doublestar pattern.
	// Empty keeps all.
	IDGlob string
}

// Validate checks the glob pattern compiles.
func (f Filter) Validate() error {
	if f.IDGlob != "" && !doublestar.ValidatePattern(f.IDGlob) {
		return fmt.Errorf("discovery: invalid id glob %q", f.IDGlob)
	}
	return nil
}

func (f Filter) match(e Entity) (bool, error) {
	if f.Type != "" && e.Type != f.Type {
		return false, nil
	}
	if f.IDGlob != "" {
		ok, err := doublestar.Match(f.IDGlob, e.ID)
		if err != nil {
			return false, fmt.Errorf("discovery: match id glob: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Entity is one discovered work item.
type Entity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type listPage struct {
	Entities  []Entity `json:"entities"`
	Cursor    string   `json:"cursor"`
	Exhausted bool     `json:"exhausted"`
}

// maxPages guards against a listing that never sets the exhausted flag.
const maxPages = 1000

// Client pages through target entity listings.
type Client struct {
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// NewClient creates a discovery client with a 30s per-request timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{http: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListEntityIDs returns the ids of every entity owned by target that
// passes the filter, in listing order.
func (c *Client) ListEntityIDs(ctx context.Context, apiBase, target string, filter Filter) ([]string, error) {
	if apiBase == "" || target == "" {
		return nil, fmt.Errorf("discovery: api base and target are required")
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	var ids []string
	cursor := ""
	for page := 0; page < maxPages; page++ {
		p, err := c.fetchPage(ctx, apiBase, target, filter.Type, cursor)
		if err != nil {
			return nil, err
		}
		for _, e := range p.Entities {
			ok, err := filter.match(e)
			if err != nil {
				return nil, err
			}
			if ok {
				ids = append(ids, e.ID)
			}
		}
		if p.Exhausted {
			return ids, nil
		}
		if p.Cursor == "" || p.Cursor == cursor {
			return nil, fmt.Errorf("discovery: listing not exhausted but cursor did not advance")
		}
		cursor = p.Cursor
	}
	return nil, fmt.Errorf("discovery: listing exceeded %d pages without exhaustion", maxPages)
}

func (c *Client) fetchPage(ctx context.Context, apiBase, target, entityType, cursor string) (listPage, error) {
	u := fmt.Sprintf("%s/targets/%s/entities", strings.TrimSuffix(apiBase, "/"), url.PathEscape(target))
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if entityType != "" {
		q.Set("type", entityType)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return listPage{}, fmt.Errorf("discovery: build list request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return listPage{}, fmt.Errorf("discovery: list entities: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return listPage{}, fmt.Errorf("discovery: list returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return listPage{}, fmt.Errorf("discovery: read list response: %w", err)
	}

	var p listPage
	if err := json.Unmarshal(body, &p); err != nil {
		return listPage{}, fmt.Errorf("discovery: parse list response: %w", err)
	}
	return p, nil
}
