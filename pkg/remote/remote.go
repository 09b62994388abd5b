// Package remote talks to the worker APIs that execute dispatched
// entities. It holds the two outbound collaborators of the
// orchestrator: the dispatch client, which starts one sub-job per
// call, and the status poller, which performs single non-blocking
// status checks against a previously started sub-job.
//
// Neither client retries internally. Retry accounting belongs to the
// controller, which owns the per-entity attempt budget.
package remote

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// defaultTimeout bounds each individual dispatch or poll request.
const defaultTimeout = 30 * time.Second

// Client issues dispatch and status requests against a worker API.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRateLimit bounds outbound dispatch requests to r per second with
// the given burst. Polls are not limited.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(cl *Client) { cl.limiter = rate.NewLimiter(r, burst) }
}

// NewClient creates a Client with a 30s per-request timeout and no
// rate limit.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
