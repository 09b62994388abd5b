package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DispatchRequest describes one entity invocation.
type DispatchRequest struct {
	APIBase       string
	EntityID      string
	Target        string
	JobCollection string
	Input         map[string]any
	ExpiresIn     time.Duration
}

// DispatchResult is the outcome of one dispatch attempt. Exactly one
// remote invocation request is made per call. Transport failure,
// explicit rejection, and malformed responses all come back as
// Accepted=false with a Reason; the caller treats them identically.
type DispatchResult struct {
	Accepted bool
	SubJobID string
	Reason   string
}

type invokeBody struct {
	Target        string         `json:"target"`
	JobCollection string         `json:"job_collection"`
	Input         map[string]any `json:"input,omitempty"`
	ExpiresIn     int64          `json:"expires_in,omitempty"`
	Confirm       bool           `json:"confirm"`
}

type invokeResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
	Error  string `json:"error"`
}

// Dispatch starts one sub-job for the entity. The returned error is
// non-nil only for caller mistakes (bad request construction); remote
// and transport failures are reported through DispatchResult.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	if req.APIBase == "" || req.EntityID == "" {
		return DispatchResult{}, fmt.Errorf("remote: dispatch requires api base and entity id")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return DispatchResult{Reason: fmt.Sprintf("rate limit wait: %v", err)}, nil
		}
	}

	body := invokeBody{
		Target:        req.Target,
		JobCollection: req.JobCollection,
		Input:         req.Input,
		Confirm:       true,
	}
	if req.ExpiresIn > 0 {
		body.ExpiresIn = int64(req.ExpiresIn.Seconds())
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("remote: marshal invoke body: %w", err)
	}

	url := fmt.Sprintf("%s/agents/%s/invoke", strings.TrimSuffix(req.APIBase, "/"), req.EntityID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return DispatchResult{}, fmt.Errorf("remote: build invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return DispatchResult{Reason: fmt.Sprintf("transport: %v", err)}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return DispatchResult{Reason: fmt.Sprintf("read response: %v", err)}, nil
	}

	var parsed invokeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return DispatchResult{Reason: fmt.Sprintf("malformed response (status %d)", resp.StatusCode)}, nil
	}

	switch parsed.Status {
	case "started":
		if parsed.JobID == "" {
			return DispatchResult{Reason: "started response missing job_id"}, nil
		}
		return DispatchResult{Accepted: true, SubJobID: parsed.JobID}, nil
	case "rejected":
		reason := parsed.Error
		if reason == "" {
			reason = fmt.Sprintf("rejected (status %d)", resp.StatusCode)
		}
		return DispatchResult{Reason: reason}, nil
	default:
		return DispatchResult{Reason: fmt.Sprintf("unexpected status %q (http %d)", parsed.Status, resp.StatusCode)}, nil
	}
}
