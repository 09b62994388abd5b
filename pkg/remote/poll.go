package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// PollOutcome classifies one status check.
type PollOutcome int

const (
	// StillRunning means the sub-job has not finished, or the check
	// itself failed transiently and yielded no new information.
	StillRunning PollOutcome = iota

	// PollDone means the sub-job finished successfully.
	PollDone

	// PollFailed means the sub-job reported a terminal failure.
	PollFailed
)

// PollResult is the outcome of one status check.
type PollResult struct {
	Outcome PollOutcome
	Result  map[string]any
	Reason  string
}

type statusResponse struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result"`
	Error  string         `json:"error"`
}

// Poll performs a single non-blocking status check. It never loops or
// sleeps; the controller schedules future checks. Transport errors and
// 5xx responses come back as StillRunning so a flaky probe never
// spends a retry attempt.
func (c *Client) Poll(ctx context.Context, apiBase, entityID, subJobID string) (PollResult, error) {
	if apiBase == "" || entityID == "" || subJobID == "" {
		return PollResult{}, fmt.Errorf("remote: poll requires api base, entity id and sub-job id")
	}

	url := fmt.Sprintf("%s/agents/%s/status/%s", strings.TrimSuffix(apiBase, "/"), entityID, subJobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("remote: build status request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return PollResult{Outcome: StillRunning, Reason: fmt.Sprintf("transport: %v", err)}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return PollResult{Outcome: StillRunning, Reason: fmt.Sprintf("remote status %d", resp.StatusCode)}, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		// The worker no longer knows the sub-job. Treat as a failed
		// attempt so the entity re-dispatches instead of polling forever.
		return PollResult{Outcome: PollFailed, Reason: "sub-job not found"}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PollResult{Outcome: StillRunning, Reason: fmt.Sprintf("read response: %v", err)}, nil
	}

	var parsed statusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return PollResult{Outcome: StillRunning, Reason: fmt.Sprintf("malformed response (status %d)", resp.StatusCode)}, nil
	}

	switch parsed.Status {
	case "running":
		return PollResult{Outcome: StillRunning}, nil
	case "done":
		return PollResult{Outcome: PollDone, Result: parsed.Result}, nil
	case "error":
		reason := parsed.Error
		if reason == "" {
			reason = "remote reported error"
		}
		return PollResult{Outcome: PollFailed, Reason: reason}, nil
	default:
		return PollResult{Outcome: StillRunning, Reason: fmt.Sprintf("unexpected status %q", parsed.Status)}, nil
	}
}
