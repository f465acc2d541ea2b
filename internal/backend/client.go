package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/qlab-data/fidelity.report/internal/httputil"
	"github.com/qlab-data/fidelity.report/internal/monitoring"
)

// HTTPClient is the shared REST plumbing for the remote backends: JSON in,
// JSON out, transient failures retried per the policy, client errors failed
// fast.
type HTTPClient struct {
	BaseURL string
	Header  http.Header
	Policy  RetryPolicy

	client httputil.Doer
}

// NewHTTPClient builds a client for the given service root. Extra headers
// (auth, workspace selectors) apply to every request.
func NewHTTPClient(baseURL string, header http.Header, policy RetryPolicy) *HTTPClient {
	if header == nil {
		header = http.Header{}
	}
	return &HTTPClient{
		BaseURL: baseURL,
		Header:  header,
		Policy:  policy,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// DoJSON performs one API call. A non-nil body is sent as JSON; a non-nil
// out receives the decoded response. Network errors and 5xx responses are
// retried with exponential backoff up to the policy's attempt budget; 4xx
// responses are terminal.
func (c *HTTPClient) DoJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	url := c.BaseURL + path
	var lastErr error

	for attempt := 0; attempt < c.Policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			monitoring.Logf("retrying %s %s (attempt %d/%d): %v", method, path, attempt+1, c.Policy.MaxAttempts, lastErr)
			select {
			case <-time.After(c.Policy.Backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		for k, vs := range c.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil {
				if err := json.Unmarshal(data, out); err != nil {
					return fmt.Errorf("decode response from %s: %w", path, err)
				}
			}
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%s %s: server error %d: %s", method, path, resp.StatusCode, truncate(data, 200))
			continue
		default:
			// 4xx: the request itself is wrong, retrying cannot help.
			return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, truncate(data, 200))
		}
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.Policy.MaxAttempts, lastErr)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// PollUntilTerminal calls fetch on the policy's poll cadence until the job
// status is terminal or the policy timeout / ctx expires.
func PollUntilTerminal(ctx context.Context, policy RetryPolicy, fetch func(context.Context) (JobStatus, error)) (JobStatus, error) {
	deadline := time.Now().Add(policy.Timeout)
	ticker := time.NewTicker(policy.PollInterval)
	defer ticker.Stop()

	for {
		status, err := fetch(ctx)
		if err != nil {
			return "", err
		}
		if status.Terminal() {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, fmt.Errorf("job still %s after %s", status, policy.Timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}
