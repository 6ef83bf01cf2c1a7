package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTrainer invokes the training backend over HTTP. A 5xx answer or a
// transport failure is retryable; a 4xx means the input itself is bad and
// retrying cannot help.
type HTTPTrainer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTrainer creates a trainer pointed at the backend endpoint.
func NewHTTPTrainer(endpoint string, timeout time.Duration) *HTTPTrainer {
	return &HTTPTrainer{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (t *HTTPTrainer) Train(ctx context.Context, input *Input) (*Result, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, NewError(fmt.Sprintf("encode request: %v", err), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(fmt.Sprintf("build request: %v", err), false)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewError(fmt.Sprintf("backend unreachable: %v", err), true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewError(fmt.Sprintf("read response: %v", err), true)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result Result
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, NewError(fmt.Sprintf("malformed backend response: %v", err), true)
		}
		if result.ArtifactKey == "" {
			return nil, NewError("backend returned no artifact key", true)
		}
		return &result, nil

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewError(fmt.Sprintf("backend error %d: %s", resp.StatusCode, truncate(respBody)), true)

	default:
		return nil, NewError(fmt.Sprintf("backend rejected input %d: %s", resp.StatusCode, truncate(respBody)), false)
	}
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
