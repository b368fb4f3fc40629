package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"foreman/internal/config"
	"foreman/internal/engine"
)

// Client launches workers over HTTP. It implements engine.WorkerExecutor
// against any endpoint that accepts POST /v0/workers/spawn.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New builds a client from dispatch config.
func New(cfg config.Dispatch) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:     cfg.BaseURL,
		BearerToken: cfg.Token,
		HTTPClient:  &http.Client{Timeout: timeout},
		Timeout:     timeout,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type spawnRequest struct {
	Worker      string `json:"worker"`
	Instruction string `json:"instruction"`
	IssueID     string `json:"issue_id"`
}

type spawnResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Spawn asks the worker endpoint to start a session for an issue. A
// transport or HTTP-level failure is a launch failure; a response with
// status "failed" means the worker ran and died, reported as
// *engine.ExecutionError.
func (c *Client) Spawn(ctx context.Context, workerRef, instruction, issueID string) (string, error) {
	var resp spawnResponse
	err := c.do(ctx, http.MethodPost, "v0/workers/spawn", spawnRequest{
		Worker:      workerRef,
		Instruction: instruction,
		IssueID:     issueID,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Status == "failed" {
		reason := resp.Error
		if reason == "" {
			reason = "worker reported failure"
		}
		return "", &engine.ExecutionError{SessionID: resp.SessionID, Reason: reason}
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("spawn response missing session_id")
	}
	return resp.SessionID, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
