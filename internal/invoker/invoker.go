// Package invoker is the client for the tool-invocation boundary: a single
// HTTP endpoint that executes a named external operation and returns a JSON
// result. Any non-2xx status or transport error is a hard failure for the
// current attempt; no retries happen at this layer.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"draftline/internal/fault"
)

const maxErrorBody = 4096

// Client executes tools against the invoker endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	Tool         string         `json:"tool"`
	Arguments    map[string]any `json:"arguments"`
	AccountScope string         `json:"account_scope,omitempty"`
}

// Execute runs one named tool. The account scope selects the external
// account binding the tool runs under.
func (c *Client) Execute(ctx context.Context, tool string, arguments map[string]any, accountScope string) (json.RawMessage, error) {
	if c.BaseURL == "" {
		return nil, fault.New(fault.Config, "invoker_not_configured", "tool invoker base URL is not configured")
	}
	if arguments == nil {
		arguments = map[string]any{}
	}
	payload, err := json.Marshal(executeRequest{
		Tool:         tool,
		Arguments:    arguments,
		AccountScope: accountScope,
	})
	if err != nil {
		return nil, fault.Normalize(err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v2/actions/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Normalize(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fault.UpstreamHTTP(tool, 0, err.Error())
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fault.UpstreamHTTP(tool, res.StatusCode, err.Error())
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		trimmed := body
		if len(trimmed) > maxErrorBody {
			trimmed = trimmed[:maxErrorBody]
		}
		return nil, fault.UpstreamHTTP(tool, res.StatusCode, strings.TrimSpace(string(trimmed)))
	}
	if len(body) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(body) {
		return nil, fault.UpstreamHTTP(tool, res.StatusCode, fmt.Sprintf("malformed JSON response: %.200s", string(body)))
	}
	return json.RawMessage(body), nil
}
