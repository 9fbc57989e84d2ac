package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pubplane/pkg/api"
)

// Client handles API calls to the pubplane control listener.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client against the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the control listener.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends a request with an optional JSON body and decodes the response
// into out when it is non-nil.
func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// SubmitJob sends POST /jobs.
func (c *Client) SubmitJob(req api.SubmitJobRequest) (*api.SubmitJobResponse, error) {
	var resp api.SubmitJobResponse
	if err := c.do(http.MethodPost, "/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJob sends GET /jobs/{id}.
func (c *Client) GetJob(jobID string) (*api.JobStatusResponse, error) {
	var resp api.JobStatusResponse
	if err := c.do(http.MethodGet, "/jobs/"+jobID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelJob sends POST /jobs/{id}/cancel.
func (c *Client) CancelJob(jobID string) error {
	return c.do(http.MethodPost, "/jobs/"+jobID+"/cancel", nil, nil)
}

// ListDeadLetters sends GET /dlq.
func (c *Client) ListDeadLetters() ([]api.DeadLetterResponse, error) {
	var resp []api.DeadLetterResponse
	if err := c.do(http.MethodGet, "/dlq", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ResubmitDeadLetter sends POST /dlq/{id}/resubmit.
func (c *Client) ResubmitDeadLetter(jobID string) (*api.ResubmitResponse, error) {
	var resp api.ResubmitResponse
	if err := c.do(http.MethodPost, "/dlq/"+jobID+"/resubmit", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAccounts sends GET /accounts.
func (c *Client) ListAccounts() ([]api.AccountResponse, error) {
	var resp []api.AccountResponse
	if err := c.do(http.MethodGet, "/accounts", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
