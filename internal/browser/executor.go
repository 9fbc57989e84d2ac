package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"pubplane/internal/dispatcher"
	"pubplane/internal/pool"
)

// AgentExecutor delegates publish attempts to the local automation agent,
// which attaches to the environment's CDP endpoint and performs the actual
// browser work. The engine only classifies the outcome.
type AgentExecutor struct {
	agentURL   string
	httpClient *http.Client
	log        *slog.Logger
}

// publishRequest is the body sent to the agent.
type publishRequest struct {
	PayloadRef string `json:"payload_ref"`
	DebugURL   string `json:"debug_url"`
}

// publishResult is the agent's response body on failure.
type publishResult struct {
	Error string `json:"error"`
}

// NewAgentExecutor creates the executor. agentURL is the agent's publish
// endpoint.
func NewAgentExecutor(agentURL string, log *slog.Logger) *AgentExecutor {
	if agentURL == "" {
		agentURL = "http://127.0.0.1:8700/publish"
	}
	if log == nil {
		log = slog.Default()
	}
	return &AgentExecutor{
		agentURL: agentURL,
		// No client timeout: the dispatcher bounds attempts through ctx.
		httpClient: &http.Client{},
		log:        log,
	}
}

// Execute implements dispatcher.Executor. The agent's HTTP status decides
// the error class:
//
//	2xx         success
//	4xx         permanent (bad payload, policy or auth rejection)
//	410         environment corrupted, discard the resource
//	5xx, other  transient
func (e *AgentExecutor) Execute(ctx context.Context, handle pool.Handle, payloadRef string) error {
	body, err := json.Marshal(publishRequest{
		PayloadRef: payloadRef,
		DebugURL:   handle.DebugURL(),
	})
	if err != nil {
		return fmt.Errorf("encode publish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.agentURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish via agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := agentError(resp.Body)
	switch {
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("agent reported environment lost: %s: %w", msg, dispatcher.ErrEnvCorrupted)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("agent rejected publish (%d): %s: %w", resp.StatusCode, msg, dispatcher.ErrPermanent)
	default:
		return fmt.Errorf("agent failed publish (%d): %s", resp.StatusCode, msg)
	}
}

func agentError(r io.Reader) string {
	var result publishResult
	if err := json.NewDecoder(r).Decode(&result); err != nil || result.Error == "" {
		return "no detail"
	}
	return result.Error
}
