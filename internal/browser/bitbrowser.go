// Package browser contains pool.Provider implementations for the browser
// environments jobs execute in.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"pubplane/internal/pool"
)

// WindowHandle is an open managed-browser window.
type WindowHandle struct {
	WindowID string
	CDPURL   string
}

// ID implements pool.Handle.
func (h *WindowHandle) ID() string { return h.WindowID }

// DebugURL implements pool.Handle.
func (h *WindowHandle) DebugURL() string { return h.CDPURL }

// WindowManagerConfig configures the window-manager provider.
type WindowManagerConfig struct {
	BaseURL  string        // default http://127.0.0.1:54345
	OpenWait time.Duration // total budget for open retries while a window is closing
}

// WindowManager drives the local anti-detect browser manager over its HTTP
// API. One managed window per account; account IDs are window names.
type WindowManager struct {
	cfg        WindowManagerConfig
	httpClient *http.Client
	log        *slog.Logger

	mu      sync.Mutex
	windows map[string]string // window name -> window ID, filled by Refresh
}

// managerResponse is the manager's JSON envelope.
type managerResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// NewWindowManager creates the provider. Call Refresh before first use to
// map account names to window IDs.
func NewWindowManager(cfg WindowManagerConfig, log *slog.Logger) *WindowManager {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:54345"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.OpenWait <= 0 {
		cfg.OpenWait = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &WindowManager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
		windows:    make(map[string]string),
	}
}

// Refresh lists the manager's windows and rebuilds the name-to-ID map.
// Returns the window names found, for account discovery at startup.
func (w *WindowManager) Refresh(ctx context.Context) ([]string, error) {
	var data struct {
		List []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"list"`
	}
	err := w.call(ctx, "/browser/list", map[string]interface{}{"page": 0, "pageSize": 100}, &data)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.windows = make(map[string]string, len(data.List))
	names := make([]string, 0, len(data.List))
	for _, win := range data.List {
		w.windows[win.Name] = win.ID
		names = append(names, win.Name)
	}
	return names, nil
}

// Open opens the window for the account and returns its CDP endpoint. The
// manager rejects opens while the window is still closing from a previous
// session, so those are retried within the configured budget.
func (w *WindowManager) Open(ctx context.Context, accountID string) (pool.Handle, error) {
	windowID, err := w.windowID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(w.cfg.OpenWait)
	for {
		var data struct {
			HTTP string `json:"http"`
		}
		err := w.call(ctx, "/browser/open", map[string]interface{}{"id": windowID}, &data)
		if err == nil {
			if data.HTTP == "" {
				return nil, fmt.Errorf("open window %s: manager returned no debug address", windowID)
			}
			url := data.HTTP
			if !strings.HasPrefix(url, "http") {
				url = "http://" + url
			}
			return &WindowHandle{WindowID: windowID, CDPURL: url}, nil
		}
		if !windowStillClosing(err) || time.Now().After(deadline) {
			return nil, fmt.Errorf("open window %s: %w", windowID, err)
		}
		w.log.Info("window still closing, retrying open", "window_id", windowID)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Close closes the window behind the handle.
func (w *WindowManager) Close(ctx context.Context, h pool.Handle) error {
	if err := w.call(ctx, "/browser/close", map[string]interface{}{"id": h.ID()}, nil); err != nil {
		return fmt.Errorf("close window %s: %w", h.ID(), err)
	}
	return nil
}

// Probe asks the manager for window detail. An error means the window is
// gone or the manager is unreachable, and the resource must be evicted.
func (w *WindowManager) Probe(ctx context.Context, h pool.Handle) error {
	if err := w.call(ctx, "/browser/detail", map[string]interface{}{"id": h.ID()}, nil); err != nil {
		return fmt.Errorf("probe window %s: %w", h.ID(), err)
	}
	return nil
}

// windowID resolves an account name to its window ID, refreshing the map on
// a miss.
func (w *WindowManager) windowID(ctx context.Context, accountID string) (string, error) {
	w.mu.Lock()
	id, ok := w.windows[accountID]
	w.mu.Unlock()
	if ok {
		return id, nil
	}
	if _, err := w.Refresh(ctx); err != nil {
		return "", err
	}
	w.mu.Lock()
	id, ok = w.windows[accountID]
	w.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no window named %q", accountID)
	}
	return id, nil
}

// call posts a JSON body to the manager and unwraps the envelope.
func (w *WindowManager) call(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("manager returned status %d", resp.StatusCode)
	}

	var envelope managerResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode manager response: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("manager error: %s", envelope.Msg)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode manager data: %w", err)
		}
	}
	return nil
}

// windowStillClosing matches the manager's transient "window is closing"
// rejection (reported in English or Chinese depending on manager version).
func windowStillClosing(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "closing") || strings.Contains(msg, "关闭")
}
