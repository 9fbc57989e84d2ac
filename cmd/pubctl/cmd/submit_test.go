package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("PUBPLANE")
	viper.AutomaticEnv()
}

func runCommand(t *testing.T, serverURL string, args ...string) string {
	t.Helper()
	viper.Set("url", serverURL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return stdout.String()
}

func TestSubmitCommand_Success(t *testing.T) {
	resetViper()

	submitCalled := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			return
		}
		submitCalled = true

		var reqBody map[string]interface{}
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody["payload_ref"] != "post://draft/42" {
			t.Errorf("expected payload_ref=post://draft/42, got %v", reqBody["payload_ref"])
		}
		if reqBody["priority"] != "high" {
			t.Errorf("expected priority=high, got %v", reqBody["priority"])
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"job_id": "8a6f3b54-0000-4c7e-9a11-000000000042"})
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "submit", "--payload", "post://draft/42", "--priority", "high")

	if !submitCalled {
		t.Error("expected submit endpoint to be called")
	}
	if !strings.Contains(output, "Job submitted") {
		t.Errorf("expected success message, got: %s", output)
	}
	if !strings.Contains(output, "8a6f3b54") {
		t.Errorf("expected job ID in output, got: %s", output)
	}
}

func TestStatusCommand_ShowsHistory(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/jobs/") {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":           "job-1",
			"payload_ref":  "post://draft/1",
			"priority":     "normal",
			"status":       "dead_lettered",
			"attempts":     3,
			"max_attempts": 3,
			"last_error":   map[string]string{"kind": "transient", "message": "timeout"},
			"history": []map[string]interface{}{
				{"attempt": 1, "account_id": "studio-01", "kind": "transient", "message": "timeout"},
			},
		})
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "status", "job-1")

	if !strings.Contains(output, "dead_lettered") {
		t.Errorf("expected status in output, got: %s", output)
	}
	if !strings.Contains(output, "3/3") {
		t.Errorf("expected attempt count in output, got: %s", output)
	}
	if !strings.Contains(output, "studio-01") {
		t.Errorf("expected history in output, got: %s", output)
	}
}

func TestDlqListCommand_Empty(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("[]"))
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "dlq", "list")

	if !strings.Contains(output, "No dead letters") {
		t.Errorf("expected empty message, got: %s", output)
	}
}
