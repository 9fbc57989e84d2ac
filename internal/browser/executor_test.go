package browser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pubplane/internal/dispatcher"
)

func newAgentServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute_Success(t *testing.T) {
	var got publishRequest
	srv := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	})

	e := NewAgentExecutor(srv.URL, nil)
	handle := &WindowHandle{WindowID: "w1", CDPURL: "http://127.0.0.1:9221"}
	if err := e.Execute(context.Background(), handle, "post://draft/1"); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if got.PayloadRef != "post://draft/1" {
		t.Errorf("agent received payload %q", got.PayloadRef)
	}
	if got.DebugURL != "http://127.0.0.1:9221" {
		t.Errorf("agent received debug url %q", got.DebugURL)
	}
}

func TestExecute_RejectionIsPermanent(t *testing.T) {
	srv := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(publishResult{Error: "caption violates platform policy"})
	})

	e := NewAgentExecutor(srv.URL, nil)
	err := e.Execute(context.Background(), &WindowHandle{}, "post://draft/1")
	if !errors.Is(err, dispatcher.ErrPermanent) {
		t.Errorf("got %v, want ErrPermanent", err)
	}
}

func TestExecute_GoneMarksEnvironmentCorrupted(t *testing.T) {
	srv := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	e := NewAgentExecutor(srv.URL, nil)
	err := e.Execute(context.Background(), &WindowHandle{}, "post://draft/1")
	if !errors.Is(err, dispatcher.ErrEnvCorrupted) {
		t.Errorf("got %v, want ErrEnvCorrupted", err)
	}
}

func TestExecute_ServerErrorIsTransient(t *testing.T) {
	srv := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	e := NewAgentExecutor(srv.URL, nil)
	err := e.Execute(context.Background(), &WindowHandle{}, "post://draft/1")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, dispatcher.ErrPermanent) || errors.Is(err, dispatcher.ErrEnvCorrupted) {
		t.Errorf("server error classified as non-transient: %v", err)
	}
}

func TestExecute_HonorsContext(t *testing.T) {
	srv := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	e := NewAgentExecutor(srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Execute(ctx, &WindowHandle{}, "post://draft/1"); err == nil {
		t.Fatal("expected context error")
	}
}
