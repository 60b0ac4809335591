package ollama_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shpitdev/partcopy/internal/generate/ollama"
	"github.com/shpitdev/partcopy/pkg/pipeline/core"
)

func TestGenerate_SendsOptionsAndReturnsContent(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"llama3.1:8b","message":{"role":"assistant","content":"Title: A\nDescription: B"},"done":true}`))
	}))
	defer srv.Close()

	c, err := ollama.New(ollama.Config{
		Host:    srv.URL,
		Options: ollama.Options{Temperature: 0, TopP: 0.9, RepeatPenalty: 1.1, Seed: 42, NumPredict: 2500},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := c.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Title: A\nDescription: B" {
		t.Fatalf("unexpected content %q", out)
	}

	if got["model"] != ollama.DefaultModel || got["stream"] != false {
		t.Fatalf("unexpected request body %v", got)
	}
	opts, _ := got["options"].(map[string]any)
	if opts["temperature"] != 0.0 || opts["seed"] != 42.0 || opts["num_predict"] != 2500.0 || opts["top_p"] != 0.9 {
		t.Fatalf("unexpected options %v", opts)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %v", got["messages"])
	}
}

func TestGenerate_ClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		want    core.FailureKind
		wantMsg string
	}{
		{name: "server error", status: 500, body: `{"error":"llama runner process has terminated"}`, want: core.FailureServerError, wantMsg: "llama runner"},
		{name: "overloaded", status: 503, body: "busy", want: core.FailureServerError},
		{name: "rate limited", status: 429, body: "", want: core.FailureServerError},
		{name: "model missing", status: 404, body: `{"error":"model \"nope\" not found, try pulling it first"}`, want: core.FailureRejected, wantMsg: "not found"},
		{name: "bad request", status: 400, body: `{"error":"invalid options"}`, want: core.FailureRejected},
		{name: "gateway timeout", status: 504, body: "", want: core.FailureTimeout},
		{name: "empty content", status: 200, body: `{"message":{"role":"assistant","content":"  "},"done":true}`, want: core.FailureMalformedResponse},
		{name: "truncated body", status: 200, body: `{"message":{"role":"assis`, want: core.FailureServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := ollama.New(ollama.Config{Host: srv.URL, Model: "nope"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_, err = c.Generate(context.Background(), "p")
			if got := core.KindOf(err); got != tt.want {
				t.Fatalf("kind=%s want=%s (err=%v)", got, tt.want, err)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("expected %q in %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestGenerate_ConnectionRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c, err := ollama.New(ollama.Config{Host: addr})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = c.Generate(context.Background(), "p")
	if got := core.KindOf(err); got != core.FailureConnectionRefused {
		t.Fatalf("kind=%s want=connection_refused (err=%v)", got, err)
	}
}

func TestGenerate_TimeoutAndCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := ollama.New(ollama.Config{Host: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, "p")
	if got := core.KindOf(err); got != core.FailureTimeout {
		t.Fatalf("kind=%s want=timeout (err=%v)", got, err)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err = c.Generate(ctx2, "p")
	if got := core.KindOf(err); got != core.FailureCancelled {
		t.Fatalf("kind=%s want=cancelled (err=%v)", got, err)
	}
}

func TestListModelsAndHasModel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1:8b","size":4920753328},{"name":"mistral:latest","size":1}]}`))
	}))
	defer srv.Close()

	c, err := ollama.New(ollama.Config{Host: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	models, err := c.ListModels(context.Background())
	if err != nil || len(models) != 2 {
		t.Fatalf("ListModels()=%v, %v", models, err)
	}
	for name, want := range map[string]bool{"llama3.1:8b": true, "mistral": true, "LLAMA3.1:8B": true, "llama3.1": false} {
		got, err := c.HasModel(context.Background(), name)
		if err != nil {
			t.Fatalf("HasModel(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("HasModel(%q)=%v want=%v", name, got, want)
		}
	}
}

func TestPull_StreamsProgress(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "llama3.1:8b" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, line := range []string{
			`{"status":"pulling manifest"}`,
			`{"status":"downloading","digest":"sha256:abc","total":100,"completed":50}`,
			`{"status":"success"}`,
		} {
			_, _ = fmt.Fprintln(w, line)
		}
	}))
	defer srv.Close()

	c, err := ollama.New(ollama.Config{Host: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var statuses []string
	if err := c.Pull(context.Background(), "", func(p ollama.PullProgress) {
		statuses = append(statuses, p.Status)
	}); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(statuses) != 3 || statuses[2] != "success" {
		t.Fatalf("unexpected statuses %v", statuses)
	}
}

func TestPull_ReportsStreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintln(w, `{"status":"pulling manifest"}`)
		_, _ = fmt.Fprintln(w, `{"error":"pull model manifest: file does not exist"}`)
	}))
	defer srv.Close()

	c, err := ollama.New(ollama.Config{Host: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Pull(context.Background(), "missing:1b", nil); err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestNew_HostForms(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"":                     ollama.DefaultHost,
		"localhost:11434":      "http://localhost:11434",
		"http://10.0.0.2:8080": "http://10.0.0.2:8080",
	} {
		c, err := ollama.New(ollama.Config{Host: in})
		if err != nil {
			t.Fatalf("New(%q): %v", in, err)
		}
		if c.Host() != want {
			t.Fatalf("Host()=%q want=%q", c.Host(), want)
		}
	}
}
