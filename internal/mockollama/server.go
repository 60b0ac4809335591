// Package mockollama serves a minimal fake of the local inference HTTP API.
package mockollama

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shpitdev/partcopy/pkg/pipeline/schema"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
	Model  string
	Prompt string
}

// Responder produces the assistant content for a chat prompt. A non-2xx status turns
// the reply into an error response carrying content as the message.
type Responder func(model, prompt string) (content string, status int)

// Server implements the chat, tags, and pull endpoints.
type Server struct {
	mu        sync.Mutex
	calls     []Call
	models    []string
	responder Responder

	failNext   int
	failStatus int
}

// New constructs a mock server with the given models installed.
func New(models ...string) *Server {
	return &Server{
		models:    append([]string(nil), models...),
		responder: DefaultResponder,
	}
}

// SetResponder replaces the chat responder.
func (s *Server) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == nil {
		r = DefaultResponder
	}
	s.responder = r
}

// FailNext makes the next n chat requests fail with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failStatus = status
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = fmt.Fprint(w, "Ollama is running")
	})
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/tags", s.handleTags)
	mux.HandleFunc("/api/pull", s.handlePull)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Models returns the installed model names.
func (s *Server) Models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.models...)
}

func (s *Server) record(c Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *Server) hasModel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.models {
		if normalize(m) == normalize(name) {
			return true
		}
	}
	return false
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	prompt := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			prompt = m.Content
		}
	}
	s.record(Call{Method: r.Method, Path: r.URL.Path, Model: req.Model, Prompt: prompt})

	if !s.hasModel(req.Model) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("model %q not found, try pulling it first", req.Model))
		return
	}

	s.mu.Lock()
	failing := s.failNext > 0
	status := s.failStatus
	if failing {
		s.failNext--
	}
	respond := s.responder
	s.mu.Unlock()
	if failing {
		writeError(w, status, "llama runner process has terminated")
		return
	}

	content, code := respond(req.Model, prompt)
	if code == 0 {
		code = http.StatusOK
	}
	if code/100 != 2 {
		writeError(w, code, content)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model":      req.Model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"message":    map[string]string{"role": "assistant", "content": content},
		"done":       true,
	})
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.record(Call{Method: r.Method, Path: r.URL.Path})
	models := make([]map[string]any, 0)
	for _, m := range s.Models() {
		models = append(models, map[string]any{"name": m, "model": m, "size": 0})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	s.record(Call{Method: r.Method, Path: r.URL.Path, Model: req.Model})

	w.Header().Set("Content-Type", "application/x-ndjson")
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	_ = enc.Encode(map[string]any{"status": "pulling manifest"})
	_ = enc.Encode(map[string]any{"status": "pulling " + req.Model, "digest": "sha256:0000", "total": 100, "completed": 100})
	_ = enc.Encode(map[string]any{"status": "verifying sha256 digest"})
	_ = enc.Encode(map[string]any{"status": "success"})
	_ = bw.Flush()

	if !s.hasModel(req.Model) {
		s.mu.Lock()
		s.models = append(s.models, req.Model)
		s.mu.Unlock()
	}
}

var (
	partRe    = regexp.MustCompile(`(?m)^Part Number:\s*(.*)$`)
	mfrRe     = regexp.MustCompile(`(?m)^Manufacturer:\s*(.*)$`)
	columnsRe = regexp.MustCompile(`(?s)Columns:\n(.*?)\n\n`)
)

// DefaultResponder answers column-analysis prompts with a keyword-matched mapping and
// product prompts with a short, well-formed title and description.
func DefaultResponder(_ string, prompt string) (string, int) {
	if m := columnsRe.FindStringSubmatch(prompt); m != nil && strings.Contains(prompt, "Respond with JSON") {
		var header []string
		for _, line := range strings.Split(m[1], "\n") {
			if col, ok := strings.CutPrefix(strings.TrimSpace(line), "- "); ok {
				header = append(header, col)
			}
		}
		mapping := schema.HeuristicMapping(header)
		b, _ := json.Marshal(map[string]any{
			"part_number_column":    mapping.PartNumber(),
			"manufacturer_column":   mapping.Manufacturer(),
			"relevant_spec_columns": []string{},
		})
		return string(b), http.StatusOK
	}

	pn, mfr := "UNKNOWN", "Unknown"
	if m := partRe.FindStringSubmatch(prompt); m != nil {
		pn = strings.TrimSpace(m[1])
	}
	if m := mfrRe.FindStringSubmatch(prompt); m != nil {
		mfr = strings.TrimSpace(m[1])
	}
	return fmt.Sprintf(
		"Title: %s – %s Industrial Component\nDescription: The %s %s is an industrial component described by the mock inference service.",
		pn, mfr, mfr, pn,
	), http.StatusOK
}

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if !strings.Contains(name, ":") {
		name += ":latest"
	}
	return name
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
