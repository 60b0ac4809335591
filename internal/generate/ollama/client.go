package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/shpitdev/partcopy/pkg/pipeline/core"
)

const (
	DefaultHost  = "http://localhost:11434"
	DefaultModel = "llama3.1:8b"
)

// Options are the sampling parameters sent with every chat request.
type Options struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	Seed          int     `json:"seed"`
	NumPredict    int     `json:"num_predict,omitempty"`
}

type Config struct {
	Host    string
	Model   string
	Options Options

	// HTTPClient overrides the transport. Deadlines come from the request context.
	HTTPClient *http.Client
}

// Client talks to a local inference service over its HTTP API.
type Client struct {
	baseURL *url.URL
	model   string
	opts    Options
	http    *http.Client
}

func New(cfg Config) (*Client, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = DefaultHost
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", host, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("ollama host %q has no address", host)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{baseURL: u, model: model, opts: cfg.Options, http: hc}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Host returns the service base URL.
func (c *Client) Host() string {
	return c.baseURL.String()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  Options       `json:"options"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// Generate sends one chat request and returns the assistant message. It does not retry.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   false,
		Options:  c.opts,
	})
	if err != nil {
		return "", core.Fail(core.FailureRejected, fmt.Errorf("marshal chat request: %w", err))
	}

	b, err := c.do(ctx, "chat", http.MethodPost, "api/chat", body)
	if err != nil {
		return "", classify(err)
	}

	var out chatResponse
	if err := json.Unmarshal(b, &out); err != nil {
		// A truncated body usually means the service died mid-response.
		return "", core.Fail(core.FailureServerError, fmt.Errorf("parse chat response: %w", err))
	}
	if strings.TrimSpace(out.Error) != "" {
		return "", core.Fail(core.FailureServerError, fmt.Errorf("ollama chat: %s", out.Error))
	}
	content := strings.ToValidUTF8(out.Message.Content, "�")
	if strings.TrimSpace(content) == "" {
		return "", core.Malformed("ollama chat: empty message")
	}
	return content, nil
}

// ModelInfo is one locally installed model.
type ModelInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ListModels returns the models installed in the service.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	b, err := c.do(ctx, "tags", http.MethodGet, "api/tags", nil)
	if err != nil {
		return nil, classify(err)
	}
	var out tagsResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse tags response: %w", err)
	}
	return out.Models, nil
}

// Ping reports whether the service answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// HasModel reports whether name is installed. A name without a tag matches ":latest".
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := normalizeModel(name)
	for _, m := range models {
		if normalizeModel(m.Name) == want {
			return true, nil
		}
	}
	return false, nil
}

func normalizeModel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if !strings.Contains(name, ":") {
		name += ":latest"
	}
	return name
}

// PullProgress is one status line streamed while a model downloads.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Pull downloads a model, reporting each streamed status to progress (which may be nil).
func (c *Client) Pull(ctx context.Context, name string, progress func(PullProgress)) error {
	if strings.TrimSpace(name) == "" {
		name = c.model
	}
	body, err := json.Marshal(map[string]any{"model": name, "stream": true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve("api/pull").String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classify(newHTTPError("pull", resp, b))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	last := ""
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var p PullProgress
		if err := json.Unmarshal(line, &p); err != nil {
			return fmt.Errorf("parse pull progress: %w", err)
		}
		if p.Error != "" {
			return fmt.Errorf("pull %s: %s", name, p.Error)
		}
		last = p.Status
		if progress != nil {
			progress(p)
		}
	}
	if err := sc.Err(); err != nil {
		return classify(fmt.Errorf("read pull stream: %w", err))
	}
	if last != "success" {
		return fmt.Errorf("pull %s: stream ended with status %q", name, last)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, rel string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(rel).String(), rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, newHTTPError(op, resp, b)
	}
	return b, nil
}

func (c *Client) resolve(rel string) *url.URL {
	u := *c.baseURL
	u.Path = path.Join("/", u.Path, rel)
	return &u
}
