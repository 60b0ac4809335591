package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shpitdev/partcopy/pkg/pipeline/core"
	"google.golang.org/genai"
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	Temperature     float32
	TopP            float32
	Seed            int32
	MaxOutputTokens int32
}

// Generator is a hosted alternative to the local inference service.
type Generator struct {
	client *genai.Client
	model  string
	gen    *genai.GenerateContentConfig
}

func New(ctx context.Context, cfg Config) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Generator{
		client: client,
		model:  strings.TrimSpace(cfg.Model),
		gen:    generationConfig(cfg),
	}, nil
}

func generationConfig(cfg Config) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		CandidateCount: 1,
		Temperature:    genai.Ptr(cfg.Temperature),
		Seed:           genai.Ptr(cfg.Seed),
	}
	if cfg.TopP > 0 {
		gc.TopP = genai.Ptr(cfg.TopP)
	}
	if cfg.MaxOutputTokens > 0 {
		gc.MaxOutputTokens = cfg.MaxOutputTokens
	}
	return gc
}

// Model returns the configured model name.
func (g *Generator) Model() string {
	return g.model
}

func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), g.gen)
	if err != nil {
		return "", classifyErr(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", core.Malformed("gemini: empty response")
	}
	return text, nil
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return core.Fail(core.FailureCancelled, err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 408:
			return core.Fail(core.FailureTimeout, err)
		case apiErr.Code == 429 || apiErr.Code/100 == 5:
			return core.Fail(core.FailureServerError, err)
		default:
			return core.Fail(core.FailureRejected, err)
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return core.Fail(core.FailureTimeout, err)
	}
	return core.Fail(core.KindOf(err), err)
}
