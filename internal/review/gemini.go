package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"helix/internal/logging"

	"google.golang.org/genai"
)

// GeminiConfig configures a Gemini reviewer.
type GeminiConfig struct {
	Name    string
	APIKey  string
	Model   string
	BaseURL string // optional endpoint override
}

// GeminiReviewer asks Gemini for a review with a JSON response type.
type GeminiReviewer struct {
	name   string
	model  string
	client *genai.Client
}

// NewGeminiReviewer creates the client eagerly so a bad key fails at boot.
func NewGeminiReviewer(ctx context.Context, cfg GeminiConfig) (*GeminiReviewer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini reviewer %q: API key is required", cfg.Name)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-pro"
	}
	if cfg.Name == "" {
		cfg.Name = "gemini"
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiReviewer{name: cfg.Name, model: cfg.Model, client: client}, nil
}

func (g *GeminiReviewer) Name() string { return g.name }

func (g *GeminiReviewer) ReviewText(ctx context.Context, prompt string) (ReviewResponse, error) {
	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return ReviewResponse{}, fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return ReviewResponse{}, fmt.Errorf("GenAI returned no text")
	}
	logging.ReviewDebug("[%s] completed in %v response_len=%d", g.name, time.Since(start), len(text))
	return ReviewResponse{Text: text, Model: g.model, Latency: time.Since(start)}, nil
}
