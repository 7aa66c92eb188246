package synth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

func init() {
	Register("gemini", func(ctx context.Context, cfg Config) (Synthesizer, error) {
		return NewGemini(ctx, cfg)
	})
}

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// SystemInstruction fixes the shape of every generated routine.
const SystemInstruction = `You are a Go code generator.
Respond exclusively with Go source code.
No explanations, no markdown, no extra text.
Only complete, valid Go code in package main.
Use only the Go standard library (net/http, io, regexp, strings, encoding/json, html, ...).
Do not import os/exec, syscall, unsafe, plugin, os/signal or runtime/debug.
Define a function with the exact signature: func Run() (any, error)
Run must fetch the page itself, extract the requested data and return it as a
map[string]any, a slice, or a string. Return an error instead of an empty result.
Do not define func main.
Always set a browser-like User-Agent header on HTTP requests.`

// Gemini generates routines with the Gemini API.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini creates a Gemini synthesizer.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required (set GEMINI_API_KEY or llm.api_key)")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, timeout: cfg.Timeout}, nil
}

// Synthesize asks the model for a routine.
func (g *Gemini) Synthesize(ctx context.Context, instruction, target string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	contents := []*genai.Content{
		genai.NewContentFromText(fmt.Sprintf("%s\nurl: %s", instruction, target), genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemInstruction, genai.RoleUser),
		ResponseMIMEType:  "text/plain",
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}

	code := strings.TrimSpace(resp.Text())
	if code == "" {
		return "", fmt.Errorf("gemini returned no code")
	}
	return code, nil
}
