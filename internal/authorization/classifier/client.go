// Package classifier is the thin gateway to the external text-completion
// service that analyzes medical orders. It carries no business logic: the
// caller builds the prompt and the response validator owns all parsing.
package classifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Config holds the settings for the completion client.
type Config struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Completion is the raw outcome of one classifier call.
type Completion struct {
	Text         string
	ModelVersion string
	Latency      time.Duration
}

// Client calls the Gemini API for order analysis completions.
type Client struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// New creates a classifier client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("classifier API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// Complete sends the prompt and returns the raw completion text.
// The call is bounded by the configured timeout; a timeout surfaces as an
// ordinary error so the engine can fall back.
func (c *Client) Complete(ctx context.Context, prompt string) (Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return Completion{}, err
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return Completion{}, errors.New("classifier returned an empty completion")
	}

	return Completion{
		Text:         text,
		ModelVersion: c.model,
		Latency:      time.Since(start),
	}, nil
}
