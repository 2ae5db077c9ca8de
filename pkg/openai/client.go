// Package openai talks to OpenAI-compatible chat-completion APIs such as Groq.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	GroqBaseURL = "https://api.groq.com/openai/v1"
	GroqModel   = "llama-3.3-70b-versatile"

	// StrictJSONPrompt keeps the model from wrapping answers in prose or markdown
	StrictJSONPrompt = "You are an API that must output STRICT JSON. No markdown. No ``` . No commentary. No explanations. No extra text. Only valid JSON."
)

// HTTPClient interface for mocking http.Client
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config selects the endpoint and model
type Config struct {
	Name         string
	Token        string
	BaseURL      string
	Model        string
	SystemPrompt string
	HTTPClient   HTTPClient
}

type Client struct {
	name       string
	token      string
	baseURL    string
	model      string
	sysPrompt  string
	httpClient HTTPClient
}

type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []ChatCompletionMessage `json:"messages"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
}

type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int    `json:"created"`
	Choices []struct {
		Message ChatCompletionMessage `json:"message"`
	} `json:"choices"`
}

// APIError is a non-200 answer from the completion endpoint
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

func NewClient(cfg Config) *Client {
	c := &Client{
		name:       cfg.Name,
		token:      cfg.Token,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		sysPrompt:  cfg.SystemPrompt,
		httpClient: cfg.HTTPClient,
	}
	if c.name == "" {
		c.name = "groq"
	}
	if c.baseURL == "" {
		c.baseURL = GroqBaseURL
	}
	if c.model == "" {
		c.model = GroqModel
	}
	if c.sysPrompt == "" {
		c.sysPrompt = StrictJSONPrompt
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c
}

// Name identifies the provider in logs and metrics
func (c *Client) Name() string {
	return c.name
}

// Generate sends prompt as the user message at temperature 0 and returns the first choice
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	temperature := 0.0
	resp, err := c.CreateChatCompletion(ctx, ChatCompletionRequest{
		Model: c.model,
		Messages: []ChatCompletionMessage{
			{Role: "system", Content: c.sysPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from %s", c.name)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &result, nil
}
