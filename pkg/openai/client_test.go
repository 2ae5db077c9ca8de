package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerate(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer gsk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Write([]byte(`{"id":"1","choices":[{"message":{"role":"assistant","content":"{\"summary\":\"ok\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Token: "gsk-test", BaseURL: srv.URL + "/openai/v1/", HTTPClient: srv.Client()})
	out, err := c.Generate(context.Background(), "why did it fail?")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if out != `{"summary":"ok"}` {
		t.Errorf("Generate() = %q", out)
	}
	if got.Model != GroqModel {
		t.Errorf("model = %q, want %q", got.Model, GroqModel)
	}
	if got.Temperature == nil || *got.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", got.Temperature)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != StrictJSONPrompt || got.Messages[1].Content != "why did it fail?" {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
	if c.Name() != "groq" {
		t.Errorf("Name() = %q", c.Name())
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
		{"bad json", http.StatusOK, `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(Config{Token: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
			if _, err := c.Generate(context.Background(), "p"); err == nil {
				t.Error("Generate() error = nil, want error")
			}
		})
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{Token: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := c.Generate(context.Background(), "p")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
}
