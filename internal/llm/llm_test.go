package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "deepseek-chat" || req.MaxTokens != 600 || req.Temperature != 0.3 {
			t.Errorf("request = %+v", req)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "summarize this" {
			t.Errorf("messages = %+v", req.Messages)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"a summary"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/", "sk-test", "", quietLogger())
	got, err := c.Complete(context.Background(), Request{System: "be brief", Prompt: "summarize this", MaxTokens: 600, Temperature: 0.3})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if got != "a summary" {
		t.Errorf("Complete = %q", got)
	}
}

func TestAnthropicClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ak" || r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("headers = %v", r.Header)
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.System != "sys" || req.MaxTokens != anthropicMaxTokens {
			t.Errorf("request = %+v", req)
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"part one, "},{"type":"text","text":"part two"}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, "ak", "claude-test", quietLogger())
	got, err := c.Complete(context.Background(), Request{System: "sys", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if got != "part one, part two" {
		t.Errorf("Complete = %q", got)
	}
}

func TestOllamaClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Stream || req.Options == nil || req.Options.NumPredict != 1000 {
			t.Errorf("request = %+v", req)
		}
		_, _ = w.Write([]byte(`{"model":"qwen","message":{"role":"assistant","content":"local answer"},"done":true,"eval_count":5}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "qwen", quietLogger())
	got, err := c.Complete(context.Background(), Request{Prompt: "hi", MaxTokens: 1000})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if got != "local answer" {
		t.Errorf("Complete = %q", got)
	}
}

func TestComplete_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{529, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"nope"}`, tt.status)
		}))
		c := NewOpenAIClient(srv.URL, "k", "m", quietLogger())
		_, err := c.Complete(context.Background(), Request{Prompt: "x"})
		srv.Close()

		var e *Error
		if !errors.As(err, &e) {
			t.Fatalf("HTTP %d: err = %v, want *Error", tt.status, err)
		}
		if e.StatusCode != tt.status {
			t.Errorf("HTTP %d: StatusCode = %d", tt.status, e.StatusCode)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("HTTP %d: IsRetryable = %v, want %v", tt.status, IsRetryable(err), tt.retryable)
		}
	}
}

func TestComplete_EmptyCompletionIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(srv.URL, "k", "m", quietLogger()).Complete(context.Background(), Request{Prompt: "x"})
	if !IsRetryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
}

func TestComplete_DeadlineIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewOllamaClient(srv.URL, "m", quietLogger()).Complete(ctx, Request{Prompt: "x"})
	if !IsRetryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
}

func TestComplete_CanceledIsTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAnthropicClient("http://127.0.0.1:1", "k", "m", quietLogger()).Complete(ctx, Request{Prompt: "x"})
	if err == nil || IsRetryable(err) {
		t.Errorf("err = %v, want terminal", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		provider string
		want     string
		wantErr  bool
	}{
		{"openai", "*llm.OpenAIClient", false},
		{"", "*llm.OpenAIClient", false},
		{"DeepSeek", "*llm.OpenAIClient", false},
		{"anthropic", "*llm.AnthropicClient", false},
		{"ollama", "*llm.OllamaClient", false},
		{"bard", "", true},
	}
	for _, tt := range tests {
		c, err := New(Options{Provider: tt.provider, Logger: quietLogger()})
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) error = %v", tt.provider, err)
			continue
		}
		if err == nil {
			if got := typeName(c); got != tt.want {
				t.Errorf("New(%q) = %s, want %s", tt.provider, got, tt.want)
			}
		}
	}
}

func typeName(c Completer) string {
	switch c.(type) {
	case *OpenAIClient:
		return "*llm.OpenAIClient"
	case *AnthropicClient:
		return "*llm.AnthropicClient"
	case *OllamaClient:
		return "*llm.OllamaClient"
	}
	return "?"
}

func TestIsRetryable_ForeignErrors(t *testing.T) {
	if IsRetryable(errors.New("boom")) {
		t.Error("plain error reported retryable")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded reported terminal")
	}
	if IsRetryable(context.Canceled) {
		t.Error("canceled reported retryable")
	}
}
