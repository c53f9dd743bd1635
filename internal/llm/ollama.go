package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL, model string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: newHTTPClient(),
		logger:     logger.With("provider", ProviderOllama, "model", model),
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	TotalDuration   int64         `json:"total_duration,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Complete implements Completer.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (string, error) {
	var msgs []ollamaMessage
	if req.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, ollamaMessage{Role: "user", Content: req.Prompt})

	var resp ollamaResponse
	err := postJSON(ctx, c.httpClient, c.logger, ProviderOllama, c.baseURL+"/api/chat", nil, ollamaRequest{
		Model:    c.model,
		Messages: msgs,
		Options:  &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}, &resp)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", decodeError(ProviderOllama, errors.New("empty completion"))
	}

	c.logger.Debug("completion done",
		"input_tokens", resp.PromptEvalCount,
		"output_tokens", resp.EvalCount,
		"total_duration", time.Duration(resp.TotalDuration),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Message.Content)
	return resp.Message.Content, nil
}
