package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

const (
	defaultOpenAIBaseURL = "https://api.deepseek.com"
	defaultOpenAIModel   = "deepseek-chat"
)

// OpenAIClient speaks the OpenAI chat completions API, which DeepSeek
// and most hosted gateways also serve.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a chat completions client. baseURL defaults to
// the DeepSeek endpoint and may include a /v1 suffix.
func NewOpenAIClient(baseURL, apiKey, model string, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: newHTTPClient(),
		logger:     logger.With("provider", ProviderOpenAI, "model", model),
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Completer.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	var msgs []openAIMessage
	if req.System != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, openAIMessage{Role: "user", Content: req.Prompt})

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	var resp openAIResponse
	err := postJSON(ctx, c.httpClient, c.logger, ProviderOpenAI, c.baseURL+"/chat/completions", headers, openAIRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", decodeError(ProviderOpenAI, errors.New("empty completion"))
	}

	c.logger.Debug("completion done",
		"input_tokens", resp.Usage.PromptTokens,
		"output_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Choices[0].Message.Content)
	return resp.Choices[0].Message.Content, nil
}
