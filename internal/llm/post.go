package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/tubedigest/internal/httpkit"
)

// postJSON sends payload to url and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, logger *slog.Logger, provider, url string, headers map[string]string, payload, out any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return &Error{Provider: provider, Kind: KindTerminal, Err: fmt.Errorf("marshal request: %w", err)}
	}

	logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return &Error{Provider: provider, Kind: KindTerminal, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return transportError(provider, err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		logger.Warn("API error", "status", resp.StatusCode, "body", errBody)
		return statusError(provider, resp.StatusCode, errBody)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return decodeError(provider, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func newHTTPClient() *http.Client {
	// Long prompts can take minutes before the first header arrives;
	// callers bound each call with a context deadline instead.
	return httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(5*time.Minute),
	)
}
