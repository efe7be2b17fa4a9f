package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"ai-chat-sessions/backend/pkg/logger"
)

const defaultWorkersAIBaseURL = "https://api.cloudflare.com/client/v4"

// WorkersAIClient calls a Cloudflare Workers AI text-generation model over
// the REST API
type WorkersAIClient struct {
	client    *http.Client
	baseURL   string
	accountID string
	apiKey    string
	model     string
	log       *logger.Logger
}

// NewWorkersAIClient creates a client for model in account
func NewWorkersAIClient(baseURL, accountID, apiKey, model string, log *logger.Logger) (*WorkersAIClient, error) {
	if accountID == "" {
		return nil, errors.New("workers-ai: account id is required")
	}
	if model == "" {
		return nil, errors.New("workers-ai: model is required")
	}
	if baseURL == "" {
		baseURL = defaultWorkersAIBaseURL
	}
	if log == nil {
		log = logger.GetGlobal()
	}
	return &WorkersAIClient{
		client:    &http.Client{Timeout: 60 * time.Second},
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		apiKey:    apiKey,
		model:     model,
		log:       log,
	}, nil
}

type workersAIRequest struct {
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type workersAIResponse struct {
	Result struct {
		Response string `json:"response"`
	} `json:"result"`
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Complete runs the model with the system prompt as the first message
func (c *WorkersAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := make([]ChatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	jsonData, err := json.Marshal(workersAIRequest{
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("workers-ai: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.baseURL, c.accountID, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("workers-ai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.log.Debug("Sending completion request",
		"provider", "workers-ai",
		"model", c.model,
		"messages", len(messages),
	)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("workers-ai: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("workers-ai: read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("workers-ai: unexpected status %d: %s", httpResp.StatusCode, truncate(string(body), 200))
	}

	var resp workersAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("workers-ai: decode response: %w", err)
	}
	if len(resp.Errors) > 0 {
		return "", fmt.Errorf("workers-ai: %s (code %d)", resp.Errors[0].Message, resp.Errors[0].Code)
	}

	return resp.Result.Response, nil
}

// truncate cuts s to at most n bytes on a rune boundary
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
