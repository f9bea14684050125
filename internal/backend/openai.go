package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultOpenAIBaseURL is the SambaNova OpenAI-compatible endpoint
const DefaultOpenAIBaseURL = "https://api.sambanova.ai/v1"

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	MaxTokens   int       `json:"max_tokens"`
}

// OpenAIResponse represents the response from OpenAI-compatible APIs
type OpenAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]interface{} `json:"usage"`
}

// openAIErrorResponse is the error envelope OpenAI-compatible APIs return
type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAIClient talks to any OpenAI-compatible /chat/completions endpoint
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	instruments
}

// NewOpenAIClient creates a client; an empty base URL selects SambaNova
func NewOpenAIClient(opts Options) *OpenAIClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &OpenAIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      opts.APIKey,
		model:       opts.Model,
		httpClient:  httpClientFor(opts),
		instruments: newInstruments("openai", opts),
	}
}

func (c *OpenAIClient) Name() string {
	return "openai"
}

// Send posts the turn log and returns the first choice, trimmed
func (c *OpenAIClient) Send(ctx context.Context, req Request) (string, error) {
	ctx, span := c.tracer.Start(ctx, "openai_api_call")
	defer span.End()

	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.turns", len(req.Turns)),
	)

	reqBody := OpenAIRequest{
		Model:       model,
		Messages:    wireMessages(req.Turns),
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		MaxTokens:   req.Params.MaxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", c.fail(span, 0, err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", c.fail(span, 0, err, "failed to create request")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", c.fail(span, 0, err, "failed to send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.fail(span, resp.StatusCode, err, "failed to read response")
	}

	c.recordDuration(ctx, start)

	if resp.StatusCode != http.StatusOK {
		return "", c.fail(span, resp.StatusCode, nil, "API error: %s - %s", resp.Status, apiErrorMessage(body))
	}

	var apiResp OpenAIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", c.fail(span, resp.StatusCode, err, "failed to unmarshal response")
	}

	c.recordUsage(ctx, apiResp.Usage)

	if len(apiResp.Choices) == 0 {
		return "", c.fail(span, resp.StatusCode, nil, "empty response from %s", model)
	}

	answer := strings.TrimSpace(apiResp.Choices[0].Message.Content)
	c.logger.Debug("chat response received", "model", model, "duration_ms", time.Since(start).Milliseconds(), "chars", len(answer))
	return answer, nil
}

// apiErrorMessage extracts error.message from an error body, falling back to the raw body
func apiErrorMessage(body []byte) string {
	var errResp openAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(body))
}
