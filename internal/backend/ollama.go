package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaBaseURL is where a local Ollama listens
const DefaultOllamaBaseURL = "http://localhost:11434"

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  OllamaOptions `json:"options"`
}

// OllamaOptions carries the sampling parameters; num_predict caps the reply length
type OllamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

// OllamaResponse represents the response from Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// OllamaClient talks to a local Ollama /api/chat endpoint; no credential is needed
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	instruments
}

// NewOllamaClient creates a client; an empty base URL selects localhost
func NewOllamaClient(opts Options) *OllamaClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	model := opts.Model
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		httpClient:  httpClientFor(opts),
		instruments: newInstruments("ollama", opts),
	}
}

func (c *OllamaClient) Name() string {
	return "ollama"
}

func (c *OllamaClient) Send(ctx context.Context, req Request) (string, error) {
	ctx, span := c.tracer.Start(ctx, "ollama_api_call")
	defer span.End()

	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	reqBody := OllamaRequest{
		Model:    model,
		Messages: wireMessages(req.Turns),
		Stream:   false,
		Options: OllamaOptions{
			Temperature: req.Params.Temperature,
			TopP:        req.Params.TopP,
			NumPredict:  req.Params.MaxTokens,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", c.fail(span, 0, err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", c.fail(span, 0, err, "failed to create request")
	}

	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", c.fail(span, 0, err, "failed to send request (is Ollama running?)")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.fail(span, resp.StatusCode, err, "failed to read response")
	}

	c.recordDuration(ctx, start)

	var apiResp OllamaResponse
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiResp) == nil && apiResp.Error != "" {
			msg = apiResp.Error
		}
		return "", c.fail(span, resp.StatusCode, nil, "API error: %s - %s", resp.Status, msg)
	}

	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", c.fail(span, resp.StatusCode, err, "failed to unmarshal response")
	}

	c.recordUsage(ctx, map[string]interface{}{
		"prompt_tokens":     float64(apiResp.PromptEvalCount),
		"completion_tokens": float64(apiResp.EvalCount),
	})

	answer := strings.TrimSpace(apiResp.Message.Content)
	if answer == "" {
		return "", c.fail(span, resp.StatusCode, nil, "empty response from %s", model)
	}
	return answer, nil
}
