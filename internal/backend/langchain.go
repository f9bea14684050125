package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"Botify/internal/session"
)

// LangChainClient reaches an OpenAI-compatible endpoint through langchaingo
type LangChainClient struct {
	llm   llms.Model
	model string
	instruments
}

// NewLangChainClient creates the langchaingo model; an empty base URL selects SambaNova
func NewLangChainClient(opts Options) (*LangChainClient, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}

	llm, err := openai.New(
		openai.WithToken(opts.APIKey),
		openai.WithModel(opts.Model),
		openai.WithBaseURL(strings.TrimRight(baseURL, "/")),
		openai.WithHTTPClient(httpClientFor(opts)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create langchain model: %w", err)
	}

	return &LangChainClient{
		llm:         llm,
		model:       opts.Model,
		instruments: newInstruments("langchain", opts),
	}, nil
}

func (c *LangChainClient) Name() string {
	return "langchain"
}

func (c *LangChainClient) Send(ctx context.Context, req Request) (string, error) {
	ctx, span := c.tracer.Start(ctx, "langchain_api_call")
	defer span.End()

	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]llms.MessageContent, len(req.Turns))
	for i, turn := range req.Turns {
		messages[i] = llms.TextParts(messageType(turn.Role), turn.Content)
	}

	resp, err := c.llm.GenerateContent(ctx, messages,
		llms.WithModel(model),
		llms.WithTemperature(req.Params.Temperature),
		llms.WithTopP(req.Params.TopP),
		llms.WithMaxTokens(req.Params.MaxTokens),
	)
	c.recordDuration(ctx, start)
	if err != nil {
		return "", c.fail(span, 0, err, "failed to generate content")
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", c.fail(span, 0, nil, "empty response from %s", model)
	}

	choice := resp.Choices[0]
	usage := map[string]interface{}{}
	for _, key := range []string{"PromptTokens", "CompletionTokens", "TotalTokens"} {
		if v, ok := choice.GenerationInfo[key].(int); ok {
			usage[key] = float64(v)
		}
	}
	c.recordUsage(ctx, usage)

	return strings.TrimSpace(choice.Content), nil
}

func messageType(role session.Role) schema.ChatMessageType {
	switch role {
	case session.RoleSystem:
		return schema.ChatMessageTypeSystem
	case session.RoleAssistant:
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}
