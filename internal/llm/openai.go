package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/therenovatio/teleton-agent-sub000/internal/config"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint
type OpenAIProvider struct {
	name     string
	provider config.Provider
	client   *openai.Client
}

// NewOpenAIProvider creates a provider from configuration
func NewOpenAIProvider(name string, provider config.Provider) *OpenAIProvider {
	cfg := openai.DefaultConfig(provider.APIKey)
	if provider.BaseURL != "" {
		cfg.BaseURL = provider.BaseURL
	}
	timeout := provider.Timeout
	if timeout == 0 {
		timeout = 120
	}
	cfg.HTTPClient = &http.Client{Timeout: time.Duration(timeout) * time.Second}

	return &OpenAIProvider{
		name:     name,
		provider: provider,
		client:   openai.NewClientWithConfig(cfg),
	}
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.provider.Model }

// Call sends one chat completion. Provider-side failures come back as a
// Response with StopReason "error" so the caller can classify them; the
// returned error is reserved for context cancellation.
func (p *OpenAIProvider) Call(ctx context.Context, c Context, tools []Tool, opts CallOptions) (*Response, error) {
	model := opts.Model
	if model == "" {
		model = p.provider.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.provider.MaxTokens
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(c),
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return ErrorResponse(p.name, statusOf(err), err), nil
	}
	if len(resp.Choices) == 0 {
		return ErrorResponse(p.name, 0, errors.New("no response choices returned")), nil
	}

	choice := resp.Choices[0]
	msg := Message{
		Role:    RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	stop := StopReasonStop
	switch choice.FinishReason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		stop = StopReasonToolUse
	case openai.FinishReasonLength:
		stop = StopReasonLength
	}

	return &Response{
		Message:    msg,
		Text:       msg.Content,
		StopReason: stop,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Provider: p.name,
		Model:    model,
	}, nil
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func toOpenAIMessages(c Context) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(c.Messages)+1)
	if c.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.SystemPrompt,
		})
	}
	for _, m := range c.Messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}
