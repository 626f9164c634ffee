// Package openai adapts OpenAI-compatible Chat Completions endpoints (OpenAI,
// Groq) to model.Provider.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/stupiduntilnot/sigmoyd/internal/model"
	"github.com/stupiduntilnot/sigmoyd/internal/prompt"
)

// GroqBaseURL is Groq's OpenAI-compatible API root.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// Client is a Chat Completions client bound to one model.
type Client struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewClient creates a client. An empty baseURL uses the SDK default
// (api.openai.com). SDK retries are disabled: each call is a single attempt.
func NewClient(apiKey, baseURL, modelName string, maxTokens int, timeout time.Duration) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client:    openai.NewClient(opts...),
		model:     modelName,
		maxTokens: int64(maxTokens),
	}
}

// ChatCompletion sends the prompt and returns the first choice's text.
func (c *Client) ChatCompletion(ctx context.Context, messages []prompt.Message) (model.CompletionResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: convertMessages(messages),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(c.maxTokens)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("openai request failed: %w", err)
	}

	result := model.CompletionResponse{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}
	if len(completion.Choices) == 0 {
		return result, fmt.Errorf("openai: no choices returned: %w", model.ErrEmptyResponse)
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return result, fmt.Errorf("openai: %w", model.ErrEmptyResponse)
	}
	result.Content = content
	return result, nil
}

func convertMessages(messages []prompt.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case prompt.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case prompt.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
