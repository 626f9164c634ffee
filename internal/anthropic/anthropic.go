// Package anthropic adapts the Anthropic Messages API to model.Provider.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stupiduntilnot/sigmoyd/internal/model"
	"github.com/stupiduntilnot/sigmoyd/internal/prompt"
)

// Client is a Messages API client bound to one model.
type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewClient creates a client. SDK retries are disabled.
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
		client:    anthropic.NewClient(opts...),
		model:     modelName,
		maxTokens: int64(maxTokens),
	}
}

// ChatCompletion sends the prompt. System messages are lifted into the
// request's system field since the Messages API has no system role.
func (c *Client) ChatCompletion(ctx context.Context, messages []prompt.Message) (model.CompletionResponse, error) {
	system, converted := convertMessages(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  converted,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("anthropic request failed: %w", err)
	}

	result := model.CompletionResponse{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}
	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	content := strings.TrimSpace(b.String())
	if content == "" {
		return result, fmt.Errorf("anthropic: %w", model.ErrEmptyResponse)
	}
	result.Content = content
	return result, nil
}

func convertMessages(messages []prompt.Message) (string, []anthropic.MessageParam) {
	var system []string
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case prompt.RoleSystem:
			system = append(system, m.Content)
		case prompt.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return strings.Join(system, "\n\n"), out
}
