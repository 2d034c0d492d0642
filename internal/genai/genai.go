// Package genai provides LLM-backed reasoning using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/whatsy/whatsy/internal/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4o

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// ToolCallResponse carries the first-round completion: any assistant text
// plus the tool calls the model requested.
type ToolCallResponse struct {
	Content   string
	ToolCalls []models.ToolCall
}

// ClientInterface defines the reasoning operations used by the assistant.
type ClientInterface interface {
	// Generate produces a plain completion for the given messages.
	Generate(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)

	// GenerateWithTools produces a completion with the given tools enabled.
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)

	// DescribeMedia produces a short textual description of a media item.
	DescribeMedia(ctx context.Context, mediaURL, contentType string) (string, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat  chatService
	model string
}

// NewClient creates a GenAI client based on provided options, falling back to
// the OPENAI_API_KEY and OPENAI_MODEL environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OPENAI_MODEL")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI API key not set")
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI.NewClient: created client", "model", cfg.Model)
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// Generate produces a plain completion for the given messages.
func (c *Client) Generate(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	completion, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("GenAI.Generate failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}

// GenerateWithTools produces a completion with the given tools enabled and
// returns both any assistant text and the requested tool calls.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	completion, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		slog.Error("GenAI.GenerateWithTools failed", "error", err)
		return nil, fmt.Errorf("chat completion with tools failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}
	msg := completion.Choices[0].Message
	resp := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	slog.Debug("GenAI.GenerateWithTools succeeded", "toolCalls", len(resp.ToolCalls), "hasContent", resp.Content != "")
	return resp, nil
}

// DescribeMedia produces a short textual description of a media item. Images
// go through the vision path; other content types get a static description
// derived from the content type.
func (c *Client) DescribeMedia(ctx context.Context, mediaURL, contentType string) (string, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return fmt.Sprintf("A media attachment of type %s.", contentType), nil
	}
	completion, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart("Describe this image in one or two sentences for later recall."),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: mediaURL}),
			}),
		},
	})
	if err != nil {
		slog.Error("GenAI.DescribeMedia failed", "error", err, "contentType", contentType)
		return "", fmt.Errorf("media description failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}
