package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kagent-dev/codegen/pkg/config"
	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/session"
)

// Anthropic requires max_tokens on every request.
const defaultAnthropicMaxTokens = 8192

// AnthropicClient implements the Client interface for Anthropic Claude
type AnthropicClient struct {
	client anthropic.Client
	config config.ModelConfig
}

// NewAnthropicClient creates a new Anthropic client
func NewAnthropicClient(cfg config.ModelConfig, opts ...option.RequestOption) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.New(apperrors.ErrCodeModelConfig, "API key is required", nil)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &AnthropicClient{
		client: anthropic.NewClient(reqOpts...),
		config: cfg,
	}, nil
}

// Generate sends a message and receives a response
func (c *AnthropicClient) Generate(ctx context.Context, messages []session.Message, genConfig *GenerateConfig) (*Response, error) {
	system, turns := splitSystem(messages)
	settings := resolveSettings(c.config.Temperature, c.config.MaxTokens, genConfig)
	if settings.maxTokens <= 0 {
		settings.maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.config.Model),
		MaxTokens:   int64(settings.maxTokens),
		Messages:    convertAnthropicMessages(turns),
		Temperature: anthropic.Float(settings.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeModelCall, "Anthropic API call failed", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &Response{
		Text:         sb.String(),
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
		Usage:        newUsage(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
	}, nil
}

// ModelName returns the name of the model being used
func (c *AnthropicClient) ModelName() string {
	return c.config.Model
}

func convertAnthropicMessages(turns []session.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Text)
		if m.Role == session.RoleModel {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
