package llm

import (
	"context"

	"github.com/kagent-dev/codegen/pkg/config"
	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/session"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements the Client interface for OpenAI and compatible endpoints
type OpenAIClient struct {
	client openai.Client
	config config.ModelConfig
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(cfg config.ModelConfig, opts ...option.RequestOption) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.New(apperrors.ErrCodeModelConfig, "API key is required", nil)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &OpenAIClient{
		client: openai.NewClient(reqOpts...),
		config: cfg,
	}, nil
}

// Generate sends a message and receives a response
func (c *OpenAIClient) Generate(ctx context.Context, messages []session.Message, genConfig *GenerateConfig) (*Response, error) {
	settings := resolveSettings(c.config.Temperature, c.config.MaxTokens, genConfig)

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.config.Model),
		Messages:    convertOpenAIMessages(messages),
		Temperature: openai.Float(settings.temperature),
	}
	if settings.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(settings.maxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeModelCall, "OpenAI API call failed", err)
	}
	if len(completion.Choices) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeModelCall, "no completion choices returned", nil)
	}

	choice := completion.Choices[0]
	return &Response{
		Text:         choice.Message.Content,
		Model:        completion.Model,
		FinishReason: string(choice.FinishReason),
		Usage:        newUsage(int(completion.Usage.PromptTokens), int(completion.Usage.CompletionTokens)),
	}, nil
}

// ModelName returns the name of the model being used
func (c *OpenAIClient) ModelName() string {
	return c.config.Model
}

func convertOpenAIMessages(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case session.RoleSystem:
			out = append(out, openai.SystemMessage(m.Text))
		case session.RoleModel:
			out = append(out, openai.AssistantMessage(m.Text))
		default:
			out = append(out, openai.UserMessage(m.Text))
		}
	}
	return out
}
