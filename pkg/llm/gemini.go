package llm

import (
	"context"
	"strings"

	"github.com/kagent-dev/codegen/pkg/config"
	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/session"
	"google.golang.org/genai"
)

// GeminiClient implements the Client interface for Google Gemini
type GeminiClient struct {
	client *genai.Client
	config config.ModelConfig
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(cfg config.ModelConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.New(apperrors.ErrCodeModelConfig, "API key is required", nil)
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeModelConfig, "failed to create Gemini client", err)
	}

	return &GeminiClient{client: client, config: cfg}, nil
}

// Generate sends a message and receives a response
func (c *GeminiClient) Generate(ctx context.Context, messages []session.Message, genConfig *GenerateConfig) (*Response, error) {
	system, turns := splitSystem(messages)
	settings := resolveSettings(c.config.Temperature, c.config.MaxTokens, genConfig)

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := genai.RoleUser
		if m.Role == session.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, genai.Role(role)))
	}

	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(settings.temperature)),
	}
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if settings.jsonOutput {
		gc.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, contents, gc)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeModelCall, "Gemini API call failed", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, apperrors.New(apperrors.ErrCodeModelCall, "Gemini returned no candidates", nil)
	}

	candidate := resp.Candidates[0]
	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		sb.WriteString(part.Text)
	}

	out := &Response{
		Text:         sb.String(),
		Model:        c.config.Model,
		FinishReason: string(candidate.FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.Usage = newUsage(int(resp.UsageMetadata.PromptTokenCount), int(resp.UsageMetadata.CandidatesTokenCount))
	}
	return out, nil
}

// ModelName returns the name of the model being used
func (c *GeminiClient) ModelName() string {
	return c.config.Model
}
