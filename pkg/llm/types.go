package llm

import (
	"context"

	"github.com/kagent-dev/codegen/pkg/session"
)

// Client defines the interface for text-generation model clients
type Client interface {
	// Generate sends the conversation and returns the model's text reply.
	// System turns in messages become the provider's system instruction.
	Generate(ctx context.Context, messages []session.Message, config *GenerateConfig) (*Response, error)

	// ModelName returns the name of the model being used
	ModelName() string
}

// GenerateConfig contains per-call overrides. Nil fields fall back to the
// client's configured defaults.
type GenerateConfig struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	// JSONOutput asks providers that support it for a JSON mime type.
	JSONOutput bool `json:"json_output,omitempty"`
}

// Response represents a model reply
type Response struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func newUsage(prompt, completion int) *Usage {
	return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// splitSystem separates system turns from the conversation turns.
func splitSystem(messages []session.Message) (string, []session.Message) {
	var system string
	turns := make([]session.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == session.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Text
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}

type callSettings struct {
	temperature float64
	maxTokens   int
	jsonOutput  bool
}

func resolveSettings(defTemp float64, defMax int, cfg *GenerateConfig) callSettings {
	s := callSettings{temperature: defTemp, maxTokens: defMax}
	if cfg == nil {
		return s
	}
	if cfg.Temperature != nil {
		s.temperature = *cfg.Temperature
	}
	if cfg.MaxTokens != nil {
		s.maxTokens = *cfg.MaxTokens
	}
	s.jsonOutput = cfg.JSONOutput
	return s
}
