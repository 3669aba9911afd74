package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kagent-dev/codegen/pkg/config"
	apperrors "github.com/kagent-dev/codegen/pkg/errors"
)

// Factory builds a Client from model configuration.
type Factory func(cfg config.ModelConfig) (Client, error)

// Registry maps provider names to client factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new, empty provider registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers a provider
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name = strings.ToLower(name)
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Providers returns the registered provider names, sorted
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewClient builds a client for cfg.Provider
func (r *Registry) NewClient(cfg config.ModelConfig) (Client, error) {
	provider := strings.ToLower(cfg.Provider)

	r.mu.RLock()
	factory, ok := r.factories[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeModelConfig,
			fmt.Sprintf("unsupported model provider %q", cfg.Provider), nil).
			WithDetail("providers", r.Providers())
	}
	if cfg.Model == "" {
		return nil, apperrors.New(apperrors.ErrCodeModelConfig, "model name is required", nil)
	}
	return factory(cfg)
}

// DefaultRegistry knows the gemini, openai, anthropic and static providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("gemini", func(cfg config.ModelConfig) (Client, error) {
		c, err := NewGeminiClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	_ = r.Register("openai", func(cfg config.ModelConfig) (Client, error) {
		c, err := NewOpenAIClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	_ = r.Register("anthropic", func(cfg config.ModelConfig) (Client, error) {
		c, err := NewAnthropicClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	_ = r.Register("static", func(cfg config.ModelConfig) (Client, error) {
		c := NewStaticClient(cfg.StaticResponse)
		c.model = cfg.Model
		return c, nil
	})
	return r
}

// NewClient builds a client for cfg using the default providers
func NewClient(cfg config.ModelConfig) (Client, error) {
	return DefaultRegistry().NewClient(cfg)
}
