package llm

import (
	"context"
	"sync"

	"github.com/kagent-dev/codegen/pkg/session"
)

// StaticClient replays canned responses. It backs the "static" provider for
// offline runs and stands in for a real model in tests.
type StaticClient struct {
	mu        sync.Mutex
	model     string
	responses []string
	err       error
	calls     [][]session.Message
}

// NewStaticClient creates a client that returns responses in order and then
// keeps repeating the last one.
func NewStaticClient(responses ...string) *StaticClient {
	return &StaticClient{model: "static", responses: responses}
}

// NewFailingClient creates a client whose every call fails with err.
func NewFailingClient(err error) *StaticClient {
	return &StaticClient{model: "static", err: err}
}

// Generate records the call and returns the next canned response
func (c *StaticClient) Generate(ctx context.Context, messages []session.Message, _ *GenerateConfig) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, append([]session.Message(nil), messages...))
	if c.err != nil {
		return nil, c.err
	}

	idx := len(c.calls) - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	var text string
	if idx >= 0 {
		text = c.responses[idx]
	}
	return &Response{Text: text, Model: c.model, FinishReason: "stop"}, nil
}

// Calls returns a copy of the message lists received so far.
func (c *StaticClient) Calls() [][]session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]session.Message(nil), c.calls...)
}

// ModelName returns the name of the model being used
func (c *StaticClient) ModelName() string {
	return c.model
}
