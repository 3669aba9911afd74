// Package generator runs the prompt-to-project pipeline: history, model call,
// output recovery, materialization and packaging.
package generator

import (
	"context"
	"errors"
	"time"

	"github.com/kagent-dev/codegen/pkg/archive"
	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/extract"
	"github.com/kagent-dev/codegen/pkg/filemap"
	"github.com/kagent-dev/codegen/pkg/llm"
	"github.com/kagent-dev/codegen/pkg/logging"
	"github.com/kagent-dev/codegen/pkg/metrics"
	"github.com/kagent-dev/codegen/pkg/project"
	"github.com/kagent-dev/codegen/pkg/session"
)

// DefaultPackWait is how long a request waits for its archive before
// answering without one.
const DefaultPackWait = 5 * time.Second

// Request is one generation or chat turn.
type Request struct {
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversationId,omitempty"`
	ProjectID      string `json:"projectId,omitempty"`
}

// Result is the outcome of a successful turn.
type Result struct {
	ProjectID      string               `json:"projectId"`
	ConversationID string               `json:"conversationId"`
	Files          filemap.Mapping      `json:"files"`
	FileCount      int                  `json:"fileCount"`
	Strategy       string               `json:"strategy,omitempty"`
	Warnings       []filemap.Warning    `json:"warnings,omitempty"`
	Failed         []project.EntryError `json:"failed,omitempty"`
	Archive        *archive.Archive     `json:"archive,omitempty"`
}

// Generator wires the pipeline stages together
type Generator struct {
	sessions  session.Store
	model     llm.Client
	extractor *extract.Extractor
	projects  *project.Materializer
	packager  *archive.Packager
	observer  metrics.Observer
	timeout   time.Duration
	packWait  time.Duration
}

// Option configures a Generator.
type Option func(*Generator)

// WithPackager enables archive packaging after materialization.
func WithPackager(p *archive.Packager) Option {
	return func(g *Generator) { g.packager = p }
}

// WithObserver records model call metrics.
func WithObserver(o metrics.Observer) Option {
	return func(g *Generator) { g.observer = metrics.OrNop(o) }
}

// WithModelTimeout bounds each model call. Zero disables the bound.
func WithModelTimeout(d time.Duration) Option {
	return func(g *Generator) { g.timeout = d }
}

// WithPackWait sets how long to wait for the archive. Zero returns
// immediately and leaves packaging to run in the background.
func WithPackWait(d time.Duration) Option {
	return func(g *Generator) { g.packWait = d }
}

// New creates a new Generator
func New(sessions session.Store, model llm.Client, extractor *extract.Extractor, projects *project.Materializer, opts ...Option) *Generator {
	g := &Generator{
		sessions:  sessions,
		model:     model,
		extractor: extractor,
		projects:  projects,
		observer:  metrics.NopObserver{},
		packWait:  DefaultPackWait,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.extractor == nil {
		g.extractor = extract.New()
	}
	return g
}

// Generate creates a new project from a prompt. An empty ConversationID
// starts a new conversation.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, missing("prompt")
	}
	return g.run(ctx, req.Prompt, req.ConversationID, "", llm.SystemPrompt)
}

// Chat continues a conversation. With a ProjectID the recovered files are
// upserted into that project; files the model leaves out are kept.
func (g *Generator) Chat(ctx context.Context, req Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, missing("prompt")
	}
	if req.ConversationID == "" {
		return nil, missing("conversationId")
	}
	if req.ProjectID != "" {
		if err := project.ValidateID(req.ProjectID); err != nil {
			return nil, err
		}
	}

	system := llm.SystemPrompt
	if req.ProjectID != "" {
		system = llm.ChatSystemPrompt
	}
	return g.run(ctx, req.Prompt, req.ConversationID, req.ProjectID, system)
}

func (g *Generator) run(ctx context.Context, prompt, conversationID, projectID, system string) (*Result, error) {
	log := logging.FromContext(ctx).WithName("generator")

	sess, err := g.sessions.GetOrCreate(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conversationID = sess.ID
	log = log.WithValues("conversationId", conversationID)

	raw, err := g.callModel(ctx, session.BuildContents(system, sess.Messages, prompt))
	if err != nil {
		return nil, err
	}

	// The turn is recorded once the model answered, even if its output
	// turns out to be unusable, so a follow-up can ask for a correction.
	if err := g.sessions.Append(ctx, conversationID,
		session.NewMessage(session.RoleUser, prompt),
		session.NewMessage(session.RoleModel, raw),
	); err != nil {
		return nil, err
	}

	extracted, err := g.extractor.Extract(raw)
	if err != nil {
		g.saveDiagnostic(ctx, conversationID, raw, err)
		return nil, withConversation(err, conversationID)
	}
	log.V(1).Info("Recovered file mapping", "strategy", extracted.Strategy, "files", len(extracted.Files))

	handle, matErr := g.projects.Materialize(ctx, extracted.Files, projectID)
	if handle == nil {
		return nil, withConversation(matErr, conversationID)
	}

	result := &Result{
		ProjectID:      handle.ProjectID,
		ConversationID: conversationID,
		Files:          extracted.Files,
		FileCount:      handle.FilesWritten,
		Strategy:       extracted.Strategy,
		Warnings:       extracted.Warnings,
		Failed:         handle.Failed,
	}
	if matErr != nil {
		return result, withConversation(matErr, conversationID)
	}

	result.Archive = g.awaitArchive(ctx, handle.ProjectID)
	return result, nil
}

func (g *Generator) callModel(ctx context.Context, contents []session.Message) (string, error) {
	if g.model == nil {
		return "", apperrors.New(apperrors.ErrCodeModelConfig, "no model client configured", nil)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := g.model.Generate(ctx, contents, &llm.GenerateConfig{JSONOutput: true})
	g.observer.RecordModelCall(g.model.ModelName(), time.Since(start), err)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return "", err
		}
		return "", apperrors.New(apperrors.ErrCodeModelCall, "model call failed", err)
	}
	return resp.Text, nil
}

// awaitArchive starts packaging and waits up to packWait for it. Packaging
// failures never fail the turn; the archive is simply absent.
func (g *Generator) awaitArchive(ctx context.Context, projectID string) *archive.Archive {
	if g.packager == nil {
		return nil
	}
	results := g.packager.PackAsync(ctx, projectID)
	if g.packWait <= 0 {
		return nil
	}

	timer := time.NewTimer(g.packWait)
	defer timer.Stop()
	select {
	case res := <-results:
		if res.Err != nil {
			return nil
		}
		return res.Archive
	case <-timer.C:
		logging.FromContext(ctx).WithName("generator").V(1).Info("Archive not ready, answering without it", "projectId", projectID)
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (g *Generator) saveDiagnostic(ctx context.Context, conversationID, raw string, cause error) {
	log := logging.FromContext(ctx).WithName("generator")
	path, err := g.projects.Layout().WriteDiagnostic(conversationID, raw)
	if err != nil {
		log.Error(err, "Failed to persist raw model output", "conversationId", conversationID)
		return
	}
	log.Info("Model output could not be recovered", "code", apperrors.CodeOf(cause), "diagnostic", path)
}

func missing(field string) error {
	return apperrors.New(apperrors.ErrCodeMissingField, field+" is required", nil).
		WithDetail("field", field)
}

func withConversation(err error, conversationID string) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		appErr.WithDetail("conversationId", conversationID)
	}
	return err
}
