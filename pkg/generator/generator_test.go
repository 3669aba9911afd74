package generator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kagent-dev/codegen/pkg/archive"
	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/extract"
	"github.com/kagent-dev/codegen/pkg/filemap"
	"github.com/kagent-dev/codegen/pkg/llm"
	"github.com/kagent-dev/codegen/pkg/project"
	"github.com/kagent-dev/codegen/pkg/session"
	"github.com/kagent-dev/codegen/pkg/storage"
)

type fixture struct {
	gen      *Generator
	model    *llm.StaticClient
	sessions *session.MemoryStore
	projects *project.Materializer
}

func newFixture(t *testing.T, layout *storage.Layout, model *llm.StaticClient, opts ...Option) *fixture {
	t.Helper()
	sessions, err := session.NewMemoryStore(0)
	require.NoError(t, err)
	projects := project.NewMaterializer(layout)
	opts = append([]Option{WithPackager(archive.NewPackager(projects))}, opts...)
	return &fixture{
		gen:      New(sessions, model, extract.New(), projects, opts...),
		model:    model,
		sessions: sessions,
		projects: projects,
	}
}

func TestGenerate_FencedOutput(t *testing.T) {
	f := newFixture(t, storage.NewMemoryLayout(),
		llm.NewStaticClient("Sure! ```json\n{\"index.html\":\"<h1>Hi</h1>\"}\n```"))
	ctx := context.Background()

	res, err := f.gen.Generate(ctx, Request{Prompt: "a landing page"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ProjectID)
	assert.NotEmpty(t, res.ConversationID)
	assert.Equal(t, filemap.Mapping{"index.html": "<h1>Hi</h1>"}, res.Files)
	assert.Equal(t, 1, res.FileCount)
	assert.Equal(t, extract.StrategyDirect, res.Strategy)
	require.NotNil(t, res.Archive)
	assert.Equal(t, 1, res.Archive.Files)

	files, err := f.projects.Files(ctx, res.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, res.Files, files)

	history, err := f.sessions.History(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, "a landing page", history[0].Text)
	assert.Equal(t, session.RoleModel, history[1].Role)

	calls := f.model.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, session.RoleSystem, calls[0][0].Role)
	assert.Equal(t, llm.SystemPrompt, calls[0][0].Text)
}

func TestGenerate_MissingPrompt(t *testing.T) {
	f := newFixture(t, storage.NewMemoryLayout(), llm.NewStaticClient(`{"a":"b"}`))

	_, err := f.gen.Generate(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeMissingField, apperrors.CodeOf(err))
	assert.Empty(t, f.model.Calls())
}

func TestChat_RequiresConversation(t *testing.T) {
	f := newFixture(t, storage.NewMemoryLayout(), llm.NewStaticClient(`{"a":"b"}`))
	ctx := context.Background()

	_, err := f.gen.Chat(ctx, Request{Prompt: "more"})
	assert.Equal(t, apperrors.ErrCodeMissingField, apperrors.CodeOf(err))

	_, err = f.gen.Chat(ctx, Request{ConversationID: "c1"})
	assert.Equal(t, apperrors.ErrCodeMissingField, apperrors.CodeOf(err))

	_, err = f.gen.Chat(ctx, Request{Prompt: "more", ConversationID: "c1", ProjectID: "../etc"})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
	assert.Empty(t, f.model.Calls())
}

func TestChat_UpsertsIntoExistingProject(t *testing.T) {
	f := newFixture(t, storage.NewMemoryLayout(),
		llm.NewStaticClient(`{"a.txt":"x"}`, `{"b.txt":"y"}`))
	ctx := context.Background()

	first, err := f.gen.Generate(ctx, Request{Prompt: "start"})
	require.NoError(t, err)

	second, err := f.gen.Chat(ctx, Request{
		Prompt:         "add b",
		ConversationID: first.ConversationID,
		ProjectID:      first.ProjectID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ProjectID, second.ProjectID)
	assert.Equal(t, filemap.Mapping{"b.txt": "y"}, second.Files)
	require.NotNil(t, second.Archive)
	assert.Equal(t, 2, second.Archive.Files)

	files, err := f.projects.Files(ctx, first.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, filemap.Mapping{"a.txt": "x", "b.txt": "y"}, files)

	calls := f.model.Calls()
	require.Len(t, calls, 2)
	followUp := calls[1]
	require.Len(t, followUp, 4, "system, prior user, prior model, new prompt")
	assert.Equal(t, llm.ChatSystemPrompt, followUp[0].Text)
	assert.Equal(t, "start", followUp[1].Text)
	assert.Equal(t, `{"a.txt":"x"}`, followUp[2].Text)
	assert.Equal(t, "add b", followUp[3].Text)
}

func TestChat_WithoutProjectCreatesOne(t *testing.T) {
	f := newFixture(t, storage.NewMemoryLayout(), llm.NewStaticClient(`{"a.txt":"x"}`))

	res, err := f.gen.Chat(context.Background(), Request{Prompt: "p", ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.NotEmpty(t, res.ProjectID)
}

func TestGenerate_UnrecoverableOutputIsPersisted(t *testing.T) {
	layout := storage.NewMemoryLayout()
	f := newFixture(t, layout, llm.NewStaticClient("I cannot help with that."))
	ctx := context.Background()

	_, err := f.gen.Generate(ctx, Request{Prompt: "p", ConversationID: "conv-x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNoJSONBoundary, apperrors.CodeOf(err))

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "conv-x", appErr.Details["conversationId"])

	entries, err := afero.ReadDir(layout.Fs(), storage.DiagnosticsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	raw, err := afero.ReadFile(layout.Fs(), filepath.Join(storage.DiagnosticsDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "I cannot help with that.", string(raw))

	projects, err := f.projects.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects, "no write may happen without a recovered mapping")

	history, err := f.sessions.History(ctx, "conv-x")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestGenerate_ModelFailure(t *testing.T) {
	f := newFixture(t, storage.NewMemoryLayout(), llm.NewFailingClient(errors.New("quota exceeded")))
	ctx := context.Background()

	_, err := f.gen.Generate(ctx, Request{Prompt: "p", ConversationID: "conv-y"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeModelCall, apperrors.CodeOf(err))

	history, err := f.sessions.History(ctx, "conv-y")
	require.NoError(t, err)
	assert.Empty(t, history, "failed model calls leave history untouched")
}

func TestGenerate_PackagingFailureDegrades(t *testing.T) {
	dir := t.TempDir()
	layout, err := storage.NewOSLayout(dir)
	require.NoError(t, err)
	// A regular file where the archives directory should be.
	archives := filepath.Join(dir, storage.ArchivesDir)
	require.NoError(t, os.RemoveAll(archives))
	require.NoError(t, os.WriteFile(archives, []byte("x"), 0o644))

	f := newFixture(t, layout, llm.NewStaticClient(`{"a.txt":"x"}`))
	res, err := f.gen.Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Nil(t, res.Archive)

	data, err := os.ReadFile(filepath.Join(dir, storage.ProjectsDir, res.ProjectID, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestGenerate_NoPackWait(t *testing.T) {
	f := newFixture(t, storage.NewMemoryLayout(), llm.NewStaticClient(`{"a.txt":"x"}`), WithPackWait(0))

	res, err := f.gen.Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Nil(t, res.Archive)
}

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) RecordExtraction(strategy string, err error) {}
func (m *mockObserver) RecordMaterialization(written, failed int)   {}
func (m *mockObserver) RecordPackaging(d time.Duration, err error)  {}
func (m *mockObserver) RecordModelCall(model string, d time.Duration, err error) {
	m.Called(model, err == nil)
}

func TestGenerate_RecordsModelCall(t *testing.T) {
	obs := &mockObserver{}
	obs.On("RecordModelCall", "static", true).Once()

	f := newFixture(t, storage.NewMemoryLayout(), llm.NewStaticClient(`{"a.txt":"x"}`),
		WithObserver(obs), WithModelTimeout(time.Second))
	_, err := f.gen.Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	obs.AssertExpectations(t)
}
