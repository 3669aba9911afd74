package project

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/filemap"
	"github.com/kagent-dev/codegen/pkg/storage"
)

func newTestMaterializer(t *testing.T) *Materializer {
	t.Helper()
	return NewMaterializer(storage.NewMemoryLayout())
}

func TestMaterialize_NewProject(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()

	h, err := m.Materialize(ctx, filemap.Mapping{
		"index.html":      "<h1>Hi</h1>",
		"src/app/main.js": "console.log(1)",
	}, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h.ProjectID, "project_"))
	assert.True(t, h.Created)
	assert.Equal(t, 2, h.FilesWritten)
	assert.Equal(t, int64(1), h.Revision)
	assert.Empty(t, h.Failed)

	files, err := m.Files(ctx, h.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, filemap.Mapping{
		"index.html":      "<h1>Hi</h1>",
		"src/app/main.js": "console.log(1)",
	}, files)
}

func TestMaterialize_Upsert(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()

	_, err := m.Materialize(ctx, filemap.Mapping{"a.txt": "x"}, "demo")
	require.NoError(t, err)
	h, err := m.Materialize(ctx, filemap.Mapping{"b.txt": "y"}, "demo")
	require.NoError(t, err)
	assert.False(t, h.Created)
	assert.Equal(t, int64(2), h.Revision)

	files, err := m.Files(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, filemap.Mapping{"a.txt": "x", "b.txt": "y"}, files)
}

func TestMaterialize_Overwrites(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()

	_, err := m.Materialize(ctx, filemap.Mapping{"a.txt": "old"}, "demo")
	require.NoError(t, err)
	_, err = m.Materialize(ctx, filemap.Mapping{"a.txt": "new"}, "demo")
	require.NoError(t, err)

	files, err := m.Files(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "new", files["a.txt"])
}

func TestMaterialize_PartialFailure(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()

	h, err := m.Materialize(ctx, filemap.Mapping{
		"../escape.txt": "bad",
		"good.txt":      "ok",
	}, "demo")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeMaterialization, apperrors.CodeOf(err))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnsafePath))

	require.NotNil(t, h)
	assert.Equal(t, 1, h.FilesWritten)
	require.Len(t, h.Failed, 1)
	assert.Equal(t, "../escape.txt", h.Failed[0].Path)

	files, err := m.Files(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, filemap.Mapping{"good.txt": "ok"}, files)
}

func TestMaterialize_NeverEscapesRoot(t *testing.T) {
	dir := t.TempDir()
	layout, err := storage.NewOSLayout(dir)
	require.NoError(t, err)
	m := NewMaterializer(layout)

	keys := []string{"../x", "../../x", "a/../../x", "/etc/x", `..\x`, "./../x", "a/b/../../../x"}
	mapping := filemap.Mapping{"keep.txt": "ok"}
	for _, k := range keys {
		mapping[k] = "pwned"
	}

	h, err := m.Materialize(context.Background(), mapping, "jail")
	require.Error(t, err)
	assert.Equal(t, 1, h.FilesWritten)
	assert.Len(t, h.Failed, len(keys))

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if info.IsDir() {
			return nil
		}
		data, _ := os.ReadFile(path)
		assert.NotEqual(t, "pwned", string(data), path)
		return nil
	})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "x"))
	assert.True(t, os.IsNotExist(err))
}

func TestMaterialize_OnDisk(t *testing.T) {
	dir := t.TempDir()
	layout, err := storage.NewOSLayout(dir)
	require.NoError(t, err)
	m := NewMaterializer(layout)

	h, err := m.Materialize(context.Background(), filemap.Mapping{"src/main.go": "package main"}, "disk")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "projects", "disk"), h.Root)

	data, err := os.ReadFile(filepath.Join(dir, "projects", "disk", "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))
	assert.FileExists(t, filepath.Join(dir, "meta", "disk.json"))
}

func TestMaterialize_FileBlocksDirectory(t *testing.T) {
	dir := t.TempDir()
	layout, err := storage.NewOSLayout(dir)
	require.NoError(t, err)
	m := NewMaterializer(layout)
	ctx := context.Background()

	_, err = m.Materialize(ctx, filemap.Mapping{"src": "i am a file"}, "clash")
	require.NoError(t, err)

	h, err := m.Materialize(ctx, filemap.Mapping{"src/a.txt": "x", "b.txt": "y"}, "clash")
	require.Error(t, err)
	assert.Equal(t, 1, h.FilesWritten)
	require.Len(t, h.Failed, 1)
	assert.Equal(t, "src/a.txt", h.Failed[0].Path)
}

func TestMaterialize_GeneratedIDCollision(t *testing.T) {
	layout := storage.NewMemoryLayout()
	fixed := time.UnixMilli(1700000000000)
	newGen := func() *IDGenerator {
		g := NewIDGenerator()
		g.now = func() time.Time { return fixed }
		return g
	}
	ctx := context.Background()

	first := NewMaterializer(layout, WithIDGenerator(newGen()))
	h, err := first.Materialize(ctx, filemap.Mapping{"a.txt": "1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "project_1700000000000", h.ProjectID)

	// A second process with the same clock reading must not overwrite it.
	second := NewMaterializer(layout, WithIDGenerator(newGen()))
	_, err = second.Materialize(ctx, filemap.Mapping{"a.txt": "2"}, "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeProjectCollision, apperrors.CodeOf(err))

	files, err := first.Files(ctx, h.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, "1", files["a.txt"])
}

func TestMaterialize_InvalidInput(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()

	_, err := m.Materialize(ctx, filemap.Mapping{}, "")
	assert.Equal(t, apperrors.ErrCodeEmptyOrUnsafe, apperrors.CodeOf(err))

	_, err = m.Materialize(ctx, filemap.Mapping{"a": "b"}, "../etc")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
}

func TestMaterialize_ConcurrentSameProject(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Materialize(ctx, filemap.Mapping{
				filepath.ToSlash(filepath.Join("f", string(rune('a'+i))+".txt")): "x",
			}, "shared")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	files, err := m.Files(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, files, 10)

	meta, err := m.Meta(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(10), meta.Revision)
}

func TestMaterialize_NotifiesListeners(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()

	var got []int64
	m.OnChange(func(projectID string, revision int64) {
		assert.Equal(t, "demo", projectID)
		got = append(got, revision)
	})

	_, err := m.Materialize(ctx, filemap.Mapping{"a.txt": "1"}, "demo")
	require.NoError(t, err)
	_, err = m.WriteFile(ctx, "demo", "b.txt", "2")
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, got)
}

func TestWriteFile(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()

	_, err := m.WriteFile(ctx, "missing", "a.txt", "x")
	assert.Equal(t, apperrors.ErrCodeProjectNotFound, apperrors.CodeOf(err))

	_, err = m.Materialize(ctx, filemap.Mapping{"a.txt": "x"}, "demo")
	require.NoError(t, err)

	h, err := m.WriteFile(ctx, "demo", "./docs/readme.md", "# demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/readme.md"}, h.Written)

	_, err = m.WriteFile(ctx, "demo", "../../x", "bad")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnsafePath))

	_, err = m.WriteFile(ctx, "demo", "", "x")
	assert.Equal(t, apperrors.ErrCodeMissingField, apperrors.CodeOf(err))

	files, err := m.Files(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, filemap.Mapping{"a.txt": "x", "docs/readme.md": "# demo"}, files)
}

func TestFiles_NotFound(t *testing.T) {
	m := newTestMaterializer(t)
	_, err := m.Files(context.Background(), "nope")
	assert.Equal(t, apperrors.ErrCodeProjectNotFound, apperrors.CodeOf(err))
}

func TestList(t *testing.T) {
	layout := storage.NewMemoryLayout()
	m := NewMaterializer(layout)
	ctx := context.Background()

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	_, err := m.Materialize(ctx, filemap.Mapping{"a.txt": "1"}, "older")
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	_, err = m.Materialize(ctx, filemap.Mapping{"a.txt": "1", "b/c.txt": "2"}, "newer")
	require.NoError(t, err)

	// Stray entries in the projects directory are ignored.
	require.NoError(t, afero.WriteFile(layout.Fs(), filepath.Join(storage.ProjectsDir, "README"), []byte("x"), 0o644))

	summaries, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "newer", summaries[0].ProjectID)
	assert.Equal(t, 2, summaries[0].FileCount)
	assert.True(t, clock.Equal(summaries[0].CreatedAt))
	assert.Equal(t, "older", summaries[1].ProjectID)
	assert.Equal(t, 1, summaries[1].FileCount)
}

func TestList_Empty(t *testing.T) {
	summaries, err := newTestMaterializer(t).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestIDGenerator_Monotonic(t *testing.T) {
	g := NewIDGenerator()
	g.now = func() time.Time { return time.UnixMilli(5000) }

	assert.Equal(t, "project_5000", g.Next())
	assert.Equal(t, "project_5001", g.Next())

	g.now = func() time.Time { return time.UnixMilli(4000) }
	assert.Equal(t, "project_5002", g.Next())
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("project_123"))
	assert.NoError(t, ValidateID("my-app"))
	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID("a/b"))
	assert.Error(t, ValidateID(".."))
	assert.Error(t, ValidateID(strings.Repeat("x", 129)))
}
