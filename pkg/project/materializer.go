// Package project writes validated file mappings into the project store.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/filemap"
	"github.com/kagent-dev/codegen/pkg/keylock"
	"github.com/kagent-dev/codegen/pkg/logging"
	"github.com/kagent-dev/codegen/pkg/metrics"
	"github.com/kagent-dev/codegen/pkg/storage"
)

// Materializer applies file mappings to projects with upsert semantics:
// mapped files are created or overwritten and nothing is ever deleted.
type Materializer struct {
	layout   *storage.Layout
	locks    *keylock.KeyedMutex
	ids      *IDGenerator
	observer metrics.Observer
	now      func() time.Time

	listenersMu sync.RWMutex
	listeners   []ChangeListener
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithObserver reports materialization counts to o.
func WithObserver(o metrics.Observer) Option {
	return func(m *Materializer) { m.observer = metrics.OrNop(o) }
}

// WithIDGenerator replaces the project id generator.
func WithIDGenerator(g *IDGenerator) Option {
	return func(m *Materializer) { m.ids = g }
}

// NewMaterializer creates a new Materializer
func NewMaterializer(layout *storage.Layout, opts ...Option) *Materializer {
	m := &Materializer{
		layout:   layout,
		locks:    keylock.New(),
		ids:      NewIDGenerator(),
		observer: metrics.NopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Layout returns the storage layout the materializer writes to.
func (m *Materializer) Layout() *storage.Layout {
	return m.layout
}

// OnChange registers l to run after every materialization that wrote files.
func (m *Materializer) OnChange(l ChangeListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Materializer) notify(projectID string, revision int64) {
	m.listenersMu.RLock()
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(projectID, revision)
	}
}

// Materialize writes files into the project. An empty projectID creates a new
// project with a generated id. When some entries fail the handle is returned
// together with a MATERIALIZATION_FAILED error; entries already written stay.
func (m *Materializer) Materialize(ctx context.Context, files filemap.Mapping, projectID string) (*Handle, error) {
	if len(files) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeEmptyOrUnsafe, "file mapping is empty", nil)
	}

	generated := projectID == ""
	if generated {
		projectID = m.ids.Next()
	} else if err := ValidateID(projectID); err != nil {
		return nil, err
	}

	return m.apply(ctx, projectID, files, func(exists bool) error {
		if generated && exists {
			return apperrors.New(apperrors.ErrCodeProjectCollision,
				fmt.Sprintf("generated project id %s already exists", projectID), nil).
				WithDetail("projectId", projectID)
		}
		return nil
	})
}

// WriteFile writes a single file into an existing project.
func (m *Materializer) WriteFile(ctx context.Context, projectID, path, content string) (*Handle, error) {
	if err := ValidateID(projectID); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, apperrors.New(apperrors.ErrCodeMissingField, "filePath is required", nil)
	}

	return m.apply(ctx, projectID, filemap.Mapping{path: content}, func(exists bool) error {
		if !exists {
			return notFound(projectID)
		}
		return nil
	})
}

func (m *Materializer) apply(ctx context.Context, projectID string, files filemap.Mapping, precheck func(exists bool) error) (*Handle, error) {
	log := logging.FromContext(ctx).WithName("materializer").WithValues("projectId", projectID)

	unlock, err := m.locks.LockContext(ctx, projectID)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeMaterialization, "failed to lock project", err)
	}

	handle, err := m.applyLocked(ctx, projectID, files, precheck)
	unlock()

	if handle != nil {
		m.observer.RecordMaterialization(handle.FilesWritten, len(handle.Failed))
		if handle.FilesWritten > 0 {
			m.notify(projectID, handle.Revision)
		}
		log.V(1).Info("Materialized project", "written", handle.FilesWritten,
			"failed", len(handle.Failed), "created", handle.Created, "revision", handle.Revision)
	}
	return handle, err
}

func (m *Materializer) applyLocked(ctx context.Context, projectID string, files filemap.Mapping, precheck func(exists bool) error) (*Handle, error) {
	exists, err := m.layout.ProjectExists(projectID)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeMaterialization, "failed to check project", err)
	}
	if err := precheck(exists); err != nil {
		return nil, err
	}

	dir := m.layout.ProjectDir(projectID)
	if err := m.layout.Fs().MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeMaterialization, "failed to create project directory", err)
	}

	handle := &Handle{
		ProjectID: projectID,
		Root:      m.layout.ProjectRoot(projectID),
		Created:   !exists,
	}

	pfs := m.layout.ProjectFs(projectID)
	var result *multierror.Error
	for _, key := range files.Keys() {
		if err := ctx.Err(); err != nil {
			handle.Failed = append(handle.Failed, EntryError{Path: key, Err: err})
			result = multierror.Append(result, EntryError{Path: key, Err: err})
			continue
		}

		clean, err := writeEntry(pfs, dir, key, files[key])
		if err != nil {
			entryErr := EntryError{Path: key, Err: err}
			handle.Failed = append(handle.Failed, entryErr)
			result = multierror.Append(result, entryErr)
			continue
		}
		handle.Written = append(handle.Written, clean)
		handle.FilesWritten++
	}

	if handle.FilesWritten > 0 || handle.Created {
		meta, err := m.bumpMeta(projectID, handle.FilesWritten > 0)
		if err != nil {
			result = multierror.Append(result, err)
		} else {
			handle.Revision = meta.Revision
		}
	}

	if len(handle.Failed) > 0 || result.ErrorOrNil() != nil {
		return handle, apperrors.New(apperrors.ErrCodeMaterialization,
			fmt.Sprintf("%d of %d entries failed", len(handle.Failed), len(files)),
			result.ErrorOrNil()).
			WithDetail("projectId", projectID)
	}
	return handle, nil
}

// writeEntry normalizes key, proves it stays inside dir and writes content
// through the project-confined filesystem.
func writeEntry(pfs afero.Fs, dir, key, content string) (string, error) {
	clean, err := filemap.NormalizePath(key)
	if err != nil {
		return "", err
	}
	if _, err := filemap.ResolveWithin(dir, clean); err != nil {
		return "", err
	}
	if len(content) > MaxFileSize {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput,
			fmt.Sprintf("file too large: %d bytes (max: %d)", len(content), MaxFileSize), nil)
	}

	native := filepath.FromSlash(clean)
	if parent := filepath.Dir(native); parent != "." {
		if err := pfs.MkdirAll(parent, 0o755); err != nil {
			return "", fmt.Errorf("create parent directory: %w", err)
		}
	}
	if info, err := pfs.Stat(native); err == nil && info.IsDir() {
		return "", fmt.Errorf("a directory already exists at %s", clean)
	}
	if err := afero.WriteFile(pfs, native, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return clean, nil
}

func (m *Materializer) readMeta(projectID string) (*Meta, error) {
	data, err := afero.ReadFile(m.layout.Fs(), m.layout.MetaPath(projectID))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode project metadata: %w", err)
	}
	return &meta, nil
}

func (m *Materializer) bumpMeta(projectID string, changed bool) (*Meta, error) {
	now := m.now()
	meta, err := m.readMeta(projectID)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.New(apperrors.ErrCodeMaterialization, "failed to read project metadata", err)
		}
		meta = &Meta{ProjectID: projectID, CreatedAt: now}
	}
	if changed {
		meta.Revision++
	}
	meta.UpdatedAt = now

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeMaterialization, "failed to encode project metadata", err)
	}
	if err := afero.WriteFile(m.layout.Fs(), m.layout.MetaPath(projectID), data, 0o644); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeMaterialization, "failed to write project metadata", err)
	}
	return meta, nil
}

// Exists reports whether a project has been materialized.
func (m *Materializer) Exists(projectID string) (bool, error) {
	if err := ValidateID(projectID); err != nil {
		return false, err
	}
	return m.layout.ProjectExists(projectID)
}

// Meta returns the project's metadata. Projects written before metadata was
// kept get one synthesized from the directory.
func (m *Materializer) Meta(ctx context.Context, projectID string) (*Meta, error) {
	if err := m.requireProject(projectID); err != nil {
		return nil, err
	}
	unlock, err := m.locks.LockContext(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.metaLocked(projectID)
}

func (m *Materializer) metaLocked(projectID string) (*Meta, error) {
	meta, err := m.readMeta(projectID)
	if err == nil {
		return meta, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.New(apperrors.ErrCodeMaterialization, "failed to read project metadata", err)
	}

	info, statErr := m.layout.Fs().Stat(m.layout.ProjectDir(projectID))
	if statErr != nil {
		return nil, notFound(projectID)
	}
	return &Meta{ProjectID: projectID, CreatedAt: info.ModTime().UTC(), UpdatedAt: info.ModTime().UTC()}, nil
}

// Files returns the project's current file tree as a mapping.
func (m *Materializer) Files(ctx context.Context, projectID string) (filemap.Mapping, error) {
	if err := m.requireProject(projectID); err != nil {
		return nil, err
	}
	unlock, err := m.locks.LockContext(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	files := filemap.Mapping{}
	pfs := m.layout.ProjectFs(projectID)
	err = afero.Walk(pfs, ".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		data, err := afero.ReadFile(pfs, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(path)] = string(data)
		return nil
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeMaterialization, "failed to read project files", err)
	}
	return files, nil
}

// List returns every project, newest first.
func (m *Materializer) List(ctx context.Context) ([]Summary, error) {
	entries, err := afero.ReadDir(m.layout.Fs(), storage.ProjectsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Summary{}, nil
		}
		return nil, apperrors.New(apperrors.ErrCodeMaterialization, "failed to list projects", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !validID.MatchString(entry.Name()) {
			continue
		}
		id := entry.Name()

		summary, err := m.summarize(ctx, id)
		if err != nil {
			logging.FromContext(ctx).WithName("materializer").Error(err, "Skipping unreadable project", "projectId", id)
			continue
		}
		summaries = append(summaries, *summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
		}
		return summaries[i].ProjectID > summaries[j].ProjectID
	})
	return summaries, nil
}

func (m *Materializer) summarize(ctx context.Context, projectID string) (*Summary, error) {
	unlock, err := m.locks.LockContext(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	meta, err := m.metaLocked(projectID)
	if err != nil {
		return nil, err
	}

	count := 0
	err = afero.Walk(m.layout.ProjectFs(projectID), ".", func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Summary{
		ProjectID: projectID,
		FileCount: count,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		Revision:  meta.Revision,
	}, nil
}

func (m *Materializer) requireProject(projectID string) error {
	exists, err := m.Exists(projectID)
	if err != nil {
		return err
	}
	if !exists {
		return notFound(projectID)
	}
	return nil
}

func notFound(projectID string) error {
	return apperrors.New(apperrors.ErrCodeProjectNotFound,
		fmt.Sprintf("project %s not found", projectID), nil).
		WithDetail("projectId", projectID)
}
