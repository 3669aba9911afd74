// Package storage defines where projects, archives, metadata and diagnostics
// live on a pluggable filesystem.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/kagent-dev/codegen/pkg/config"
	apperrors "github.com/kagent-dev/codegen/pkg/errors"
)

const (
	ProjectsDir    = "projects"
	ArchivesDir    = "archives"
	MetaDir        = "meta"
	DiagnosticsDir = "diagnostics"
)

var unsafeTagChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Layout manages the directory structure of the project store
type Layout struct {
	fs   afero.Fs
	root string

	cache map[string]afero.Fs
	mu    sync.RWMutex
	now   func() time.Time
}

// NewLayout creates a new Layout over fs. root is only used to report
// human-readable locations.
func NewLayout(fs afero.Fs, root string) *Layout {
	return &Layout{
		fs:    fs,
		root:  root,
		cache: make(map[string]afero.Fs),
		now:   time.Now,
	}
}

// NewOSLayout creates a Layout rooted at dir on the local disk.
func NewOSLayout(dir string) (*Layout, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to resolve storage root", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to create storage root", err)
	}

	l := NewLayout(afero.NewBasePathFs(afero.NewOsFs(), abs), abs)
	if err := l.Init(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewMemoryLayout creates a Layout backed by an in-memory filesystem.
func NewMemoryLayout() *Layout {
	l := NewLayout(afero.NewMemMapFs(), "mem://")
	// MemMapFs cannot fail to create directories.
	_ = l.Init()
	return l
}

// FromConfig opens the layout selected by cfg.Backend.
func FromConfig(cfg config.StorageConfig) (*Layout, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryLayout(), nil
	case "", "os":
		return NewOSLayout(cfg.Root)
	default:
		return nil, apperrors.New(apperrors.ErrCodeConfig,
			fmt.Sprintf("unknown storage backend %q", cfg.Backend), nil)
	}
}

// Init creates the top-level directories
func (l *Layout) Init() error {
	for _, dir := range []string{ProjectsDir, ArchivesDir, MetaDir, DiagnosticsDir} {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return apperrors.New(apperrors.ErrCodeConfig,
				fmt.Sprintf("failed to create %s directory", dir), err)
		}
	}
	return nil
}

// Fs returns the filesystem the layout is built on.
func (l *Layout) Fs() afero.Fs {
	return l.fs
}

// Root returns the human-readable location of the store.
func (l *Layout) Root() string {
	return l.root
}

// ProjectDir returns the project directory relative to the layout fs.
func (l *Layout) ProjectDir(projectID string) string {
	return filepath.Join(ProjectsDir, projectID)
}

// ProjectRoot returns the human-readable location of a project.
func (l *Layout) ProjectRoot(projectID string) string {
	return filepath.Join(l.root, ProjectsDir, projectID)
}

// ArchivePath returns the archive location relative to the layout fs.
func (l *Layout) ArchivePath(projectID string) string {
	return filepath.Join(ArchivesDir, projectID+".zip")
}

// MetaPath returns the metadata file location relative to the layout fs.
func (l *Layout) MetaPath(projectID string) string {
	return filepath.Join(MetaDir, projectID+".json")
}

// ProjectFs returns a filesystem confined to the project directory.
func (l *Layout) ProjectFs(projectID string) afero.Fs {
	l.mu.RLock()
	if pfs, ok := l.cache[projectID]; ok {
		l.mu.RUnlock()
		return pfs
	}
	l.mu.RUnlock()

	pfs := afero.NewBasePathFs(l.fs, l.ProjectDir(projectID))

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.cache[projectID]; ok {
		return existing
	}
	l.cache[projectID] = pfs
	return pfs
}

// ProjectExists reports whether the project directory exists.
func (l *Layout) ProjectExists(projectID string) (bool, error) {
	return afero.DirExists(l.fs, l.ProjectDir(projectID))
}

// Forget drops cached handles for a project.
func (l *Layout) Forget(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, projectID)
}

// WriteDiagnostic persists raw text for offline inspection and returns its
// path relative to the layout fs.
func (l *Layout) WriteDiagnostic(tag, raw string) (string, error) {
	tag = unsafeTagChars.ReplaceAllString(tag, "_")
	if tag == "" {
		tag = "output"
	}
	name := fmt.Sprintf("%s-%s.txt", l.now().UTC().Format("20060102T150405.000000000Z"), tag)
	path := filepath.Join(DiagnosticsDir, name)

	if err := l.fs.MkdirAll(DiagnosticsDir, 0o755); err != nil {
		return "", apperrors.New(apperrors.ErrCodeMaterialization, "failed to create diagnostics directory", err)
	}
	if err := afero.WriteFile(l.fs, path, []byte(raw), 0o644); err != nil {
		return "", apperrors.New(apperrors.ErrCodeMaterialization, "failed to write diagnostic", err)
	}
	return path, nil
}
