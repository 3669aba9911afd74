// Package archive bundles materialized projects into zip files.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/logging"
	"github.com/kagent-dev/codegen/pkg/metrics"
	"github.com/kagent-dev/codegen/pkg/project"
	"github.com/kagent-dev/codegen/pkg/storage"
)

// commentPrefix marks archives written by Packager; the project revision
// follows it.
const commentPrefix = "codegen revision="

// maxRebuilds bounds how often Pack retries when the project changes while
// an archive is being built.
const maxRebuilds = 3

// Archive describes a packaged project snapshot.
type Archive struct {
	ProjectID string    `json:"projectId"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Files     int       `json:"files"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
}

// Result is delivered by PackAsync.
type Result struct {
	Archive *Archive
	Err     error
}

// Packager builds and serves project archives. Archives are derived data:
// they are rebuilt whenever the project revision moves past theirs.
type Packager struct {
	projects *project.Materializer
	layout   *storage.Layout
	observer metrics.Observer
	group    singleflight.Group
	now      func() time.Time
}

// Option configures a Packager.
type Option func(*Packager)

// WithObserver reports packaging telemetry to o.
func WithObserver(o metrics.Observer) Option {
	return func(p *Packager) { p.observer = metrics.OrNop(o) }
}

// NewPackager creates a new Packager and subscribes it to project changes so
// outdated archives are dropped as soon as files change.
func NewPackager(projects *project.Materializer, opts ...Option) *Packager {
	p := &Packager{
		projects: projects,
		layout:   projects.Layout(),
		observer: metrics.NopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	projects.OnChange(func(projectID string, _ int64) {
		_ = p.Invalidate(projectID)
	})
	return p
}

// Pack regenerates the archive from the project's current files.
// Concurrent calls for one project share a single build.
func (p *Packager) Pack(ctx context.Context, projectID string) (*Archive, error) {
	var (
		archive *Archive
		current int64
	)
	for attempt := 0; attempt < maxRebuilds; attempt++ {
		v, err, _ := p.group.Do(projectID, func() (interface{}, error) {
			return p.build(ctx, projectID)
		})
		if err != nil {
			return nil, err
		}
		archive = v.(*Archive)

		// A coalesced build may have started before the latest change.
		meta, err := p.projects.Meta(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if archive.Revision >= meta.Revision {
			return archive, nil
		}
		current = meta.Revision
	}

	logging.FromContext(ctx).WithName("packager").Info("Archive still stale after rebuilds",
		"projectId", projectID, "archiveRevision", archive.Revision, "projectRevision", current)
	return nil, apperrors.New(apperrors.ErrCodePackaging,
		"archive is stale: project kept changing while it was packed", nil).
		WithDetail("projectId", projectID).
		WithDetail("archiveRevision", archive.Revision).
		WithDetail("projectRevision", current)
}

// PackAsync packs in the background. The channel receives exactly one
// Result and is then closed. Cancelling ctx does not stop the build.
func (p *Packager) PackAsync(ctx context.Context, projectID string) <-chan Result {
	out := make(chan Result, 1)
	bg := context.WithoutCancel(ctx)
	go func() {
		defer close(out)
		archive, err := p.Pack(bg, projectID)
		if err != nil {
			logging.FromContext(bg).WithName("packager").Error(err, "Background packaging failed", "projectId", projectID)
		}
		out <- Result{Archive: archive, Err: err}
	}()
	return out
}

func (p *Packager) build(ctx context.Context, projectID string) (archive *Archive, err error) {
	start := time.Now()
	defer func() {
		if !apperrors.HasCode(err, apperrors.ErrCodeProjectNotFound) {
			p.observer.RecordPackaging(time.Since(start), err)
		}
	}()
	log := logging.FromContext(ctx).WithName("packager").WithValues("projectId", projectID)

	// Revision first: files read afterwards are at least this new.
	meta, err := p.projects.Meta(ctx, projectID)
	if err != nil {
		return nil, err
	}
	files, err := p.projects.Files(ctx, projectID)
	if err != nil {
		return nil, err
	}

	fsys := p.layout.Fs()
	if err := fsys.MkdirAll(storage.ArchivesDir, 0o755); err != nil {
		return nil, packagingError("failed to create archives directory", err)
	}

	final := p.layout.ArchivePath(projectID)
	tmp := final + ".tmp"
	f, err := fsys.Create(tmp)
	if err != nil {
		return nil, packagingError("failed to create archive", err)
	}

	zw := zip.NewWriter(f)
	for _, name := range files.Keys() {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: meta.UpdatedAt,
		})
		if err != nil {
			_ = zw.Close()
			_ = f.Close()
			_ = fsys.Remove(tmp)
			return nil, packagingError(fmt.Sprintf("create zip entry %s", name), err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			_ = zw.Close()
			_ = f.Close()
			_ = fsys.Remove(tmp)
			return nil, packagingError(fmt.Sprintf("write zip entry %s", name), err)
		}
	}
	if err := zw.SetComment(commentPrefix + strconv.FormatInt(meta.Revision, 10)); err != nil {
		_ = zw.Close()
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return nil, packagingError("failed to tag archive", err)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return nil, packagingError("failed to finish archive", err)
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return nil, packagingError("failed to flush archive", err)
	}
	if err := fsys.Rename(tmp, final); err != nil {
		_ = fsys.Remove(tmp)
		return nil, packagingError("failed to publish archive", err)
	}

	info, err := fsys.Stat(final)
	if err != nil {
		return nil, packagingError("failed to stat archive", err)
	}

	archive = &Archive{
		ProjectID: projectID,
		Path:      final,
		Size:      info.Size(),
		Files:     len(files),
		Revision:  meta.Revision,
		CreatedAt: p.now(),
	}
	log.V(1).Info("Packed project", "files", archive.Files, "bytes", archive.Size, "revision", archive.Revision)
	return archive, nil
}

// Open returns a reader over a current archive for the project, packing it
// first when it is missing or older than the project. The caller closes the file.
func (p *Packager) Open(ctx context.Context, projectID string) (afero.File, *Archive, error) {
	meta, err := p.projects.Meta(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}

	if archive, err := p.stat(projectID); err == nil && archive.Revision >= meta.Revision {
		f, err := p.layout.Fs().Open(archive.Path)
		if err == nil {
			return f, archive, nil
		}
	}

	archive, err := p.Pack(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	f, err := p.layout.Fs().Open(archive.Path)
	if err != nil {
		return nil, nil, packagingError("failed to open archive", err)
	}
	return f, archive, nil
}

// stat reads an existing archive's metadata, including the project revision
// recorded in its comment.
func (p *Packager) stat(projectID string) (*Archive, error) {
	path := p.layout.ArchivePath(projectID)
	f, err := p.layout.Fs().Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(zr.Comment, commentPrefix) {
		return nil, fmt.Errorf("archive %s has no revision tag", path)
	}
	revision, err := strconv.ParseInt(strings.TrimPrefix(zr.Comment, commentPrefix), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("archive %s has a bad revision tag: %w", path, err)
	}

	return &Archive{
		ProjectID: projectID,
		Path:      path,
		Size:      info.Size(),
		Files:     len(zr.File),
		Revision:  revision,
		CreatedAt: info.ModTime().UTC(),
	}, nil
}

// Invalidate removes the cached archive for a project.
func (p *Packager) Invalidate(projectID string) error {
	err := p.layout.Fs().Remove(p.layout.ArchivePath(projectID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return packagingError("failed to remove archive", err)
	}
	return nil
}

func packagingError(msg string, cause error) error {
	return apperrors.New(apperrors.ErrCodePackaging, msg, cause)
}
