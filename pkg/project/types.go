package project

import (
	"fmt"
	"time"
)

// MaxFileSize bounds a single materialized file.
const MaxFileSize = 100 * 1024 * 1024 // 100 MB

// Handle describes the outcome of one materialization.
type Handle struct {
	ProjectID    string       `json:"projectId"`
	Root         string       `json:"root"`
	FilesWritten int          `json:"filesWritten"`
	Written      []string     `json:"written,omitempty"`
	Failed       []EntryError `json:"failed,omitempty"`
	Created      bool         `json:"created"`
	Revision     int64        `json:"revision"`
}

// EntryError records a mapping entry that could not be written.
type EntryError struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (e EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e EntryError) Unwrap() error {
	return e.Err
}

// Meta is the sidecar record kept for each project.
type Meta struct {
	ProjectID string    `json:"projectId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// Revision increases by one for every materialization that wrote a file.
	Revision int64 `json:"revision"`
}

// Summary is the listing view of a project.
type Summary struct {
	ProjectID string    `json:"projectId"`
	FileCount int       `json:"fileCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Revision  int64     `json:"revision"`
}

// ChangeListener is notified after a project's files change.
type ChangeListener func(projectID string, revision int64)
