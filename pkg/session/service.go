// Package session stores per-conversation message history.
package session

import (
	"context"
)

// Store defines the interface for conversation history storage.
// Appends to one session id are atomic with respect to each other.
type Store interface {
	// GetOrCreate returns the session for id, creating it when absent.
	// An empty id creates a session with a generated id.
	GetOrCreate(ctx context.Context, id string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Append(ctx context.Context, id string, msgs ...Message) error
	History(ctx context.Context, id string) ([]Message, error)
	Evict(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}
