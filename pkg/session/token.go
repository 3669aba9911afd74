package session

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
)

// DefaultTokenRefreshPeriod is how often TokenFile re-reads its file.
const DefaultTokenRefreshPeriod = 60 * time.Second

// TokenFile serves a bearer token read from a file that may be rotated
// underneath it, such as a projected service-account token.
type TokenFile struct {
	path          string
	refreshPeriod time.Duration
	log           logr.Logger

	mu    sync.RWMutex
	token string
}

// NewTokenFile creates a new TokenFile
func NewTokenFile(path string, log logr.Logger) *TokenFile {
	return &TokenFile{
		path:          path,
		refreshPeriod: DefaultTokenRefreshPeriod,
		log:           log.WithName("session-token"),
	}
}

// Start loads the token and keeps refreshing it until ctx is done.
func (t *TokenFile) Start(ctx context.Context) error {
	if err := t.refresh(); err != nil {
		return apperrors.New(apperrors.ErrCodeAuthFailed, "failed to load initial token", err)
	}

	ticker := time.NewTicker(t.refreshPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.refresh(); err != nil {
					t.log.Error(err, "Failed to refresh token", "path", t.path)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (t *TokenFile) refresh() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		// A missing file is normal outside a cluster.
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	t.mu.Lock()
	t.token = strings.TrimSpace(string(data))
	t.mu.Unlock()
	return nil
}

// Token returns the current token, or "" when none was loaded.
func (t *TokenFile) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}
