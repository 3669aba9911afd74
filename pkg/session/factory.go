package session

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/kagent-dev/codegen/pkg/config"
	apperrors "github.com/kagent-dev/codegen/pkg/errors"
)

// NewStore creates the Store selected by cfg.Backend. The returned close
// function releases backend resources and is never nil.
func NewStore(ctx context.Context, cfg config.SessionConfig, log logr.Logger) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", "memory":
		store, err := NewMemoryStore(cfg.MaxSessions)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil

	case "sqlite":
		store, err := OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil

	case "postgres":
		store, err := OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil

	case "remote":
		var tokenFunc func() string
		if cfg.TokenPath != "" {
			token := NewTokenFile(cfg.TokenPath, log)
			if err := token.Start(ctx); err != nil {
				return nil, noop, err
			}
			tokenFunc = token.Token
		}
		return NewRemoteStore(cfg.RemoteURL, tokenFunc), noop, nil

	default:
		return nil, noop, apperrors.New(apperrors.ErrCodeConfig,
			fmt.Sprintf("unknown session backend %q", cfg.Backend), nil)
	}
}
