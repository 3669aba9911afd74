package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagent-dev/codegen/pkg/config"
	apperrors "github.com/kagent-dev/codegen/pkg/errors"
)

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("GetOrCreate generates id", func(t *testing.T) {
		store := newStore(t)
		s, err := store.GetOrCreate(ctx, "")
		require.NoError(t, err)
		assert.NotEmpty(t, s.ID)
		assert.Empty(t, s.Messages)

		again, err := store.GetOrCreate(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, again.ID)
	})

	t.Run("Append keeps order", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetOrCreate(ctx, "conv-1")
		require.NoError(t, err)

		require.NoError(t, store.Append(ctx, "conv-1",
			NewMessage(RoleUser, "make a site"),
			NewMessage(RoleModel, `{"index.html":"<h1>Hi</h1>"}`)))
		require.NoError(t, store.Append(ctx, "conv-1", NewMessage(RoleUser, "add css")))

		history, err := store.History(ctx, "conv-1")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, RoleUser, history[0].Role)
		assert.Equal(t, "make a site", history[0].Text)
		assert.Equal(t, RoleModel, history[1].Role)
		assert.Equal(t, "add css", history[2].Text)
	})

	t.Run("History of unknown session is empty", func(t *testing.T) {
		store := newStore(t)
		history, err := store.History(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("Get unknown session", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, "nobody")
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound))
	})

	t.Run("Evict and List", func(t *testing.T) {
		store := newStore(t)
		for _, id := range []string{"b", "a", "c"} {
			require.NoError(t, store.Append(ctx, id, NewMessage(RoleUser, id)))
		}

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		require.NoError(t, store.Evict(ctx, "b"))
		ids, err = store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids)
	})

	t.Run("Concurrent appends lose no turns", func(t *testing.T) {
		store := newStore(t)
		const workers = 20

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.Append(ctx, "shared",
					NewMessage(RoleUser, fmt.Sprintf("q%d", i)),
					NewMessage(RoleModel, fmt.Sprintf("a%d", i)))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		history, err := store.History(ctx, "shared")
		require.NoError(t, err)
		require.Len(t, history, 2*workers)

		// Each batch stays contiguous.
		for i := 0; i < len(history); i += 2 {
			assert.Equal(t, RoleUser, history[i].Role)
			assert.Equal(t, RoleModel, history[i+1].Role)
			assert.Equal(t, "a"+history[i].Text[1:], history[i+1].Text)
		}
	})

	t.Run("Append requires id", func(t *testing.T) {
		store := newStore(t)
		err := store.Append(ctx, "", NewMessage(RoleUser, "x"))
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeMissingField, apperrors.CodeOf(err))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := NewMemoryStore(0)
		require.NoError(t, err)
		return store
	})
}

func TestMemoryStore_Bounded(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := NewMemoryStore(100)
		require.NoError(t, err)
		return store
	})
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(2)
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, "one", NewMessage(RoleUser, "1")))
	require.NoError(t, store.Append(ctx, "two", NewMessage(RoleUser, "2")))
	_, err = store.Get(ctx, "one")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, "three", NewMessage(RoleUser, "3")))

	_, err = store.Get(ctx, "two")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound))
	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "three"}, ids)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(0)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, "id", NewMessage(RoleUser, "original")))

	s, err := store.Get(ctx, "id")
	require.NoError(t, err)
	s.Messages[0].Text = "mutated"

	history, err := store.History(ctx, "id")
	require.NoError(t, err)
	assert.Equal(t, "original", history[0].Text)
}

func TestSQLStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestSQLStore_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, "keep", NewMessage(RoleUser, "hello")))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	history, err := reopened.History(ctx, "keep")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Text)
}

func TestRemoteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		backing, err := NewMemoryStore(0)
		require.NoError(t, err)
		srv := httptest.NewServer(NewHandler(backing))
		t.Cleanup(srv.Close)
		return NewRemoteStore(srv.URL, nil)
	})
}

func TestRemoteStore_SendsToken(t *testing.T) {
	backing, err := NewMemoryStore(0)
	require.NoError(t, err)
	inner := NewHandler(backing)

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		inner.ServeHTTP(w, r)
	}))
	defer srv.Close()

	store := NewRemoteStore(srv.URL+"/", func() string { return "tok" })
	_, err = store.GetOrCreate(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestRemoteStore_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewRemoteStore(srv.URL, nil)
	err := store.Append(context.Background(), "x", NewMessage(RoleUser, "hi"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSessionAppend, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "500")
}

func TestHandler_RejectsUnknownRole(t *testing.T) {
	backing, err := NewMemoryStore(0)
	require.NoError(t, err)
	srv := httptest.NewServer(NewHandler(backing))
	defer srv.Close()

	err = NewRemoteStore(srv.URL, nil).Append(context.Background(), "x", Message{Role: "robot", Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token := NewTokenFile(path, logr.Discard())
	token.refreshPeriod = 10 * time.Millisecond
	require.NoError(t, token.Start(ctx))
	assert.Equal(t, "first", token.Token())

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	assert.Eventually(t, func() bool { return token.Token() == "second" }, time.Second, 10*time.Millisecond)
}

func TestTokenFile_Missing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token := NewTokenFile(filepath.Join(t.TempDir(), "absent"), logr.Discard())
	require.NoError(t, token.Start(ctx))
	assert.Empty(t, token.Token())
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	store, closeFn, err := NewStore(ctx, config.SessionConfig{Backend: "memory"}, logr.Discard())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
	assert.NoError(t, closeFn())

	store, closeFn, err = NewStore(ctx, config.SessionConfig{
		Backend: "sqlite",
		DSN:     filepath.Join(t.TempDir(), "s.db"),
	}, logr.Discard())
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, store)
	assert.NoError(t, closeFn())

	store, _, err = NewStore(ctx, config.SessionConfig{Backend: "remote", RemoteURL: "http://localhost:1"}, logr.Discard())
	require.NoError(t, err)
	assert.IsType(t, &RemoteStore{}, store)

	_, _, err = NewStore(ctx, config.SessionConfig{Backend: "redis"}, logr.Discard())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfig, apperrors.CodeOf(err))
}

func TestBuildContents(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Text: "first"},
		{Role: RoleSystem, Text: "stale system"},
		{Role: RoleModel, Text: "answer"},
	}

	got := BuildContents("be terse", history, "second")
	require.Len(t, got, 4)
	assert.Equal(t, Message{Role: RoleSystem, Text: "be terse"}, got[0])
	assert.Equal(t, "first", got[1].Text)
	assert.Equal(t, "answer", got[2].Text)
	assert.Equal(t, Message{Role: RoleUser, Text: "second"}, got[3])

	assert.Len(t, BuildContents("", nil, "only"), 1)
}
