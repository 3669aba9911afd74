package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
)

// RemoteStore implements Store against the session HTTP API served by
// NewHandler, so several service instances can share one history store.
type RemoteStore struct {
	baseURL    string
	httpClient *http.Client
	tokenFunc  func() string // Function to get current token
}

// NewRemoteStore creates a new RemoteStore
func NewRemoteStore(baseURL string, tokenFunc func() string) *RemoteStore {
	return &RemoteStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokenFunc:  tokenFunc,
	}
}

func (r *RemoteStore) addAuthHeaders(req *http.Request) {
	if r.tokenFunc != nil {
		if token := r.tokenFunc(); token != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
		}
	}
}

func (r *RemoteStore) sessionURL(id string) string {
	return fmt.Sprintf("%s/api/sessions/%s", r.baseURL, url.PathEscape(id))
}

// do sends the request and decodes a JSON response into out when out is non-nil.
func (r *RemoteStore) do(ctx context.Context, code, method, target string, body interface{}, out interface{}, okStatus ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.New(code, "failed to marshal request", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return apperrors.New(code, "failed to create request", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	r.addAuthHeaders(httpReq)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.New(code, "failed to send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperrors.New(apperrors.ErrCodeSessionNotFound, "session not found", nil)
	}
	if !statusIn(resp.StatusCode, okStatus) {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.New(code,
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(data)), nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.New(code, "failed to decode response", err)
		}
	}
	return nil
}

func statusIn(status int, allowed []int) bool {
	for _, s := range allowed {
		if status == s {
			return true
		}
	}
	return false
}

func (r *RemoteStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := r.do(ctx, apperrors.ErrCodeSessionGet, http.MethodPost, r.baseURL+"/api/sessions",
		map[string]string{"id": id}, &s, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RemoteStore) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.do(ctx, apperrors.ErrCodeSessionGet, http.MethodGet, r.sessionURL(id), nil, &s, http.StatusOK); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RemoteStore) Append(ctx context.Context, id string, msgs ...Message) error {
	if id == "" {
		return apperrors.New(apperrors.ErrCodeMissingField, "session id is required", nil)
	}
	return r.do(ctx, apperrors.ErrCodeSessionAppend, http.MethodPost, r.sessionURL(id)+"/messages",
		msgs, nil, http.StatusOK, http.StatusCreated, http.StatusNoContent)
}

func (r *RemoteStore) History(ctx context.Context, id string) ([]Message, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.Messages, nil
}

func (r *RemoteStore) Evict(ctx context.Context, id string) error {
	err := r.do(ctx, apperrors.ErrCodeSessionDelete, http.MethodDelete, r.sessionURL(id), nil, nil,
		http.StatusOK, http.StatusNoContent)
	if apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound) {
		return nil
	}
	return err
}

func (r *RemoteStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.do(ctx, apperrors.ErrCodeSessionGet, http.MethodGet, r.baseURL+"/api/sessions", nil, &ids, http.StatusOK); err != nil {
		return nil, err
	}
	return ids, nil
}
