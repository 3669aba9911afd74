package session

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
)

const maxMessagesBody = 4 << 20

// RegisterRoutes mounts the session API used by RemoteStore on r.
func RegisterRoutes(r *mux.Router, store Store) {
	h := &handler{store: store}
	r.HandleFunc("/api/sessions", h.list).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", h.getOrCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", h.evict).Methods(http.MethodDelete)
	r.HandleFunc("/api/sessions/{id}/messages", h.appendMessages).Methods(http.MethodPost)
}

// NewHandler returns an http.Handler serving the session API for store.
func NewHandler(store Store) http.Handler {
	r := mux.NewRouter()
	RegisterRoutes(r, store)
	return r
}

type handler struct {
	store Store
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *handler) getOrCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body", err))
			return
		}
	}

	s, err := h.store.GetOrCreate(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) appendMessages(w http.ResponseWriter, r *http.Request) {
	var msgs []Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessagesBody)).Decode(&msgs); err != nil {
		writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}
	for _, m := range msgs {
		if !m.Role.Valid() {
			writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "unknown role "+string(m.Role), nil))
			return
		}
	}

	if err := h.store.Append(r.Context(), mux.Vars(r)["id"], msgs...); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) evict(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Evict(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeSessionNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeMissingField:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  apperrors.CodeOf(err),
	})
}
