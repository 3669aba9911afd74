package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/generator"
	"github.com/kagent-dev/codegen/pkg/logging"
	"github.com/kagent-dev/codegen/pkg/project"
	"github.com/kagent-dev/codegen/pkg/session"
)

func (a *App) setupRoutes(r *mux.Router) {
	r.Use(a.withLogger)

	r.HandleFunc("/generate", a.handleGenerate).Methods(http.MethodPost)
	r.HandleFunc("/chat", a.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/update-file", a.handleUpdateFile).Methods(http.MethodPost)
	r.HandleFunc("/project/{projectId}", a.handleProject).Methods(http.MethodGet)
	r.HandleFunc("/download/{projectId}", a.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/projects", a.handleProjects).Methods(http.MethodGet)

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Session API, also the backend for remote session stores.
	session.RegisterRoutes(r, a.Sessions)
}

// withLogger puts the app logger on the request context.
func (a *App) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := a.log.WithValues("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(logging.IntoContext(r.Context(), log)))
		log.V(1).Info("Handled request", "duration", time.Since(start))
	})
}

type generateRequest struct {
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversationId"`
	ProjectID      string `json:"projectId"`
}

type updateFileRequest struct {
	ProjectID string `json:"projectId"`
	FilePath  string `json:"filePath"`
	Content   string `json:"content"`
}

func (a *App) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.Generator.Generate(r.Context(), generator.Request{
		Prompt:         req.Prompt,
		ConversationID: req.ConversationID,
	})
	a.writeResult(w, res, err)
}

func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.Generator.Chat(r.Context(), generator.Request{
		Prompt:         req.Prompt,
		ConversationID: req.ConversationID,
		ProjectID:      req.ProjectID,
	})
	a.writeResult(w, res, err)
}

func (a *App) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	var req updateFileRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ProjectID == "" || req.FilePath == "" {
		a.writeFailure(w, apperrors.New(apperrors.ErrCodeMissingField, "projectId and filePath are required", nil), nil)
		return
	}

	handle, err := a.Projects.WriteFile(r.Context(), req.ProjectID, req.FilePath, req.Content)
	if err != nil {
		a.writeFailure(w, err, failedEntries(handle))
		return
	}
	filePath := req.FilePath
	if len(handle.Written) == 1 {
		filePath = handle.Written[0]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"projectId": req.ProjectID,
		"filePath":  filePath,
	})
}

func (a *App) handleProject(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	if err := project.ValidateID(projectID); err != nil {
		a.writeFailure(w, err, nil)
		return
	}
	files, err := a.Projects.Files(r.Context(), projectID)
	if err != nil {
		a.writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"projectId": projectID,
		"files":     files,
		"fileCount": len(files),
	})
}

func (a *App) handleDownload(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	if err := project.ValidateID(projectID); err != nil {
		a.writeFailure(w, err, nil)
		return
	}

	f, archive, err := a.Packager.Open(r.Context(), projectID)
	if err != nil {
		a.writeFailure(w, err, nil)
		return
	}
	defer f.Close()

	name := projectID + ".zip"
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, archive.CreatedAt, f)
}

func (a *App) handleProjects(w http.ResponseWriter, r *http.Request) {
	summaries, err := a.Projects.List(r.Context())
	if err != nil {
		a.writeFailure(w, err, nil)
		return
	}
	if summaries == nil {
		summaries = []project.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"app":    AppName,
		"model":  a.Model.ModelName(),
	})
}

// decode reads a size-limited JSON body into v, answering the request itself
// when that fails.
func (a *App) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, a.Config.Server.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, failureBody{
				Error: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				Code:  apperrors.ErrCodeInvalidInput,
			})
			return false
		}
		a.writeFailure(w, apperrors.New(apperrors.ErrCodeInvalidInput, "request body must be a JSON object", err), nil)
		return false
	}
	return true
}
