package server

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/generator"
	"github.com/kagent-dev/codegen/pkg/project"
)

type successBody struct {
	Success        bool              `json:"success"`
	ProjectID      string            `json:"projectId"`
	ConversationID string            `json:"conversationId"`
	Files          map[string]string `json:"files"`
	FileCount      int               `json:"fileCount"`
	Strategy       string            `json:"strategy,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	DownloadURL    string            `json:"downloadUrl,omitempty"`
}

type failedEntry struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type failureBody struct {
	Success        bool          `json:"success"`
	Error          string        `json:"error"`
	Code           string        `json:"code,omitempty"`
	Hint           string        `json:"hint,omitempty"`
	Preview        string        `json:"preview,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	ProjectID      string        `json:"projectId,omitempty"`
	Failed         []failedEntry `json:"failed,omitempty"`
}

var hints = map[string]string{
	apperrors.ErrCodeNoJSONBoundary:   "The model answered without a JSON object. Try rephrasing the prompt.",
	apperrors.ErrCodeUnrecoverable:    "The model output was not valid JSON and could not be repaired. Retry the request.",
	apperrors.ErrCodeEmptyOrUnsafe:    "Every file path was empty or unsafe. Paths must be relative and must not contain '..'.",
	apperrors.ErrCodeMaterialization:  "Some files could not be written. Re-submit to complete the project.",
	apperrors.ErrCodeProjectCollision: "A project with the generated id already exists. Retry the request.",
	apperrors.ErrCodeModelCall:        "The model provider call failed. Check provider status and credentials.",
}

// statusFor maps an error code to an HTTP status. Pipeline failures are
// reported in a 200 body so clients can read the diagnostic context.
func statusFor(code string) int {
	switch code {
	case apperrors.ErrCodeNoJSONBoundary,
		apperrors.ErrCodeUnrecoverable,
		apperrors.ErrCodeEmptyOrUnsafe,
		apperrors.ErrCodeUnsafePath,
		apperrors.ErrCodeMaterialization,
		apperrors.ErrCodeProjectCollision:
		return http.StatusOK
	case apperrors.ErrCodeMissingField, apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeProjectNotFound, apperrors.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeModelCall:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) writeResult(w http.ResponseWriter, res *generator.Result, err error) {
	if err != nil {
		var failed []failedEntry
		if res != nil {
			failed = entries(res.Failed)
		}
		body := a.failure(err, failed)
		if res != nil {
			body.ProjectID = res.ProjectID
			body.ConversationID = res.ConversationID
		}
		writeJSON(w, statusFor(body.Code), body)
		return
	}

	out := successBody{
		Success:        true,
		ProjectID:      res.ProjectID,
		ConversationID: res.ConversationID,
		Files:          res.Files,
		FileCount:      res.FileCount,
		Strategy:       res.Strategy,
	}
	for _, warning := range res.Warnings {
		out.Warnings = append(out.Warnings, warning.String())
	}
	if res.Archive != nil {
		out.DownloadURL = "/download/" + res.ProjectID
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) writeFailure(w http.ResponseWriter, err error, failed []failedEntry) {
	body := a.failure(err, failed)
	writeJSON(w, statusFor(body.Code), body)
}

// failure builds the client-facing body. Only the top-level message is
// exposed; causes and raw output stay in logs unless debug is on.
func (a *App) failure(err error, failed []failedEntry) failureBody {
	body := failureBody{Error: err.Error(), Failed: failed}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		body.Code = "INTERNAL"
		if !a.Config.Server.Debug {
			body.Error = "internal error"
		}
		return body
	}

	body.Code = appErr.Code
	body.Hint = hints[appErr.Code]
	if !a.Config.Server.Debug {
		body.Error = appErr.Message
	}
	if id, ok := appErr.Details["conversationId"].(string); ok {
		body.ConversationID = id
	}
	if a.Config.Server.Debug {
		if preview, ok := appErr.Details["preview"].(string); ok {
			body.Preview = preview
		}
	}
	return body
}

func failedEntries(h *project.Handle) []failedEntry {
	if h == nil {
		return nil
	}
	return entries(h.Failed)
}

func entries(errs []project.EntryError) []failedEntry {
	if len(errs) == 0 {
		return nil
	}
	out := make([]failedEntry, 0, len(errs))
	for _, e := range errs {
		out = append(out, failedEntry{Path: e.Path, Error: e.Err.Error()})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
