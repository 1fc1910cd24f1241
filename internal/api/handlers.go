// Package api serves the scrape coordinator over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/render"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies; a scrape request is a handful of fields.
const maxBodyBytes = 64 << 10

// Sessions is the part of the session coordinator the API drives.
type Sessions interface {
	Start(req schemas.ScrapeRequest) (schemas.SessionSnapshot, error)
	Status(id string) (schemas.SessionSnapshot, error)
	ConfirmChallenge(id string) error
	Cancel(id string) error
	List() []schemas.SessionSnapshot
}

// OptionLister lists the portal's cascade options.
type OptionLister interface {
	Levels() []string
	Options(ctx context.Context, prefix schemas.SelectionPath) ([]schemas.HierarchyOption, error)
}

// HistoryReader reads archived sessions.
type HistoryReader interface {
	History(ctx context.Context, limit int) ([]schemas.SessionSnapshot, error)
}

// Handlers manages the HTTP request handling for the API.
type Handlers struct {
	log         *zap.Logger
	sessions    Sessions
	options     OptionLister
	history     HistoryReader
	downloadDir string
}

// NewHandlers creates a new Handlers instance. options and history may be nil;
// their endpoints then answer 503.
func NewHandlers(logger *zap.Logger, sessions Sessions, options OptionLister, history HistoryReader, downloadDir string) *Handlers {
	return &Handlers{
		log:         logger.Named("api_handlers"),
		sessions:    sessions,
		options:     options,
		history:     history,
		downloadDir: downloadDir,
	}
}

// RegisterRoutes mounts the API on r. auth, when non-nil, guards everything but /healthz.
func (h *Handlers) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api", func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		r.Get("/options", h.HandleOptions)
		r.Get("/history", h.HandleHistory)
		r.Get("/download/{filename}", h.HandleDownload)

		r.Route("/scrape", func(r chi.Router) {
			r.Get("/", h.HandleListSessions)
			r.Post("/start", h.HandleStart)
			r.Get("/status/{id}", h.HandleStatus)
			r.Post("/captcha-solved/{id}", h.HandleCaptchaSolved)
			r.Delete("/{id}", h.HandleCancel)
		})
	})
}

// HandleHealthCheck is a simple handler to confirm the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleOptions lists the options of the level below the comma separated path.
func (h *Handlers) HandleOptions(w http.ResponseWriter, r *http.Request) {
	if h.options == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "Option listing is unavailable.")
		return
	}
	prefix := parsePath(r.URL.Query().Get("path"))
	opts, err := h.options.Options(r.Context(), prefix)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	levels := h.options.Levels()
	level := ""
	if len(prefix) < len(levels) {
		level = levels[len(prefix)]
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"level":   level,
		"path":    prefix,
		"options": opts,
	})
}

// HandleStart decodes a scrape request and starts a session for it.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req schemas.ScrapeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	snap, err := h.sessions.Start(req)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"session_id": snap.ID,
		"status":     string(snap.Status),
	})
}

// HandleListSessions returns every registered session.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": h.sessions.List()})
}

// HandleStatus returns the snapshot of one session.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

// HandleCaptchaSolved records a human CAPTCHA confirmation.
func (h *Handlers) HandleCaptchaSolved(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.ConfirmChallenge(id); err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	h.log.Info("Challenge confirmed.", zap.String("session_id", id))
	h.respondJSON(w, http.StatusOK, map[string]string{"session_id": id, "message": "Confirmation recorded"})
}

// HandleCancel cancels a session and drops it from the registry.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Cancel(id); err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"session_id": id, "message": "Session cancelled"})
}

// HandleDownload serves a rendered artifact from the output directory.
func (h *Handlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	path, err := render.ArtifactPath(h.downloadDir, chi.URLParam(r, "filename"))
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

// HandleHistory returns archived sessions, newest first.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "History is unavailable (archive not configured).")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit %q.", raw))
			return
		}
		limit = n
	}
	sessions, err := h.history.History(r.Context(), limit)
	if err != nil {
		h.log.Error("Failed to read history.", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Internal error reading history.")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"count": len(sessions), "sessions": sessions})
}

func parsePath(raw string) schemas.SelectionPath {
	var path schemas.SelectionPath
	for _, code := range strings.Split(raw, ",") {
		if code = strings.TrimSpace(code); code != "" {
			path = append(path, code)
		}
	}
	return path
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schemas.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, schemas.ErrInvalidState), errors.Is(err, schemas.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, schemas.ErrResolutionTimeout), errors.Is(err, schemas.ErrEnvironment):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondWithDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("Request failed.", zap.Error(err))
	}
	h.respondJSON(w, code, errorBody{Error: err.Error(), Kind: schemas.KindOf(err)})
}

type errorBody struct {
	Error string            `json:"error"`
	Kind  schemas.ErrorKind `json:"kind,omitempty"`
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, errorBody{Error: message})
}

func (h *Handlers) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
