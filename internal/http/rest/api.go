package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/steam_downloader/internal/catalog"
	"github.com/italolelis/steam_downloader/internal/job"
	"github.com/italolelis/steam_downloader/internal/logctx"
	"github.com/italolelis/steam_downloader/internal/settings"
	"github.com/italolelis/steam_downloader/internal/steamcmd"
	"github.com/italolelis/steam_downloader/internal/storage"
)

const (
	maxBodySize     = 1 << 20 // 1MB
	maskedSecret    = "********"
	selfTestTimeout = 2 * time.Minute
)

type JobQueue interface {
	Submit(contentID int, displayName string) (string, error)
	Status(id string) (job.Job, bool)
	Snapshot() job.QueueSnapshot
}

type CatalogStore interface {
	List() []catalog.Entry
	Get(contentID string) (catalog.Entry, bool)
	Remove(contentID string) (bool, error)
	TouchLastUsed(contentID string) (bool, error)
	TotalSize() int64
}

type SettingsStore interface {
	All() map[string]any
	Update(values map[string]any) error
}

type ToolController interface {
	SelfTest(ctx context.Context) error
	State() steamcmd.State
	InstallPath() string
}

// Credentials protect the API with HTTP basic auth when Username is set.
type Credentials struct {
	Username string
	Password string
}

// APIHandler exposes the download queue, catalog and settings over HTTP.
type APIHandler struct {
	queue    JobQueue
	catalog  CatalogStore
	settings SettingsStore
	tool     ToolController
	history  storage.JobHistoryReadRepository
	creds    Credentials
}

func NewAPIHandler(
	queue JobQueue,
	cat CatalogStore,
	store SettingsStore,
	tool ToolController,
	history storage.JobHistoryReadRepository,
	creds Credentials,
) *APIHandler {
	return &APIHandler{
		queue:    queue,
		catalog:  cat,
		settings: store,
		tool:     tool,
		history:  history,
		creds:    creds,
	}
}

func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.creds.Username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", h.HandleSubmitJob)
		r.Get("/jobs/{id}", h.HandleGetJob)
		r.Get("/queue", h.HandleQueue)

		r.Get("/catalog", h.HandleListCatalog)
		r.Get("/catalog/{id}", h.HandleGetCatalogEntry)
		r.Delete("/catalog/{id}", h.HandleRemoveCatalogEntry)
		r.Post("/catalog/{id}/touch", h.HandleTouchCatalogEntry)

		r.Get("/settings", h.HandleGetSettings)
		r.Put("/settings", h.HandleUpdateSettings)

		r.Get("/steamcmd", h.HandleToolStatus)
		r.Post("/steamcmd/selftest", h.HandleSelfTest)

		r.Get("/history", h.HandleHistory)
	})

	return r
}

type submitJobRequest struct {
	ContentID   int    `json:"content_id"`
	DisplayName string `json:"display_name"`
}

type submitJobResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type catalogEntry struct {
	catalog.Entry
	Size string `json:"size"`
}

type catalogResponse struct {
	Entries   []catalogEntry `json:"entries"`
	TotalSize string         `json:"total_size"`
}

type toolStatusResponse struct {
	State       string `json:"state"`
	InstallPath string `json:"install_path"`
}

type historyRecord struct {
	JobID       string    `json:"id"`
	ContentID   int       `json:"content_id"`
	DisplayName string    `json:"display_name"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Directory   string    `json:"directory,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// HandleSubmitJob enqueues a download and answers before it runs.
func (h *APIHandler) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req submitJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	id, err := h.queue.Submit(req.ContentID, req.DisplayName)
	if err != nil {
		var vErr *job.ValidationError
		if errors.As(err, &vErr) {
			writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: vErr.Error(), Field: vErr.Field})
			return
		}

		logger.Error("failed to submit job", "err", err)
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "failed to submit job"})

		return
	}

	logger.Info("job submitted", "job_id", id, "content_id", req.ContentID)
	writeJSON(w, r, http.StatusAccepted, submitJobResponse{ID: id})
}

func (h *APIHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.queue.Status(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}

	writeJSON(w, r, http.StatusOK, j)
}

func (h *APIHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.queue.Snapshot())
}

func (h *APIHandler) HandleListCatalog(w http.ResponseWriter, r *http.Request) {
	entries := h.catalog.List()

	resp := catalogResponse{
		Entries:   make([]catalogEntry, 0, len(entries)),
		TotalSize: catalog.Entry{SizeBytes: h.catalog.TotalSize()}.HumanSize(),
	}

	for _, e := range entries {
		resp.Entries = append(resp.Entries, catalogEntry{Entry: e, Size: e.HumanSize()})
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *APIHandler) HandleGetCatalogEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := h.catalog.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "catalog entry not found"})
		return
	}

	writeJSON(w, r, http.StatusOK, catalogEntry{Entry: e, Size: e.HumanSize()})
}

func (h *APIHandler) HandleRemoveCatalogEntry(w http.ResponseWriter, r *http.Request) {
	h.mutateCatalog(w, r, h.catalog.Remove)
}

func (h *APIHandler) HandleTouchCatalogEntry(w http.ResponseWriter, r *http.Request) {
	h.mutateCatalog(w, r, h.catalog.TouchLastUsed)
}

func (h *APIHandler) mutateCatalog(w http.ResponseWriter, r *http.Request, fn func(string) (bool, error)) {
	id := chi.URLParam(r, "id")

	found, err := fn(id)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to update catalog", "content_id", id, "err", err)
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "failed to update catalog"})

		return
	}

	if !found {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "catalog entry not found"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, maskSecrets(h.settings.All()))
}

// HandleUpdateSettings merges the given keys into the stored settings. A
// masked password echoed back by a client leaves the stored one untouched.
func (h *APIHandler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&values); err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if v, ok := values[settings.KeyPassword]; ok && v == maskedSecret {
		delete(values, settings.KeyPassword)
	}

	if err := h.settings.Update(values); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to save settings", "err", err)
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "failed to save settings"})

		return
	}

	writeJSON(w, r, http.StatusOK, maskSecrets(h.settings.All()))
}

func (h *APIHandler) HandleToolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, toolStatusResponse{
		State:       h.tool.State().String(),
		InstallPath: h.tool.InstallPath(),
	})
}

// HandleSelfTest starts SteamCMD once, installing it first if needed.
func (h *APIHandler) HandleSelfTest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), selfTestTimeout)
	defer cancel()

	if err := h.tool.SelfTest(ctx); err != nil {
		logctx.LoggerFromContext(ctx).Warn("steamcmd self-test failed", "err", err)
		writeJSON(w, r, http.StatusBadGateway, errorResponse{Error: err.Error()})

		return
	}

	h.HandleToolStatus(w, r)
}

func (h *APIHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer", Field: "limit"})
			return
		}

		limit = n
	}

	records, err := h.history.GetJobs(limit)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to read job history", "err", err)
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "failed to read job history"})

		return
	}

	out := make([]historyRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, historyRecord(rec))
	}

	writeJSON(w, r, http.StatusOK, out)
}

func (h *APIHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="steam_downloader"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.creds.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.creds.Password)) == 1

		if !userOK || !passOK {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func maskSecrets(values map[string]any) map[string]any {
	if v, ok := values[settings.KeyPassword].(string); ok && v != "" {
		values[settings.KeyPassword] = maskedSecret
	}

	return values
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
