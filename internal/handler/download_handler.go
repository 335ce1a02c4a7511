package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"bili-downloader/internal/coordinator"
	"bili-downloader/internal/domain"
	"bili-downloader/internal/middleware"
	"bili-downloader/internal/observability"
)

// progressInterval is the cadence of the SSE and WebSocket progress feeds.
const progressInterval = 500 * time.Millisecond

// defaultQuality is used when a download request omits the quality field.
const defaultQuality = 80

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS middleware gates the browser origins; the upgrade itself
		// accepts any.
		return true
	},
}

// TaskService admits download requests and answers task queries
type TaskService interface {
	Submit(rawURL string, quality int, ownerToken string, client coordinator.MetadataClient) (string, error)
	Query(taskID, requesterToken string) (domain.TaskView, error)
}

// FileResolver maps a bare filename to a vetted path inside the download
// directory
type FileResolver interface {
	ResolvePath(name string) (string, error)
}

// DownloadHandler handles download submission, progress feeds and completed
// file retrieval
type DownloadHandler struct {
	tasks TaskService
	files FileResolver
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(tasks TaskService, files FileResolver) *DownloadHandler {
	return &DownloadHandler{
		tasks: tasks,
		files: files,
	}
}

// DownloadRequest represents a download submission
type DownloadRequest struct {
	URL     string `json:"url"`
	Quality int    `json:"quality"`
}

// DownloadResponse carries the id of the admitted task
type DownloadResponse struct {
	TaskID string `json:"task_id"`
}

// Start admits a new download task for the caller's session
func (h *DownloadHandler) Start(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
		return
	}

	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, `{"error":"url is required"}`, http.StatusBadRequest)
		return
	}
	if req.Quality == 0 {
		req.Quality = defaultQuality
	}

	taskID, err := h.tasks.Submit(req.URL, req.Quality, sess.Token(), sess.Client())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidQuality):
			http.Error(w, `{"error":"Unsupported quality"}`, http.StatusBadRequest)
		case errors.Is(err, domain.ErrBusy):
			http.Error(w, `{"error":"Too many active downloads, try again later"}`, http.StatusTooManyRequests)
		case errors.Is(err, domain.ErrToolMissing):
			http.Error(w, `{"error":"ffmpeg is not available on the server"}`, http.StatusInternalServerError)
		default:
			observability.FromContext(r.Context()).Error("download submission failed",
				slog.String("error", err.Error()))
			http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
		}
		return
	}

	sess.AddTask(taskID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DownloadResponse{TaskID: taskID})
}

// Progress streams task snapshots as server-sent events until the task
// reaches a terminal state. The raw session cookie is read directly so
// anonymous callers are not handed a fresh session just for watching.
func (h *DownloadHandler) Progress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	token := middleware.RequestToken(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"Streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	write := func(payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		view, err := h.tasks.Query(taskID, token)
		if err != nil {
			write(map[string]string{"error": "Task not found"})
			return
		}
		if !write(view) {
			return
		}
		if view.Status.Terminal() {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// ProgressWS is the WebSocket variant of the progress feed, for clients that
// keep one connection open instead of an SSE stream.
func (h *DownloadHandler) ProgressWS(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	token := middleware.RequestToken(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		view, err := h.tasks.Query(taskID, token)
		if err != nil {
			_ = conn.WriteJSON(map[string]string{"error": "Task not found"})
			return
		}
		if err := conn.WriteJSON(view); err != nil {
			return
		}
		if view.Status.Terminal() {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// File serves a completed download as an attachment
func (h *DownloadHandler) File(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}

	path, err := h.files.ResolvePath(name)
	if err != nil {
		http.Error(w, `{"error":"Invalid filename"}`, http.StatusForbidden)
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.Error(w, `{"error":"File not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}
