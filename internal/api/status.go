package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/starford/ansuz/internal/catalog"
	"github.com/starford/ansuz/internal/gitsync"
)

// statusHandler serves the read-only operational endpoints.
type statusHandler struct {
	log     *slog.Logger
	queue   TaskQueue
	catalog NoteCatalog
	sync    SyncStatusSource
	ready   func(context.Context) error
}

type statusResponse struct {
	QueueLength int             `json:"queue_length"`
	NotesTotal  int             `json:"notes_total"`
	Sync        *gitsync.Status `json:"sync,omitempty"`
}

func newStatusHandler(cfg Config) *statusHandler {
	return &statusHandler{
		log:     cfg.Log,
		queue:   cfg.Queue,
		catalog: cfg.Catalog,
		sync:    cfg.Sync,
		ready:   cfg.Ready,
	}
}

// Live handles GET /health/live.
func (s *statusHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. It answers 503 until the readiness probe
// passes, so ingress holds traffic during startup and database recovery.
func (s *statusHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.log.Warn("api: readiness probe failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, errorBody("not ready"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/status.
func (s *statusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if s.queue != nil {
		resp.QueueLength = s.queue.Len()
	}
	if s.catalog != nil {
		n, err := s.catalog.Count(r.Context())
		if err != nil {
			s.log.Error("api: note count failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
			return
		}
		resp.NotesTotal = n
	}
	if s.sync != nil {
		st := s.sync.CurrentStatus(r.Context())
		resp.Sync = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecentNotes handles GET /api/notes/recent.
func (s *statusHandler) RecentNotes(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"notes": []catalog.NoteRow{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.catalog.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("api: recent notes failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if rows == nil {
		rows = []catalog.NoteRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": rows})
}
