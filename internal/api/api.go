// Package api serves the read-only HTTP view of stored job progress.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/tidings/internal/job"
)

// Reader is the subset of the notifier the HTTP API needs.
type Reader interface {
	NotificationsByJobID(ctx context.Context, jobType job.Type, jobID string) []job.Notification
	NotificationsByJobType(ctx context.Context, jobType job.Type, gist bool) map[string][]job.Notification
	Notifications(ctx context.Context, gist bool) map[job.Type]map[string][]job.Notification
	Overview(ctx context.Context) map[job.Type]map[string][]job.Notification
	JobSummary(ctx context.Context, jobType job.Type, jobID string) (job.Summary, bool)
	JobSummariesByJobType(ctx context.Context, jobType job.Type) map[string]job.Summary
	AllJobSummaries(ctx context.Context) map[job.Type]map[string]job.Summary
	IsIdle() bool
	InstanceID() string
}

// Info describes the running process for /status.
type Info struct {
	Version string
	Backend string
}

type handler struct {
	reader Reader
	info   Info
}

// Mount registers the API routes on r.
func Mount(r chi.Router, reader Reader, info Info) {
	h := &handler{reader: reader, info: info}

	r.Get("/health", h.health)
	r.Get("/status", h.status)

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.allNotifications)
		r.Get("/{jobType}", h.typeNotifications)
		r.Get("/{jobType}/{jobID}", h.jobNotifications)
	})

	r.Route("/summaries", func(r chi.Router) {
		r.Get("/", h.allSummaries)
		r.Get("/{jobType}", h.typeSummaries)
		r.Get("/{jobType}/{jobID}", h.jobSummary)
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"idle":     h.reader.IsIdle(),
		"instance": h.reader.InstanceID(),
		"backend":  h.info.Backend,
		"version":  h.info.Version,
	})
}

func (h *handler) allNotifications(w http.ResponseWriter, r *http.Request) {
	gist, set, err := gistParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !set {
		writeJSON(w, http.StatusOK, h.reader.Overview(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, h.reader.Notifications(r.Context(), gist))
}

func (h *handler) typeNotifications(w http.ResponseWriter, r *http.Request) {
	gist, _, err := gistParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobType, ok := pathParam(w, r, "jobType")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.reader.NotificationsByJobType(r.Context(), job.Type(jobType), gist))
}

func (h *handler) jobNotifications(w http.ResponseWriter, r *http.Request) {
	jobType, ok := pathParam(w, r, "jobType")
	if !ok {
		return
	}
	jobID, ok := pathParam(w, r, "jobID")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.reader.NotificationsByJobID(r.Context(), job.Type(jobType), jobID))
}

func (h *handler) allSummaries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reader.AllJobSummaries(r.Context()))
}

func (h *handler) typeSummaries(w http.ResponseWriter, r *http.Request) {
	jobType, ok := pathParam(w, r, "jobType")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.reader.JobSummariesByJobType(r.Context(), job.Type(jobType)))
}

func (h *handler) jobSummary(w http.ResponseWriter, r *http.Request) {
	jobType, ok := pathParam(w, r, "jobType")
	if !ok {
		return
	}
	jobID, ok := pathParam(w, r, "jobID")
	if !ok {
		return
	}
	s, found := h.reader.JobSummary(r.Context(), job.Type(jobType), jobID)
	if !found {
		writeError(w, http.StatusNotFound, "no summary for "+jobType+"/"+jobID)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// gistParam parses ?gist=. set reports whether the parameter was present.
func gistParam(r *http.Request) (gist, set bool, err error) {
	raw := r.URL.Query().Get("gist")
	if raw == "" {
		return false, false, nil
	}
	gist, err = strconv.ParseBool(raw)
	if err != nil {
		return false, true, fmt.Errorf("invalid gist parameter %q", raw)
	}
	return gist, true, nil
}

// pathParam returns a decoded route parameter. chi matches on the raw path
// when the request carries escaped slashes, so those values still need
// unescaping.
func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := chi.URLParam(r, name)
	var err error
	if r.URL.RawPath != "" {
		v, err = url.PathUnescape(v)
	}
	if err != nil || v == "" {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
