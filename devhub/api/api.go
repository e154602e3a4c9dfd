// Package api serves devhub's own JSON status endpoints under /_devhub/.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tomyedwab/devhub/devhub/manifest"
	"github.com/tomyedwab/devhub/devhub/processes"
	"github.com/tomyedwab/devhub/devhub/runlog"
	"github.com/tomyedwab/devhub/devhub/scheduler"
)

// PathPrefix is where the status API is mounted. Worker routes never use it.
const PathPrefix = "/_devhub/"

const (
	defaultLogLimit = 200
	defaultRunLimit = 50
	maxLimit        = 1000
)

// ProcessSource is the view of the Supervisor the API needs.
type ProcessSource interface {
	Processes() []processes.Status
	Logs(uid string, sinceID int64, limit int) ([]processes.ProcessLogEntry, error)
}

// JobSource is the view of the Scheduler the API needs.
type JobSource interface {
	Jobs() []scheduler.JobStatus
}

// RunHistory is the view of the run history store the API needs.
type RunHistory interface {
	RecentRuns(ctx context.Context, jobUID string, limit int) ([]runlog.Run, error)
	GetRun(ctx context.Context, runID string) (*runlog.Run, error)
	RunLogs(ctx context.Context, runID string) ([]runlog.LogLine, error)
}

// ManifestReader loads the current manifest.
type ManifestReader interface {
	Read() (*manifest.Manifest, error)
}

// Config holds configuration options for the Handler.
type Config struct {
	Processes ProcessSource
	Jobs      JobSource
	History   RunHistory     // Optional, run endpoints answer 404 without it
	Manifest  ManifestReader // Optional
	Logger    *slog.Logger   // Optional, defaults to slog.Default()
}

// Handler routes the status endpoints.
type Handler struct {
	processes ProcessSource
	jobs      JobSource
	history   RunHistory
	manifest  ManifestReader
	logger    *slog.Logger
	r         *mux.Router
}

// RunDetail is a run together with its captured output.
type RunDetail struct {
	runlog.Run
	Logs []runlog.LogLine `json:"logs"`
}

type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }

func (e *httpError) Unwrap() error { return e.err }

func badRequest(err error) error { return &httpError{http.StatusBadRequest, err} }

func notFound(err error) error { return &httpError{http.StatusNotFound, err} }

// NewHandler creates a Handler with its routes registered.
func NewHandler(config Config) *Handler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		processes: config.Processes,
		jobs:      config.Jobs,
		history:   config.History,
		manifest:  config.Manifest,
		logger:    logger.With("component", "API"),
		r:         mux.NewRouter(),
	}
	// Registered on the root router so a method mismatch answers 405.
	h.r.HandleFunc(PathPrefix+"healthz", h.healthz).Methods(http.MethodGet)
	h.r.HandleFunc(PathPrefix+"apps", h.listApps).Methods(http.MethodGet)
	h.r.HandleFunc(PathPrefix+"apps/{uid}/logs", h.appLogs).Methods(http.MethodGet)
	h.r.HandleFunc(PathPrefix+"jobs", h.listJobs).Methods(http.MethodGet)
	h.r.HandleFunc(PathPrefix+"jobs/{uid}/runs", h.jobRuns).Methods(http.MethodGet)
	h.r.HandleFunc(PathPrefix+"runs", h.recentRuns).Methods(http.MethodGet)
	h.r.HandleFunc(PathPrefix+"runs/{id}", h.getRun).Methods(http.MethodGet)
	h.r.HandleFunc(PathPrefix+"manifest", h.getManifest).Methods(http.MethodGet)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.r.ServeHTTP(w, r)
}

// respond writes resp as JSON, or err as a plain text error. Errors that do
// not carry a status are reported with status.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, resp any, err error, status int) {
	if err != nil {
		var he *httpError
		if errors.As(err, &he) {
			status = he.status
		}
		h.logger.Warn("API request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("Failed to encode API response", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, map[string]string{"status": "ok"}, nil, http.StatusOK)
}

func (h *Handler) listApps(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.processes.Processes(), nil, http.StatusOK)
}

func (h *Handler) appLogs(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	since, err := queryInt(r, "since", 0)
	if err != nil {
		h.respond(w, r, nil, err, http.StatusBadRequest)
		return
	}
	limit, err := queryLimit(r, defaultLogLimit)
	if err != nil {
		h.respond(w, r, nil, err, http.StatusBadRequest)
		return
	}
	entries, err := h.processes.Logs(uid, int64(since), limit)
	if errors.Is(err, processes.ErrNotRunning) {
		err = notFound(err)
	}
	h.respond(w, r, entries, err, http.StatusInternalServerError)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.jobs.Jobs(), nil, http.StatusOK)
}

func (h *Handler) jobRuns(w http.ResponseWriter, r *http.Request) {
	h.runs(w, r, mux.Vars(r)["uid"])
}

func (h *Handler) recentRuns(w http.ResponseWriter, r *http.Request) {
	h.runs(w, r, "")
}

func (h *Handler) runs(w http.ResponseWriter, r *http.Request, jobUID string) {
	if h.history == nil {
		h.respond(w, r, nil, notFound(errors.New("run history is disabled")), http.StatusNotFound)
		return
	}
	limit, err := queryLimit(r, defaultRunLimit)
	if err != nil {
		h.respond(w, r, nil, err, http.StatusBadRequest)
		return
	}
	runs, err := h.history.RecentRuns(r.Context(), jobUID, limit)
	h.respond(w, r, runs, err, http.StatusInternalServerError)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respond(w, r, nil, notFound(errors.New("run history is disabled")), http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]
	run, err := h.history.GetRun(r.Context(), id)
	if errors.Is(err, runlog.ErrRunNotFound) {
		err = notFound(err)
	}
	if err != nil {
		h.respond(w, r, nil, err, http.StatusInternalServerError)
		return
	}
	logs, err := h.history.RunLogs(r.Context(), id)
	h.respond(w, r, RunDetail{Run: *run, Logs: logs}, err, http.StatusInternalServerError)
}

func (h *Handler) getManifest(w http.ResponseWriter, r *http.Request) {
	if h.manifest == nil {
		h.respond(w, r, nil, notFound(errors.New("no manifest configured")), http.StatusNotFound)
		return
	}
	m, err := h.manifest.Read()
	h.respond(w, r, m, err, http.StatusServiceUnavailable)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest(errors.New("invalid " + name + " parameter: " + v))
	}
	return n, nil
}

func queryLimit(r *http.Request, def int) (int, error) {
	limit, err := queryInt(r, "limit", def)
	if err != nil {
		return 0, err
	}
	if limit == 0 {
		limit = def
	}
	return min(limit, maxLimit), nil
}
