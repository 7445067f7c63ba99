package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/taskd/internal/errors"
	"github.com/3leaps/taskd/pkg/artifact"
	"github.com/3leaps/taskd/pkg/job"
)

// PermissionsHeader carries the caller's granted permissions, comma
// separated.
const PermissionsHeader = "X-Permissions"

// OperatorPermission grants the operator view of alarms and every job.
const OperatorPermission = "admin"

var validate = validator.New()

// LaunchRequest is the body of POST /jobs.
type LaunchRequest struct {
	Name    string         `json:"name" validate:"required"`
	OwnerID int            `json:"owner_id" validate:"gte=0"`
	Params  map[string]any `json:"params"`
}

// JobView is the caller-facing snapshot of a job.
type JobView struct {
	ID          int64      `json:"id"`
	OwnerID     int        `json:"owner_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
	State       job.State  `json:"state"`
	Alive       bool       `json:"alive"`
	Percent     int        `json:"percent"`
	MainPercent int        `json:"main_percent"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	Elapsed     string     `json:"elapsed"`
	RunTime     string     `json:"run_time"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Files       []string   `json:"files,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// NewJobView snapshots j.
func NewJobView(j *job.Job) JobView {
	v := JobView{
		ID:          j.ID(),
		OwnerID:     j.OwnerID(),
		Name:        j.Name(),
		Description: j.Description(),
		Permissions: j.Permissions(),
		State:       j.State(),
		Alive:       j.Alive(),
		Percent:     j.PercentComplete(),
		MainPercent: j.MainPercent(),
		Status:      j.StatusText(),
		Message:     j.Message(),
		Elapsed:     j.Elapsed().Round(time.Millisecond).String(),
		RunTime:     j.RunTime().Round(time.Millisecond).String(),
	}
	if t := j.StartedAt(); !t.IsZero() {
		t = t.UTC()
		v.StartedAt = &t
	}
	if t := j.EndedAt(); !t.IsZero() {
		t = t.UTC()
		v.EndedAt = &t
	}
	for _, f := range j.Files() {
		v.Files = append(v.Files, filepath.Base(f))
	}
	if err := j.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

// JobsConfig wires a JobsHandler.
type JobsConfig struct {
	Manager   *job.Manager
	Factory   *job.Factory
	Artifacts *artifact.Store

	// StartWait is passed to RegisterAndStart.
	StartWait time.Duration

	// RemoveWait bounds the join on DELETE.
	RemoveWait time.Duration

	Logger *zap.Logger
}

// JobsHandler serves the job registry.
type JobsHandler struct {
	cfg    JobsConfig
	logger *zap.Logger
}

// NewJobsHandler creates a handler over cfg.
func NewJobsHandler(cfg JobsConfig) *JobsHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{cfg: cfg, logger: logger.Named("http.jobs")}
}

// Routes mounts the job endpoints on r.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Launch)
	r.Post("/reap", h.Reap)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Post("/abort", h.Abort)
		r.Get("/files", h.ListFiles)
		r.Get("/files/{name}", h.Download)
	})
}

// List handles GET /jobs with optional owner and name filters.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")

	var jobs []*job.Job
	switch owner := q.Get("owner"); {
	case owner != "":
		id, err := strconv.Atoi(owner)
		if err != nil {
			respondWithError(w, r, fmt.Errorf("%w: owner %q", apperrors.ErrBadRequest, owner))
			return
		}
		if name != "" {
			jobs = h.cfg.Manager.FindOwnerJobs(name, id)
		} else {
			jobs = h.cfg.Manager.ListForOwner(id)
		}
	case name != "":
		jobs = h.cfg.Manager.FindJobs(name)
	default:
		jobs = h.cfg.Manager.ListAll()
	}

	has := grants(r)
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		if j.Allows(has) {
			views = append(views, NewJobView(j))
		}
	}
	sort.Slice(views, func(a, b int) bool { return views[a].ID < views[b].ID })
	apperrors.RespondWithJSON(w, http.StatusOK, views)
}

// Launch handles POST /jobs.
func (h *JobsHandler) Launch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err))
		return
	}
	if err := validate.Struct(req); err != nil {
		respondWithError(w, r, err)
		return
	}

	j, err := h.cfg.Factory.Build(req.OwnerID, req.Name, h.finished)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if !j.Allows(grants(r)) {
		respondWithError(w, r, fmt.Errorf("%w: job %q requires one of %v", apperrors.ErrForbidden, req.Name, j.Permissions()))
		return
	}
	if err := j.SetParams(normalizeNumbers(req.Params)); err != nil {
		respondWithError(w, r, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err))
		return
	}

	alive, err := h.cfg.Manager.RegisterAndStart(j, h.cfg.StartWait)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Info("Job launched",
		zap.Int64("job_id", j.ID()),
		zap.String("job_name", j.Name()),
		zap.Int("owner_id", j.OwnerID()),
		zap.Bool("alive", alive))

	w.Header().Set("Location", fmt.Sprintf("%s/%d", strings.TrimSuffix(r.URL.Path, "/"), j.ID()))
	status := http.StatusOK
	if alive {
		status = http.StatusAccepted
	}
	apperrors.RespondWithJSON(w, status, NewJobView(j))
}

// Get handles GET /jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	apperrors.RespondWithJSON(w, http.StatusOK, NewJobView(j))
}

// Abort handles POST /jobs/{id}/abort.
func (h *JobsHandler) Abort(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	aborted, err := h.cfg.Manager.Abort(j.ID())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.RespondWithJSON(w, http.StatusOK, map[string]any{
		"aborted": aborted,
		"job":     NewJobView(j),
	})
}

// Delete handles DELETE /jobs/{id}: the job is joined, unregistered, and
// its artifacts removed.
func (h *JobsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.cfg.Manager.Remove(j.ID(), h.cfg.RemoveWait); err != nil {
		respondWithError(w, r, err)
		return
	}
	if h.cfg.Artifacts != nil {
		if err := h.cfg.Artifacts.Remove(j.ID()); err != nil {
			h.logger.Warn("Failed to remove artifacts", zap.Int64("job_id", j.ID()), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reap handles POST /jobs/reap.
func (h *JobsHandler) Reap(w http.ResponseWriter, r *http.Request) {
	if !grants(r)(OperatorPermission) {
		respondWithError(w, r, fmt.Errorf("%w: reaping requires %s", apperrors.ErrForbidden, OperatorPermission))
		return
	}
	apperrors.RespondWithJSON(w, http.StatusOK, map[string]int{"removed": h.cfg.Manager.ReapCompleted()})
}

// ListFiles handles GET /jobs/{id}/files. Artifacts outlive registry
// membership, so the id need not be registered.
func (h *JobsHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := h.artifactJob(w, r)
	if !ok {
		return
	}
	files, err := h.cfg.Artifacts.List(id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if files == nil {
		files = []artifact.Info{}
	}
	apperrors.RespondWithJSON(w, http.StatusOK, files)
}

// Download handles GET /jobs/{id}/files/{name}.
func (h *JobsHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := h.artifactJob(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	f, err := h.cfg.Artifacts.Open(id, name)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// artifactJob parses the id and checks the caller may read the job's
// artifacts. A registered job decides by itself; otherwise the access record
// written with the artifacts does. Artifacts without a record are left to
// operators.
func (h *JobsHandler) artifactJob(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if h.cfg.Artifacts == nil {
		respondWithError(w, r, fmt.Errorf("%w: artifacts are not enabled", job.ErrNotFound))
		return 0, false
	}
	id, err := parseID(r)
	if err != nil {
		respondWithError(w, r, err)
		return 0, false
	}

	has := grants(r)
	allowed := true
	if j, ok := h.cfg.Manager.FindJob(id); ok {
		allowed = j.Allows(has)
	} else {
		access, ok, err := h.cfg.Artifacts.Access(id)
		if err != nil {
			respondWithError(w, r, err)
			return 0, false
		}
		if ok {
			allowed = access.Allows(has)
		} else if files, err := h.cfg.Artifacts.List(id); err != nil || len(files) > 0 {
			allowed = has(OperatorPermission)
		}
	}
	if !allowed {
		respondWithError(w, r, fmt.Errorf("%w: job %d", apperrors.ErrForbidden, id))
		return 0, false
	}
	return id, true
}

func (h *JobsHandler) lookup(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	id, err := parseID(r)
	if err != nil {
		respondWithError(w, r, err)
		return nil, false
	}
	j, ok := h.cfg.Manager.FindJob(id)
	if !ok {
		respondWithError(w, r, fmt.Errorf("%w: %d", job.ErrNotFound, id))
		return nil, false
	}
	if !j.Allows(grants(r)) {
		respondWithError(w, r, fmt.Errorf("%w: job %d", apperrors.ErrForbidden, id))
		return nil, false
	}
	return j, true
}

func (h *JobsHandler) finished(id int64, name string) error {
	h.logger.Debug("Job finished", zap.Int64("job_id", id), zap.String("job_name", name))
	return nil
}

func parseID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: job id %q", apperrors.ErrBadRequest, raw)
	}
	return id, nil
}

// grants returns a membership test over the caller's X-Permissions.
// Operators hold every permission.
func grants(r *http.Request) func(string) bool {
	held := make(map[string]bool)
	for _, p := range strings.Split(r.Header.Get(PermissionsHeader), ",") {
		if p = strings.TrimSpace(p); p != "" {
			held[p] = true
		}
	}
	return func(perm string) bool {
		return held[perm] || held[OperatorPermission]
	}
}

// normalizeNumbers turns json.Number values into int64 or float64 so job
// params decode the same as values read from config.
func normalizeNumbers(in map[string]any) map[string]any {
	for k, v := range in {
		in[k] = normalizeValue(v)
	}
	return in
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		return normalizeNumbers(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	}
	return v
}
