package handlers

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/snapvault/internal/errors"
	"github.com/3leaps/snapvault/pkg/jobstate"
	"github.com/3leaps/snapvault/pkg/schedule"
	"github.com/3leaps/snapvault/pkg/task"
	"github.com/3leaps/snapvault/pkg/verify"
)

// OwnerHeader names the user a manual run is attributed to.
const OwnerHeader = "X-Snapvault-User"

const defaultOwner = "api@snapvault"

// VerifyAPI serves verification jobs and their tasks.
type VerifyAPI struct {
	Jobs      *verify.Jobs
	States    *jobstate.Store
	Runner    *verify.Runner
	Scheduler *task.Scheduler
}

// Routes mounts the API below r.
func (a *VerifyAPI) Routes(r chi.Router) {
	r.Get("/jobs/verify", a.listJobs)
	r.Post("/jobs/verify/{id}/run", a.runJob)
	r.Get("/tasks", a.listTasks)
	r.Get("/tasks/{upid}", a.taskStatus)
	r.Get("/tasks/{upid}/log", a.taskLog)
	r.Post("/tasks/{upid}/abort", a.abortTask)
}

// JobView is one entry of GET /jobs/verify.
type JobView struct {
	ID       string           `json:"id"`
	Store    string           `json:"store"`
	Schedule string           `json:"schedule,omitempty"`
	NextRun  *time.Time       `json:"next_run,omitempty"`
	Comment  string           `json:"comment,omitempty"`
	State    *jobstate.Record `json:"state"`
}

// RunResponse is the body of an accepted run.
type RunResponse struct {
	UPID string `json:"upid"`
}

// TaskLog is the body of GET /tasks/{upid}/log.
type TaskLog struct {
	UPID    string        `json:"upid"`
	Running bool          `json:"running"`
	Outcome *task.Outcome `json:"outcome,omitempty"`
	Lines   []string      `json:"lines"`
}

func (a *VerifyAPI) listJobs(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	cfgs := a.Jobs.All()
	out := make([]JobView, 0, len(cfgs))
	for _, cfg := range cfgs {
		rec, err := a.States.Get(r.Context(), jobstate.ID{Type: verify.JobType, Name: cfg.ID})
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		view := JobView{ID: cfg.ID, Store: cfg.Store, Schedule: cfg.Schedule, Comment: cfg.Comment, State: rec}
		if cfg.Schedule != "" {
			if next, err := schedule.NextRun(cfg.Schedule, now); err == nil {
				view.NextRun = &next
			}
		}
		out = append(out, view)
	}
	apperrors.WriteJSON(w, http.StatusOK, out)
}

func (a *VerifyAPI) runJob(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.Jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		owner = defaultOwner
	}
	upid, err := a.Runner.Start(r.Context(), a.States, cfg, owner, "")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, RunResponse{UPID: upid})
}

func (a *VerifyAPI) listTasks(w http.ResponseWriter, _ *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, a.Scheduler.List())
}

func upidParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "upid")
	upid, err := url.PathUnescape(raw)
	if err != nil {
		return "", apperrors.NewBadRequest("invalid task id")
	}
	if _, err := task.ParseUPID(upid); err != nil {
		return "", apperrors.NewBadRequest("invalid task id: " + err.Error())
	}
	return upid, nil
}

func (a *VerifyAPI) taskStatus(w http.ResponseWriter, r *http.Request) {
	upid, err := upidParam(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	st, err := a.Scheduler.Status(upid)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	st.Log = nil
	apperrors.WriteJSON(w, http.StatusOK, st)
}

func (a *VerifyAPI) taskLog(w http.ResponseWriter, r *http.Request) {
	upid, err := upidParam(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	st, err := a.Scheduler.Status(upid)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	lines := st.Log
	if lines == nil {
		lines = []string{}
	}
	apperrors.WriteJSON(w, http.StatusOK, TaskLog{UPID: upid, Running: st.Running, Outcome: st.Outcome, Lines: lines})
}

func (a *VerifyAPI) abortTask(w http.ResponseWriter, r *http.Request) {
	upid, err := upidParam(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := a.Scheduler.RequestAbort(upid); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
