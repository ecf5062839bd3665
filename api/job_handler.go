package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
)

// EnqueueRequest is the body of POST /v1/jobs.
type EnqueueRequest struct {
	TenantID    string          `json:"tenant_id"`
	Kind        job.Kind        `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	NotBefore   time.Time       `json:"not_before,omitzero"`
}

// RetryRequest is the optional body of POST /v1/jobs/{jobID}/retry.
type RetryRequest struct {
	ScheduledFor time.Time `json:"scheduled_for,omitzero"`
}

// CountResponse reports how many jobs a bulk operation touched.
type CountResponse struct {
	Count int64 `json:"count"`
}

func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	var opts []job.Option
	if req.Priority != 0 {
		opts = append(opts, job.WithPriority(req.Priority))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if !req.NotBefore.IsZero() {
		opts = append(opts, job.WithNotBefore(req.NotBefore))
	}

	j, err := a.eng.Queue().Enqueue(r.Context(), req.TenantID, req.Kind, req.Payload, opts...)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		badRequest(w, "invalid job ID: "+err.Error())
		return
	}

	j, err := a.eng.Queue().Get(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		badRequest(w, "invalid job ID: "+err.Error())
		return
	}

	var req RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	j, err := a.eng.Queue().Retry(r.Context(), jobID, req.ScheduledFor)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) listFailed(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.eng.Queue().ListFailed(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := a.eng.Queue().RetryAllFailed(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (a *API) clearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := a.eng.Queue().ClearFailed(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}
