package api

import (
	"net/http"

	"github.com/xraph/conduit/job"
)

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	TenantID    string     `json:"tenant_id,omitempty"`
	Jobs        job.Counts `json:"jobs"`
	Total       int64      `json:"total"`
	DeadLetters int64      `json:"dead_letters"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.URL.Query().Get("tenant_id")

	counts, err := a.eng.Queue().Stats(ctx, tenantID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	dead, err := a.eng.Store().CountDLQ(ctx, tenantID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		TenantID:    tenantID,
		Jobs:        counts,
		Total:       counts.Total(),
		DeadLetters: dead,
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Store().Ping(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
