package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/id"
)

func (a *API) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	entries, err := a.eng.Queue().ListDeadLetters(r.Context(), dlq.ListOpts{
		Limit:    limit,
		Offset:   offset,
		TenantID: r.URL.Query().Get("tenant_id"),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) replayDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseDLQID(chi.URLParam(r, "entryID"))
	if err != nil {
		badRequest(w, "invalid DLQ entry ID: "+err.Error())
		return
	}

	j, err := a.eng.Queue().ReplayDeadLetter(r.Context(), entryID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}
