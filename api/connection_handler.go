package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/supervisor"
)

func (a *API) listConnections(w http.ResponseWriter, _ *http.Request) {
	snaps := []supervisor.Snapshot{}
	if sup := a.eng.Supervisor(); sup != nil {
		snaps = sup.Snapshots()
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (a *API) reconnectTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	sup := a.eng.Supervisor()
	if sup == nil {
		a.writeError(w, r, fmt.Errorf("no upstream source configured: %w", conduit.ErrTenantNotFound))
		return
	}

	err := sup.Reconnect(r.Context(), tenantID)
	snap, ok := sup.Snapshot(tenantID)
	if err != nil && !ok {
		a.writeError(w, r, err)
		return
	}
	if err != nil {
		// The attempt failed but the tenant is still registered with a
		// reconnect scheduled.
		writeJSON(w, http.StatusAccepted, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) disconnectTenant(w http.ResponseWriter, r *http.Request) {
	sup := a.eng.Supervisor()
	if sup == nil {
		a.writeError(w, r, fmt.Errorf("no upstream source configured: %w", conduit.ErrTenantNotFound))
		return
	}
	if err := sup.DisconnectTenant(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
