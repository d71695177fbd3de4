package httpapi

import (
	"net/http"

	"gestor.app/internal/audit"
	"gestor.app/internal/auth"
)

type replaceGrantsRequest struct {
	ComponentIDs *[]int64 `json:"component_ids"`
}

type setStateRequest struct {
	State string `json:"state"`
}

// requireSuperAdmin rejects non-admin callers before any input is read, so
// they never learn how a request would have been validated.
func requireSuperAdmin(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, _ := auth.PrincipalFromContext(r.Context())
	if !p.SuperAdmin {
		writeAuthError(w, r, auth.ErrDenied)
		return p, false
	}
	return p, true
}

func (a *API) handleReplaceGroupGrants(w http.ResponseWriter, r *http.Request) {
	p, ok := requireSuperAdmin(w, r)
	if !ok {
		return
	}
	groupID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req replaceGrantsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// An empty array revokes everything; a missing or null list is a mistake.
	if req.ComponentIDs == nil {
		writeError(w, r, http.StatusBadRequest, "component_ids must be an array")
		return
	}
	ids, err := a.admin.ReplaceGroupGrants(r.Context(), p, groupID, *req.ComponentIDs)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "group.grants.replaced", map[string]any{
		"group_id":      groupID,
		"component_ids": ids,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id":      groupID,
		"component_ids": ids,
	})
}

func (a *API) handleSetGroupState(w http.ResponseWriter, r *http.Request) {
	p, ok := requireSuperAdmin(w, r)
	if !ok {
		return
	}
	groupID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req setStateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	state, err := auth.ParseGroupState(req.State)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	g, err := a.admin.SetGroupState(r.Context(), p, groupID, state)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "group.state.changed", map[string]any{
		"group_id": g.ID,
		"group":    g.Name,
		"state":    string(g.State),
	})
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handlePruneGrants(w http.ResponseWriter, r *http.Request) {
	p, ok := requireSuperAdmin(w, r)
	if !ok {
		return
	}
	n, err := a.admin.PruneGrants(r.Context(), p)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "grants.pruned", map[string]any{"pruned": n})
	writeJSON(w, http.StatusOK, map[string]any{"pruned": n})
}
