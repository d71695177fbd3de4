package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v5"

	"gestor.app/internal/auth"
)

// retryUnavailable runs op and retries it once when the store was
// unavailable. Decisions and other errors are returned as they are.
func retryUnavailable[T any](ctx context.Context, a *API, op func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retryWait
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !errors.Is(err, auth.ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(2))
}

func (a *API) handleComponentCheck(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	allowed, err := retryUnavailable(r.Context(), a, func(ctx context.Context) (bool, error) {
		return a.eval.HasPermission(ctx, p, id)
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"component_id": id,
		"allowed":      allowed,
	})
}

func (a *API) handleFormCheck(w http.ResponseWriter, r *http.Request) {
	route := strings.TrimSpace(r.URL.Query().Get("route"))
	if route == "" {
		writeError(w, r, http.StatusBadRequest, "route is required")
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	allowed, err := retryUnavailable(r.Context(), a, func(ctx context.Context) (bool, error) {
		return a.eval.HasFormAccess(ctx, p, route)
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	resp := map[string]any{
		"route":   auth.NormalizeRoute(route),
		"allowed": allowed,
	}
	if core, ok := a.eval.Cores().CoreForRoute(route); ok {
		resp["core"] = core
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCoreCheck(w http.ResponseWriter, r *http.Request) {
	core := strings.TrimSpace(r.PathValue("core"))
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"core":    core,
		"allowed": a.eval.HasCoreAccess(p, core),
	})
}

// handleExplain is limited to super admins; other principals never see why
// a decision was made.
func (a *API) handleExplain(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	if !p.SuperAdmin {
		writeAuthError(w, r, auth.ErrDenied)
		return
	}
	route := strings.TrimSpace(r.URL.Query().Get("route"))
	if route == "" {
		writeError(w, r, http.StatusBadRequest, "route is required")
		return
	}
	subject, err := a.subject(r, p)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	report, err := retryUnavailable(r.Context(), a, func(ctx context.Context) (auth.Report, error) {
		return a.reporter.Explain(ctx, subject, route)
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleExplainComponent(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	if !p.SuperAdmin {
		writeAuthError(w, r, auth.ErrDenied)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subject, err := a.subject(r, p)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	expl, err := retryUnavailable(r.Context(), a, func(ctx context.Context) (auth.ComponentExplanation, error) {
		return a.reporter.ExplainComponent(ctx, subject, id)
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expl)
}

// subject resolves the principal a diagnostic is run for. Admins may pass
// ?user_id= to explain another user's live standing; the snapshot is then
// rebuilt from that user's current active groups.
func (a *API) subject(r *http.Request, caller auth.Principal) (auth.Principal, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if raw == "" {
		return caller, nil
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return auth.Principal{}, fmt.Errorf("%w: user_id must be a positive integer", auth.ErrInvalidInput)
	}
	return a.sessions.PrincipalFor(r.Context(), userID)
}
