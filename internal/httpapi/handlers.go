package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"gestor.app/internal/auth"
	"gestor.app/internal/obs"
)

const serviceName = "gestor-authz"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Pinger is anything that can report whether its backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks every backend the authorization path depends on.
type ReadyProbe struct {
	Checks []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, p := range rp.Checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Sessions  *auth.Service
	Evaluator *auth.Evaluator
	Admin     *auth.Admin
	Ready     readinessChecker
	Version   string
}

// API is the HTTP transport for sessions, authorization checks and
// permission administration.
type API struct {
	mux      *http.ServeMux
	sessions *auth.Service
	eval     *auth.Evaluator
	reporter *auth.Reporter
	admin    *auth.Admin
	ready    readinessChecker
	version  string

	rateBurst    int
	ratePerSec   int
	cookieSecure bool
	retryWait    time.Duration
	log          zerolog.Logger
}

// Option configures API behavior.
type Option func(*API)

// WithLoginRateLimit bounds login attempts per client IP.
func WithLoginRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

// WithSecureCookies marks the session cookie Secure.
func WithSecureCookies(secure bool) Option {
	return func(a *API) { a.cookieSecure = secure }
}

// WithRetryWait sets the initial wait before an unavailable check is retried.
func WithRetryWait(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.retryWait = d
		}
	}
}

// WithLogger sets the logger request logs and handler errors are written to.
func WithLogger(l zerolog.Logger) Option {
	return func(a *API) { a.log = l }
}

func New(deps Deps, opts ...Option) (*API, error) {
	if deps.Sessions == nil || deps.Evaluator == nil || deps.Admin == nil {
		return nil, errors.New("httpapi: sessions, evaluator and admin are required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		sessions:   deps.Sessions,
		eval:       deps.Evaluator,
		reporter:   auth.NewReporter(deps.Evaluator),
		admin:      deps.Admin,
		ready:      deps.Ready,
		version:    deps.Version,
		rateBurst:  5,
		ratePerSec: 1,
		retryWait:  50 * time.Millisecond,
		log:        obs.Logger(),
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /v1/auth/login", RateLimit(http.HandlerFunc(a.handleLogin), a.rateBurst, a.ratePerSec))
	a.mux.Handle("POST /v1/auth/logout", a.withSession(a.handleLogout))
	a.mux.Handle("GET /v1/auth/me", a.withSession(a.handleMe))

	a.mux.Handle("GET /v1/authz/components/{id}", a.withSession(a.handleComponentCheck))
	a.mux.Handle("GET /v1/authz/forms", a.withSession(a.handleFormCheck))
	a.mux.Handle("GET /v1/authz/cores/{core}", a.withSession(a.handleCoreCheck))
	a.mux.Handle("GET /v1/authz/explain", a.withSession(a.handleExplain))
	a.mux.Handle("GET /v1/authz/explain/components/{id}", a.withSession(a.handleExplainComponent))

	a.mux.Handle("PUT /v1/groups/{id}/components", a.withSession(a.handleReplaceGroupGrants))
	a.mux.Handle("PUT /v1/groups/{id}/state", a.withSession(a.handleSetGroupState))
	a.mux.Handle("POST /v1/admin/grants/prune", a.withSession(a.handlePruneGrants))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return withRequestID(h, &a.log)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
