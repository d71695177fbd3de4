package auth

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gestor.app/internal/obs"
)

const tracerName = "gestor.app/internal/auth"

const (
	checkComponent = "component"
	checkForm      = "form"
	checkCore      = "core"
)

// Evaluator makes authorization decisions. Fine-grained checks consult the
// store live on every call; the core check reads only the token snapshot.
// Evaluations share no mutable state and never retry.
type Evaluator struct {
	graph     GraphStore
	lifecycle *LifecycleResolver
	cores     *CoreMap
	log       zerolog.Logger
	tracer    trace.Tracer
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithCores sets the core map used by HasCoreAccess.
func WithCores(m *CoreMap) EvaluatorOption {
	return func(e *Evaluator) {
		if m != nil {
			e.cores = m
		}
	}
}

// WithEvaluatorLogger sets the logger used when the request context carries none.
func WithEvaluatorLogger(l zerolog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.log = l }
}

func NewEvaluator(graph GraphStore, members MembershipStore, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		graph:     graph,
		lifecycle: NewLifecycleResolver(members),
		cores:     DefaultCores(),
		log:       zerolog.Nop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cores exposes the core map, e.g. for hot reload.
func (e *Evaluator) Cores() *CoreMap { return e.cores }

// HasPermission reports whether p may use the component. Missing, inactive
// and ungranted components all yield false; only store failures yield an
// error, which wraps ErrUnavailable.
func (e *Evaluator) HasPermission(ctx context.Context, p Principal, componentID int64) (bool, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "authz.HasPermission", trace.WithAttributes(
		attribute.Int64("authz.user_id", p.UserID),
		attribute.Int64("authz.component_id", componentID),
	))
	defer span.End()

	out, err := e.evaluateComponent(ctx, p, componentID)
	e.observe(ctx, span, checkComponent, start, out.Allowed, out.Reason, err)
	if err != nil {
		return false, err
	}
	return out.Allowed, nil
}

// HasFormAccess reports whether p may open the routed form: true when at
// least one visible component on it is granted to one of p's active groups.
// A form with no active components denies every non-admin.
func (e *Evaluator) HasFormAccess(ctx context.Context, p Principal, route string) (bool, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "authz.HasFormAccess", trace.WithAttributes(
		attribute.Int64("authz.user_id", p.UserID),
		attribute.String("authz.route", route),
	))
	defer span.End()

	out, err := e.evaluateForm(ctx, p, route, false)
	e.observe(ctx, span, checkForm, start, out.Allowed, out.Reason, err)
	if err != nil {
		return false, err
	}
	return out.Allowed, nil
}

// HasCoreAccess is the coarse legacy gate. It trusts the login snapshot and
// never touches the store, so it cannot fail.
func (e *Evaluator) HasCoreAccess(p Principal, coreID string) bool {
	start := time.Now()
	allowed := e.cores.Allows(p, coreID)
	outcome := obs.OutcomeDeny
	if allowed {
		outcome = obs.OutcomeAllow
	}
	obs.ObserveDecision(checkCore, outcome, time.Since(start))
	e.log.Debug().Int64("user_id", p.UserID).Str("core", coreID).Bool("allowed", allowed).Msg("core access")
	return allowed
}

// componentOutcome is the full trace of a component decision.
type componentOutcome struct {
	Allowed bool
	Reason  Reason
	Path    Path
	Found   bool
	Active  GroupSet
	Granted []Group
	Via     []int64
}

func (e *Evaluator) evaluateComponent(ctx context.Context, p Principal, componentID int64) (componentOutcome, error) {
	if p.SuperAdmin {
		return componentOutcome{Allowed: true, Reason: ReasonAdminOverride}, nil
	}
	return e.traceComponent(ctx, p, componentID)
}

// traceComponent evaluates the component rule without the admin override.
func (e *Evaluator) traceComponent(ctx context.Context, p Principal, componentID int64) (componentOutcome, error) {
	var out componentOutcome
	if err := ctx.Err(); err != nil {
		return out, unavailable("resolve component", err)
	}
	path, err := e.graph.ResolvePath(ctx, componentID)
	switch {
	case errors.Is(err, ErrNotFound):
		out.Reason = ReasonComponentNotFound
		return out, nil
	case err != nil:
		return out, unavailable("resolve component", err)
	}
	out.Path, out.Found = path, true

	if out.Active, err = e.lifecycle.ActiveGroups(ctx, p.UserID); err != nil {
		return out, err
	}
	if out.Granted, err = e.graph.GroupsGrantedTo(ctx, componentID); err != nil {
		return out, unavailable("component grants", err)
	}
	out.Via = out.Active.Intersect(out.Granted)

	switch {
	case !path.Visible():
		out.Reason = ReasonComponentInactive
	case len(out.Active) == 0:
		out.Reason = ReasonNoActiveGroups
	case len(out.Via) == 0:
		out.Reason = ReasonNoGrantingGroupActive
	default:
		out.Allowed, out.Reason = true, ReasonGrantedViaComponent
	}
	return out, nil
}

// componentTrace is one component's contribution to a form decision.
type componentTrace struct {
	Component Component
	Visible   bool
	Granted   []Group
	Via       []int64
}

// formOutcome is the full trace of a form decision.
type formOutcome struct {
	Allowed    bool
	Reason     Reason
	Route      string
	Tree       FormTree
	Found      bool
	Active     GroupSet
	Components []componentTrace
}

func (o formOutcome) grantedVia() []int64 {
	var ids []int64
	for _, c := range o.Components {
		if c.Visible && len(c.Via) > 0 {
			ids = append(ids, c.Component.ID)
		}
	}
	return ids
}

// evaluateForm gathers the facts behind a form decision and then decides.
// With full set every component is traced; otherwise lookups stop once the
// decision is settled. Both modes reach the same decision.
func (e *Evaluator) evaluateForm(ctx context.Context, p Principal, route string, full bool) (formOutcome, error) {
	out := formOutcome{Route: NormalizeRoute(route)}
	if out.Route == "" {
		return decideForm(p, out), nil
	}
	if err := ctx.Err(); err != nil {
		return out, unavailable("resolve form", err)
	}
	tree, err := LoadFormTree(ctx, e.graph, out.Route)
	switch {
	case errors.Is(err, ErrNotFound):
		return decideForm(p, out), nil
	case err != nil:
		return out, unavailable("resolve form", err)
	}
	out.Tree, out.Found = tree, true

	if !full && (!tree.Visible() || p.SuperAdmin) {
		return decideForm(p, out), nil
	}

	if out.Active, err = e.lifecycle.ActiveGroups(ctx, p.UserID); err != nil {
		return out, err
	}
	for _, c := range tree.Components {
		ct := componentTrace{Component: c, Visible: tree.Path(c).Visible()}
		if !full && (!ct.Visible || len(out.Active) == 0) {
			out.Components = append(out.Components, ct)
			continue
		}
		if ct.Granted, err = e.graph.GroupsGrantedTo(ctx, c.ID); err != nil {
			return out, unavailable("component grants", err)
		}
		ct.Via = out.Active.Intersect(ct.Granted)
		out.Components = append(out.Components, ct)
		if !full && ct.Visible && len(ct.Via) > 0 {
			break
		}
	}
	return decideForm(p, out), nil
}

// decideForm applies the form rule to gathered facts, in order: form
// missing, form or module inactive, admin override, no active groups, any
// visible granted component.
func decideForm(p Principal, out formOutcome) formOutcome {
	switch {
	case !out.Found:
		out.Reason = ReasonFormNotFound
	case !out.Tree.Visible():
		out.Reason = ReasonFormInactive
	case p.SuperAdmin:
		out.Allowed, out.Reason = true, ReasonAdminOverride
	case len(out.Active) == 0:
		out.Reason = ReasonNoActiveGroups
	case len(out.grantedVia()) > 0:
		out.Allowed, out.Reason = true, ReasonGrantedViaComponent
	default:
		out.Reason = ReasonNoGrantingGroupActive
	}
	return out
}

func (e *Evaluator) observe(ctx context.Context, span trace.Span, check string, start time.Time, allowed bool, reason Reason, err error) {
	outcome := obs.OutcomeDeny
	switch {
	case err != nil:
		outcome = obs.OutcomeUnavailable
	case allowed:
		outcome = obs.OutcomeAllow
	}
	took := time.Since(start)
	obs.ObserveDecision(check, outcome, took)

	span.SetAttributes(attribute.String("authz.outcome", outcome))
	if reason != "" {
		span.SetAttributes(attribute.String("authz.reason", string(reason)))
	}

	l := e.logger(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorization unavailable")
		l.Warn().Err(err).Str("check", check).Dur("took", took).Msg("authorization unavailable")
		return
	}
	l.Debug().Str("check", check).Str("outcome", outcome).Str("reason", string(reason)).Dur("took", took).Msg("authorization decision")
}

func (e *Evaluator) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &e.log
}
