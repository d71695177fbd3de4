package auth

import (
	"context"
)

// Reason explains a decision. Reasons are diagnostic only and never shown
// to principals without the super admin capability.
type Reason string

const (
	ReasonAdminOverride         Reason = "AdminOverride"
	ReasonGrantedViaComponent   Reason = "GrantedViaComponent"
	ReasonNoActiveGroups        Reason = "NoActiveGroups"
	ReasonNoGrantingGroupActive Reason = "NoGrantingGroupActive"
	ReasonFormInactive          Reason = "FormInactive"
	ReasonFormNotFound          Reason = "FormNotFound"
	ReasonComponentInactive     Reason = "ComponentInactive"
	ReasonComponentNotFound     Reason = "ComponentNotFound"
)

// ComponentReport is one component as seen by the reporter. GrantedTo is the
// store truth regardless of lifecycle state.
type ComponentReport struct {
	Component Component `json:"component"`
	Visible   bool      `json:"visible"`
	GrantedTo []Group   `json:"granted_to"`
	Grants    bool      `json:"grants_access"`
}

// Report explains a form decision. Allowed always equals what HasFormAccess
// returns for the same principal, route and store contents.
type Report struct {
	Route              string            `json:"route"`
	Module             *Module           `json:"module,omitempty"`
	Form               *Form             `json:"form,omitempty"`
	Components         []ComponentReport `json:"components"`
	SuperAdminSnapshot bool              `json:"super_admin_snapshot"`
	SuperAdminLive     bool              `json:"super_admin_live"`
	SnapshotGroups     []string          `json:"snapshot_groups"`
	ActiveGroups       []Group           `json:"active_groups"`
	Allowed            bool              `json:"allowed"`
	Reason             Reason            `json:"reason"`
	GrantedVia         []int64           `json:"granted_via,omitempty"`
}

// ComponentExplanation explains a component decision.
type ComponentExplanation struct {
	ComponentID        int64   `json:"component_id"`
	Path               *Path   `json:"path,omitempty"`
	GrantedTo          []Group `json:"granted_to"`
	ActiveGroups       []Group `json:"active_groups"`
	SuperAdminSnapshot bool    `json:"super_admin_snapshot"`
	SuperAdminLive     bool    `json:"super_admin_live"`
	Allowed            bool    `json:"allowed"`
	Reason             Reason  `json:"reason"`
	GrantedVia         []int64 `json:"granted_via,omitempty"`
}

// Reporter produces read-side explanations. It is never used to gate access.
type Reporter struct {
	eval *Evaluator
}

func NewReporter(eval *Evaluator) *Reporter {
	return &Reporter{eval: eval}
}

// Explain traces every component of the routed form.
func (r *Reporter) Explain(ctx context.Context, p Principal, route string) (Report, error) {
	ctx, span := r.eval.tracer.Start(ctx, "authz.Explain")
	defer span.End()

	out, err := r.eval.evaluateForm(ctx, p, route, true)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		Route:              out.Route,
		SuperAdminSnapshot: p.SuperAdmin,
		SnapshotGroups:     append([]string(nil), p.Groups...),
		Allowed:            out.Allowed,
		Reason:             out.Reason,
		GrantedVia:         out.grantedVia(),
		Components:         []ComponentReport{},
	}
	if out.Found {
		module, form := out.Tree.Module, out.Tree.Form
		rep.Module, rep.Form = &module, &form
	}
	for _, c := range out.Components {
		rep.Components = append(rep.Components, ComponentReport{
			Component: c.Component,
			Visible:   c.Visible,
			GrantedTo: nonNilGroups(c.Granted),
			Grants:    c.Visible && len(c.Via) > 0,
		})
	}
	if rep.SuperAdminLive, err = r.liveAdmin(ctx, p); err != nil {
		return Report{}, err
	}
	if rep.ActiveGroups, err = r.activeGroups(ctx, p); err != nil {
		return Report{}, err
	}
	return rep, nil
}

// ExplainComponent traces a single component, for the component explorer.
// The override is reported but the underlying grant facts are always loaded.
func (r *Reporter) ExplainComponent(ctx context.Context, p Principal, componentID int64) (ComponentExplanation, error) {
	ctx, span := r.eval.tracer.Start(ctx, "authz.ExplainComponent")
	defer span.End()

	out, err := r.eval.traceComponent(ctx, p, componentID)
	if err != nil {
		return ComponentExplanation{}, err
	}
	exp := ComponentExplanation{
		ComponentID:        componentID,
		GrantedTo:          nonNilGroups(out.Granted),
		SuperAdminSnapshot: p.SuperAdmin,
		Allowed:            out.Allowed,
		Reason:             out.Reason,
		GrantedVia:         out.Via,
	}
	if out.Found {
		path := out.Path
		exp.Path = &path
	}
	if p.SuperAdmin {
		exp.Allowed, exp.Reason = true, ReasonAdminOverride
	}
	if exp.SuperAdminLive, err = r.liveAdmin(ctx, p); err != nil {
		return ComponentExplanation{}, err
	}
	if exp.ActiveGroups, err = r.activeGroups(ctx, p); err != nil {
		return ComponentExplanation{}, err
	}
	return exp, nil
}

// liveAdmin reports whether any snapshot group still carries the capability.
func (r *Reporter) liveAdmin(ctx context.Context, p Principal) (bool, error) {
	for _, name := range p.Groups {
		ok, err := r.eval.graph.IsAdminGroup(ctx, name)
		if err != nil {
			return false, unavailable("admin group", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reporter) activeGroups(ctx context.Context, p Principal) ([]Group, error) {
	groups, err := r.eval.lifecycle.Memberships(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	active := []Group{}
	for _, g := range groups {
		if g.State == GroupActive {
			active = append(active, g)
		}
	}
	return active, nil
}

func nonNilGroups(g []Group) []Group {
	if g == nil {
		return []Group{}
	}
	return g
}
