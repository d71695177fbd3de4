package auth

import (
	"context"
	"strings"
)

// Path is a component together with its resolved ancestors. The hierarchy is
// a strict tree, so a component has exactly one path.
type Path struct {
	Module    Module
	Form      Form
	Component Component
}

// FormVisible reports whether the owning form and module are both active.
func (p Path) FormVisible() bool {
	return p.Module.Active && p.Form.Active
}

// Visible reports whether the component and all of its ancestors are active.
func (p Path) Visible() bool {
	return p.FormVisible() && p.Component.Active
}

// FormTree is a form with its module and every component under it.
type FormTree struct {
	Module     Module
	Form       Form
	Components []Component
}

// Path builds the path of c inside the tree.
func (t FormTree) Path(c Component) Path {
	return Path{Module: t.Module, Form: t.Form, Component: c}
}

// Visible reports whether the form and its module are active.
func (t FormTree) Visible() bool {
	return t.Module.Active && t.Form.Active
}

// LoadFormTree resolves a routed form with its module and components. Both the
// evaluator and the reporter go through here.
func LoadFormTree(ctx context.Context, store GraphStore, route string) (FormTree, error) {
	form, err := store.FormByRoute(ctx, route)
	if err != nil {
		return FormTree{}, err
	}
	module, err := store.ModuleByID(ctx, form.ModuleID)
	if err != nil {
		return FormTree{}, err
	}
	components, err := store.ComponentsForForm(ctx, route)
	if err != nil {
		return FormTree{}, err
	}
	return FormTree{Module: module, Form: form, Components: components}, nil
}

// NormalizeRoute trims whitespace, drops the query string and any trailing
// slash, and ensures a leading slash. The empty route normalizes to "".
func NormalizeRoute(route string) string {
	route = strings.TrimSpace(route)
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	route = strings.TrimRight(route, "/")
	if route == "" {
		return ""
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return route
}
