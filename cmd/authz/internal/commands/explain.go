package commands

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"gestor.app/internal/auth"
)

// ExplainCmd prints the same report the super admin explain endpoint
// returns, read straight from the store.
type ExplainCmd struct {
	Store StoreFlags `embed:""`

	UserID    int64  `name:"user-id" help:"user whose access is explained" required:""`
	Route     string `help:"form route to explain" xor:"target" required:""`
	Component int64  `help:"component id to explain" xor:"target" required:""`

	out io.Writer
}

func (c *ExplainCmd) Run(ctx context.Context, globals *Globals) error {
	if err := c.Store.validate(); err != nil {
		return err
	}
	log := globals.logger()

	store, closeStore, err := c.Store.open(ctx, log)
	if err != nil {
		return err
	}
	defer closeStore()

	p, err := auth.LookupPrincipal(ctx, store, c.UserID)
	if err != nil {
		return err
	}
	reporter := auth.NewReporter(auth.NewEvaluator(store, store))

	var report any
	if c.Route != "" {
		report, err = reporter.Explain(ctx, p, c.Route)
	} else {
		report, err = reporter.ExplainComponent(ctx, p, c.Component)
	}
	if err != nil {
		return err
	}

	out := c.out
	if out == nil {
		out = os.Stdout
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
