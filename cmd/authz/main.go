package main

import (
	"context"

	"github.com/alecthomas/kong"

	"gestor.app/cmd/authz/internal/commands"
)

var (
	version = "dev"
	commit  = "none"
	cli     struct {
		LogLevel string `help:"Log level." default:"info" env:"GESTOR_LOG_LEVEL" enum:"debug,info,warn,error"`
		Pretty   bool   `help:"Human readable console logs." env:"GESTOR_LOG_PRETTY"`
		Version  kong.VersionFlag

		Serve        commands.ServeCmd        `cmd:"" help:"Start the authorization service (HTTP API + gRPC health)"`
		Explain      commands.ExplainCmd      `cmd:"" help:"Explain a user's access to a route or component"`
		HashPassword commands.HashPasswordCmd `cmd:"" name:"hash-password" help:"Print a bcrypt hash for a user password"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("gestor-authz"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{
		LogLevel: cli.LogLevel,
		Pretty:   cli.Pretty,
		Version:  version,
		Commit:   commit,
	})
	cmd.FatalIfErrorf(err)
}
