package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"gestor.app/internal/auth"
	"gestor.app/internal/obs"
	"gestor.app/internal/store/memory"
	"gestor.app/internal/store/pg"
)

type Globals struct {
	LogLevel string
	Pretty   bool
	Version  string
	Commit   string
}

// logger builds the process logger and installs it as the shared one.
func (g *Globals) logger() zerolog.Logger {
	log := obs.NewLogger(os.Stderr, g.LogLevel, g.Pretty).
		With().Str("version", g.Version).Logger()
	obs.SetLogger(log)
	return log
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    16 * 1024, // 16KiB
	}
}

// StoreFlags selects and configures the permission store.
type StoreFlags struct {
	StoreType string        `name:"store" help:"store type (memory or postgres)" default:"memory" env:"GESTOR_STORE_TYPE" enum:"memory,postgres"`
	Fixture   string        `help:"YAML fixture loaded into the memory store" env:"GESTOR_FIXTURE" type:"path"`
	Postgres  PostgresFlags `embed:"" prefix:"postgres-"`
}

type PostgresFlags struct {
	DSN string `help:"PostgreSQL connection string" env:"GESTOR_POSTGRES_DSN"`
}

func (s *StoreFlags) validate() error {
	if s.StoreType == "postgres" && s.Postgres.DSN == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-dsn or GESTOR_POSTGRES_DSN)")
	}
	return nil
}

// open returns the configured store and a func releasing it.
func (s *StoreFlags) open(ctx context.Context, log zerolog.Logger) (auth.Store, func(), error) {
	switch s.StoreType {
	case "postgres":
		st, err := pg.Open(s.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		log.Info().Msg("Using PostgreSQL store")
		return st, func() {
			if err := st.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close PostgreSQL store")
			}
		}, nil
	default:
		if s.Fixture == "" {
			log.Warn().Msg("Memory store started without a fixture; every check will deny")
			return memory.New(), func() {}, nil
		}
		st, err := memory.LoadFile(s.Fixture)
		if err != nil {
			return nil, nil, fmt.Errorf("load fixture: %w", err)
		}
		log.Info().Str("fixture", s.Fixture).Msg("Using in-memory store")
		return st, func() {}, nil
	}
}
