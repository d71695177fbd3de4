package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"gestor.app/internal/auth"
	"gestor.app/internal/httpapi"
	"gestor.app/internal/obs"
	"gestor.app/internal/revocation"
)

type ServeCmd struct {
	// Listeners
	Listen     string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"GESTOR_LISTEN"`
	GRPCListen string `name:"grpc-listen" help:"gRPC health listen address" default:"0.0.0.0:9090" env:"GESTOR_GRPC_LISTEN"`

	// Store configuration
	Store StoreFlags `embed:""`

	// Session tokens
	TokenSecret string        `help:"HMAC secret for session tokens (at least 32 bytes)" env:"GESTOR_TOKEN_SECRET"`
	TokenTTL    time.Duration `name:"token-ttl" help:"session lifetime" default:"8h" env:"GESTOR_TOKEN_TTL"`
	TokenIssuer string        `help:"issuer claim on session tokens" default:"gestor" env:"GESTOR_TOKEN_ISSUER"`

	// Revocation
	RedisURL string `name:"redis-url" help:"Redis URL for the shared revocation list; in-process list when empty" env:"GESTOR_REDIS_URL"`

	// Cores
	CoresFile  string `help:"YAML file with the core access map; built-in map when empty" env:"GESTOR_CORES_FILE" type:"path"`
	WatchCores bool   `help:"reload the cores file when it changes" default:"true" env:"GESTOR_WATCH_CORES" negatable:""`

	// Operational
	SweepSchedule  string        `help:"cron schedule for closing abandoned audit sessions" default:"*/15 * * * *" env:"GESTOR_SWEEP_SCHEDULE"`
	ReadyInterval  time.Duration `help:"how often gRPC health re-runs the readiness checks" default:"10s" env:"GESTOR_READY_INTERVAL"`
	LoginBurst     int           `help:"login attempts allowed in a burst per client IP" default:"5" env:"GESTOR_LOGIN_BURST"`
	LoginPerSecond int           `help:"sustained login attempts per second per client IP" default:"1" env:"GESTOR_LOGIN_PER_SECOND"`
	SecureCookies  bool          `help:"mark the session cookie Secure" default:"false" env:"GESTOR_SECURE_COOKIES"`
	Tracing        bool          `help:"enable tracing" default:"false" env:"GESTOR_TRACING"`
}

func (c *ServeCmd) validate() error {
	if err := c.Store.validate(); err != nil {
		return err
	}
	if c.TokenSecret == "" {
		return errors.New("token secret is required (--token-secret or GESTOR_TOKEN_SECRET)")
	}
	if len(c.TokenSecret) < 32 {
		return errors.New("token secret must be at least 32 bytes (256 bits) for HMAC-SHA256")
	}
	return nil
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	if err := c.validate(); err != nil {
		return err
	}
	log := globals.logger()
	obs.Init()
	obs.InitBuildInfo(globals.Version, globals.Commit)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("commit", globals.Commit).Msg("Starting authorization service")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := obs.InitTracing(ctx, "gestor-authz", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
			shutdown = func(context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown tracing")
			}
		}()
	}

	store, closeStore, err := c.Store.open(ctx, log)
	if err != nil {
		return err
	}
	defer closeStore()
	checks := []httpapi.Pinger{store}

	var revoker auth.Revoker
	if c.RedisURL != "" {
		r, err := revocation.NewRedis(c.RedisURL)
		if err != nil {
			return fmt.Errorf("revocation list: %w", err)
		}
		defer r.Close()
		revoker = r
		checks = append(checks, r)
		log.Info().Msg("Using Redis revocation list")
	} else {
		revoker = revocation.NewMemory(c.TokenTTL)
		log.Info().Dur("max_ttl", c.TokenTTL).Msg("Using in-process revocation list")
	}

	cores := auth.DefaultCores()
	if c.CoresFile != "" {
		if cores, err = auth.LoadCoresFile(c.CoresFile); err != nil {
			return err
		}
		if c.WatchCores {
			if err := cores.Watch(ctx, c.CoresFile, log); err != nil {
				return err
			}
		}
	}
	log.Info().Strs("cores", cores.Names()).Msg("Core map loaded")

	codec, err := auth.NewTokenCodec([]byte(c.TokenSecret),
		auth.WithTokenTTL(c.TokenTTL),
		auth.WithTokenIssuer(c.TokenIssuer))
	if err != nil {
		return err
	}
	sessions, err := auth.NewService(store, codec,
		auth.WithRevoker(revoker),
		auth.WithLogger(log.With().Str("component", "sessions").Logger()))
	if err != nil {
		return err
	}
	eval := auth.NewEvaluator(store, store,
		auth.WithCores(cores),
		auth.WithEvaluatorLogger(log.With().Str("component", "evaluator").Logger()))
	admin := auth.NewAdmin(store, log.With().Str("component", "admin").Logger())

	sweeper := auth.NewSweeper(sessions.Recorder(), codec.TTL(), c.SweepSchedule, log)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	ready := httpapi.ReadyProbe{Checks: checks}
	api, err := httpapi.New(httpapi.Deps{
		Sessions:  sessions,
		Evaluator: eval,
		Admin:     admin,
		Ready:     ready,
		Version:   globals.Version,
	},
		httpapi.WithLoginRateLimit(c.LoginBurst, c.LoginPerSecond),
		httpapi.WithSecureCookies(c.SecureCookies),
		httpapi.WithLogger(log))
	if err != nil {
		return err
	}
	handler := api.Handler()
	if c.Tracing {
		handler = otelhttp.NewHandler(handler, "gestor-authz")
	}
	srv := configureHTTPServer(c.Listen, handler)

	grpcServer, health := httpapi.NewGRPCServer(ready, log)
	grpcLis, err := net.Listen("tcp", c.GRPCListen)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", c.GRPCListen, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", c.GRPCListen).Msg("Starting gRPC health server")
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		health.Run(gctx, c.ReadyInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Stopped")
	return nil
}
