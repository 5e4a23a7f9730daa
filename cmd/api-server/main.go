package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/therapy-clinic-scheduling/internal/api"
	"github.com/hackgods/therapy-clinic-scheduling/internal/auth"
	"github.com/hackgods/therapy-clinic-scheduling/internal/authz"
	"github.com/hackgods/therapy-clinic-scheduling/internal/config"
	"github.com/hackgods/therapy-clinic-scheduling/internal/db"
	"github.com/hackgods/therapy-clinic-scheduling/internal/logger"
	redisclient "github.com/hackgods/therapy-clinic-scheduling/internal/redis"
	"github.com/hackgods/therapy-clinic-scheduling/internal/scheduling"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "api-server",
		Short: "Therapy clinic scheduling API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type serveOptions struct {
	memory             bool
	supervisorEmail    string
	supervisorPassword string
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts)
		},
	}
	cmd.Flags().BoolVar(&opts.memory, "memory", false, "keep all data in process memory (dev only)")
	cmd.Flags().StringVar(&opts.supervisorEmail, "supervisor-email", "admin@clinic.local", "supervisor login for --memory")
	cmd.Flags().StringVar(&opts.supervisorPassword, "supervisor-password", "admin", "supervisor password for --memory")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	for _, dir := range []db.Direction{db.Up, db.Down} {
		dir := dir
		cmd.AddCommand(&cobra.Command{
			Use:   string(dir),
			Short: fmt.Sprintf("Migrate the schema %s", dir),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if err := cfg.RequirePostgres(); err != nil {
					return err
				}
				if err := db.Migrate(cfg.PostgresDSN, dir); err != nil {
					return err
				}
				fmt.Printf("migrate %s complete\n", dir)
				return nil
			},
		})
	}
	return cmd
}

func runServer(opts serveOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}
	log := logger.New("api-server", cfg.Env, cfg.LogLevel)
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Bool("memory", opts.memory).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  scheduling.Store
		creds  auth.CredentialStore
		checks []api.Check
	)

	if opts.memory {
		if !cfg.IsDev() {
			return errors.New("--memory is only allowed with APP_ENV=dev")
		}
		hash, err := auth.HashPassword(opts.supervisorPassword)
		if err != nil {
			return err
		}
		store = scheduling.NewMemoryStore()
		creds = auth.NewStaticCredentials(auth.Account{
			ID:           uuid.New(),
			Name:         "Supervisor",
			Email:        opts.supervisorEmail,
			Role:         authz.RoleSupervisor,
			PasswordHash: hash,
			Active:       true,
		})
		log.Warn().Str("email", opts.supervisorEmail).Msg("memory store enabled; data is lost on exit")
	} else {
		if err := cfg.RequirePostgres(); err != nil {
			return err
		}
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		cancelPg()
		if err != nil {
			return fmt.Errorf("postgres connection error: %w", err)
		}
		defer pool.Close()
		log.Info().Msg("connected to Postgres")

		store = scheduling.NewPgStore(pool, cfg.TxMaxRetries)
		creds = auth.NewPgCredentialStore(pool)
		checks = append(checks, api.Check{Name: "postgres", Required: true, Probe: pool.Ping})
	}

	var idem api.IdempotencyStore
	if rdb := connectRedis(rootCtx, cfg, log); rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing redis")
			}
		}()
		idem = redisclient.NewIdempotencyStore(rdb, 30*time.Second, cfg.IdempotencyTTL)
		checks = append(checks, api.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	svc := scheduling.NewService(store, log, cfg)
	authn := auth.NewAuthenticator(creds, auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL))

	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		Auth:        authn,
		Idempotency: idem,
		Health:      api.NewHealthHandler(cfg.Env, version, checks...),
		Log:         log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-rootCtx.Done():
	}

	log.Info().Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// connectRedis returns nil when Redis is not configured or unreachable.
func connectRedis(ctx context.Context, cfg config.Config, log zerolog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Info().Msg("REDIS_ADDR not set; idempotency keys disabled")
		return nil
	}
	rdb, err := redisclient.Connect(ctx, redisclient.ClientOptions{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable; idempotency keys disabled")
		return nil
	}
	log.Info().Msg("connected to Redis")
	return rdb
}
