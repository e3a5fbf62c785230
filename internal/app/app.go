package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/email"
	"formline/internal/engine"
	"formline/internal/lock"
	"formline/internal/mailbox"
	"formline/internal/migrate"
	"formline/internal/observability/logger"
	"formline/internal/reconcile"
	"formline/internal/server"
	"formline/internal/vault"
)

const shutdownTimeout = 10 * time.Second

// App is a fully wired formline process: storage, engine, credential vault,
// mailbox reconciliation and the HTTP API.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Engine     engine.Engine
	Vault      *vault.Vault
	Scheduler  *reconcile.Scheduler
	Dispatcher engine.Dispatcher
	Handler    http.Handler
	Log        *zap.Logger

	locker lock.Locker
}

// LoadConfig reads formline.yml from the workspace and applies viper overrides.
func LoadConfig(workspace string, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(v); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenEngine opens and migrates the configured database and returns an
// engine over it. Callers own the returned connection.
func OpenEngine(cfg *config.Config) (engine.Engine, *sql.DB, error) {
	dbCfg := db.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN, Workspace: cfg.Storage.Workspace}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return engine.Engine{}, nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	return engine.New(conn, dbCfg.Dialect(), cfg), conn, nil
}

// Bootstrap wires every component from cfg. The caller must Close the app.
func Bootstrap(ctx context.Context, cfg *config.Config) (*App, error) {
	logger.Init(logger.Config{Env: cfg.Service.LogEnv, Level: cfg.Service.LogLevel, ServiceName: cfg.Service.Name})
	log := logger.Named("app")

	e, conn, err := OpenEngine(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Engine: e, Log: log}

	locker, err := lock.FromConfig(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("lock backend: %w", err)
	}
	a.locker = locker

	sealer, err := vault.NewSealer(cfg.Vault.MasterKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	if sealer == nil {
		log.Warn("vault master key not set; OAuth tokens are stored unencrypted")
	}
	a.Vault = vault.New(e.Repo, sealer, vault.RefreshersFromConfig(cfg), vault.Options{
		Skew:           cfg.Vault.RefreshSkew.Duration,
		RefreshTimeout: cfg.Vault.RefreshTimeout.Duration,
		Hub:            e.Hub,
		Locker:         locker,
	})

	a.Scheduler = reconcile.New(e, a.Vault, mailbox.NewGateway(cfg), reconcile.Options{
		Interval:       cfg.Reconcile.PollInterval.Duration,
		Workers:        cfg.Reconcile.Workers,
		MailboxTimeout: cfg.Reconcile.MailboxTimeout.Duration,
		BodyCacheTTL:   cfg.Reconcile.BodyCacheTTL.Duration,
		Locker:         locker,
		AfterCycle:     a.housekeeping,
	})

	a.Dispatcher = engine.NewDispatcher(e, email.FromConfig(cfg))

	handler, err := server.New(server.Config{
		Engine:     e,
		Vault:      a.Vault,
		Sender:     a.Dispatcher,
		Reconciler: a.Scheduler,
		BasePath:   cfg.HTTP.BasePath,
		Auth:       server.AuthConfig{JWTSecret: cfg.HTTP.JWTSecret},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Handler = handler
	return a, nil
}

// housekeeping flags SLA breaches and projects responses the case listener missed.
func (a *App) housekeeping(ctx context.Context) {
	if n, err := a.Engine.CheckSLA(ctx); err != nil {
		a.Log.Error("sla check", logger.Err(err))
	} else if n > 0 {
		a.Log.Info("sla breaches flagged", logger.Int("cases", n))
	}
	if n, err := a.Engine.ProcessPendingResponses(ctx); err != nil {
		a.Log.Error("process pending responses", logger.Err(err))
	} else if n > 0 {
		a.Log.Info("pending responses projected", logger.Int("cases", n))
	}
}

// Serve runs the HTTP API, the case projector and, when enabled, the
// reconciliation loop until ctx is done or one of them fails.
func (a *App) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = a.Config.HTTP.Addr
	}
	srv := &http.Server{Addr: addr, Handler: a.Handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Engine.Listen(gctx)
		return nil
	})
	if a.Config.Reconcile.Enabled {
		g.Go(func() error {
			a.Scheduler.Run(gctx)
			return nil
		})
	} else {
		a.Log.Info("reconciliation disabled")
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Engine.Hub.Close()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		a.Log.Info("serving formline API",
			logger.String("addr", addr),
			logger.String("base_path", a.Config.HTTP.BasePath),
			zap.Bool("reconcile", a.Config.Reconcile.Enabled),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// Close releases the lock backend and the database.
func (a *App) Close() error {
	var errs []error
	if c, ok := a.locker.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	_ = logger.Sync()
	return errors.Join(errs...)
}
