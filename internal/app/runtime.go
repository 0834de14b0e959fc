// Package app wires configuration, storage and services into one runtime
// shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"laudos/internal/access"
	"laudos/internal/config"
	"laudos/internal/db"
	"laudos/internal/delivery"
	"laudos/internal/engine"
	"laudos/internal/identity"
	"laudos/internal/logging"
	"laudos/internal/migrate"
	"laudos/internal/queue"
	"laudos/internal/render"
	"laudos/internal/sealing"
	"laudos/internal/server"
	"laudos/internal/storage"
	"laudos/internal/worker"
)

type Runtime struct {
	Config   *config.Config
	DB       *sql.DB
	Dialect  db.Dialect
	Logger   *logrus.Entry
	Engine   engine.Engine
	Queue    *queue.Queue
	Sealing  *sealing.Service
	Storage  storage.FS
	JWT      identity.JWT
	APIKeys  identity.APIKeys
	Guard    access.Guard
	Pool     *worker.Pool
	Reaper   *worker.Reaper
	Delivery *delivery.Dispatcher
}

// Open connects to the configured database, applies migrations and builds
// every service.
func Open(cfg *config.Config, logger *logrus.Entry) (*Runtime, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	conn, dialect, err := db.Open(db.Config{
		Driver:    cfg.Database.Driver,
		DSN:       cfg.Database.DSN,
		Workspace: cfg.Database.Workspace,
	})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, err
	}
	rt, err := Build(conn, dialect, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return rt, nil
}

// Build assembles the services over an open, migrated connection.
func Build(conn *sql.DB, dialect db.Dialect, cfg *config.Config, logger *logrus.Entry) (*Runtime, error) {
	grants := make(map[access.Role][]string, len(cfg.Access.Grants))
	for role, ops := range cfg.Access.Grants {
		grants[access.Role(role)] = ops
	}
	policy, err := access.NewPolicy(grants)
	if err != nil {
		return nil, err
	}
	e := engine.New(conn, dialect, cfg, logger)
	q := queue.New(e.Repo, cfg.Queue, logger)
	store := storage.FS{Root: cfg.Storage.Root}
	jwtID := identity.JWT{Secret: cfg.Auth.JWTSecret, Issuer: "laudos"}
	keys := identity.APIKeys{Store: e.Repo}
	rt := &Runtime{
		Config:  cfg,
		DB:      conn,
		Dialect: dialect,
		Logger:  logger,
		Engine:  e,
		Queue:   q,
		Sealing: sealing.New(q, render.Text{}, store, logger),
		Storage: store,
		JWT:     jwtID,
		APIKeys: keys,
		Guard: access.Guard{
			Identity: identity.Chain{jwtID, keys},
			Policy:   policy,
			Logger:   logging.Component(logger, "access"),
		},
	}
	rt.Pool = &worker.Pool{
		Claimer:      q,
		Sealer:       rt.Sealing,
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		Logger:       logging.Component(logger, "worker"),
	}
	rt.Reaper = &worker.Reaper{
		Queue:    q,
		Interval: cfg.Queue.ReapInterval,
		Logger:   logging.Component(logger, "reaper"),
	}
	rt.Delivery = &delivery.Dispatcher{
		Reports:  e,
		URL:      cfg.Delivery.URL,
		Secret:   cfg.Delivery.Secret,
		Interval: cfg.Delivery.Interval,
		Client:   &http.Client{Timeout: cfg.Delivery.Timeout},
		Logger:   logging.Component(logger, "delivery"),
	}
	return rt, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

// Handler returns the HTTP API bound to the runtime's services.
func (rt *Runtime) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   rt.Engine,
		Queue:    rt.Queue,
		Sealing:  rt.Sealing,
		Guard:    rt.Guard,
		BasePath: rt.Config.Server.BasePath,
		Logger:   rt.Logger,
	})
}

// RunBackground runs the worker pool, the reaper and the delivery loop until
// ctx is done or one of them fails.
func (rt *Runtime) RunBackground(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return quiet(rt.Pool.Run(gctx)) })
	g.Go(func() error { return quiet(rt.Reaper.Run(gctx)) })
	g.Go(func() error { return quiet(rt.Delivery.Run(gctx)) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("background: %w", err)
	}
	return nil
}

func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
