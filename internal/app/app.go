package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/scribe/internal/bridge"
	"github.com/lukasbauer/scribe/internal/eventlog"
	"github.com/lukasbauer/scribe/internal/httpapi"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/store"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	metrics  *metrics.Metrics
	hub      *bridge.Hub
	pipeline *Pipeline
}

// New assembles the application. The database is optional: without
// DATABASE_URL the pipeline runs fully in memory and session transcripts
// are not persisted.
func New(cfg Config, logger *log.Logger) (*App, error) {
	var (
		db   *pgxpool.Pool
		s    *store.Store
		el   *eventlog.Logger
		sink eventSink
	)
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		db = pool
		s = store.New(pool)
		el = eventlog.New(pool)
		sink = el
	} else {
		logger.Printf("no DATABASE_URL set, running without persistence")
	}

	// Migrations are applied externally by the CI deploy job (docker exec psql).
	// No automatic migration runner at startup.

	m := metrics.NewMetrics()
	hub := bridge.NewHub()
	pipeline := NewPipeline(cfg, logger, m, hub, s, sink)

	return &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    s,
		eventLog: el,
		metrics:  m,
		hub:      hub,
		pipeline: pipeline,
	}, nil
}

// Pipeline exposes the capture pipeline for startup control.
func (a *App) Pipeline() *Pipeline { return a.pipeline }

func (a *App) Router(conns *bridge.ConnRegistry) http.Handler {
	routerCfg := httpapi.RouterConfig{
		JWTSecret:     a.cfg.JWTSecret,
		CommitTimeout: time.Duration(a.cfg.CommitTimeoutMs)*time.Millisecond + 5*time.Second,
	}
	var sessions httpapi.SessionReader
	if a.store != nil {
		sessions = a.store
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.pipeline, a.hub, conns, a.metrics, sessions)
}

func (a *App) Close() error {
	a.pipeline.Shutdown()
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
