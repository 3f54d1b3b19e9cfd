package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/campusdesk/authcore"
	"github.com/campusdesk/authcore/credential"
	"github.com/campusdesk/authcore/graph"
	"github.com/campusdesk/authcore/httpapi"
	"github.com/campusdesk/authcore/internal/httpx"
	"github.com/campusdesk/authcore/metrics/export/prometheus"
)

// app is the wired service: engine, routes and background jobs.
type app struct {
	engine  *authcore.Engine
	board   *announcementBoard
	handler http.Handler
	cron    *cron.Cron
	logger  *zap.Logger
}

type appDeps struct {
	redis   redis.UniversalClient
	users   credential.Store
	graph   graph.Graph
	catalog catalogFile
	logger  *zap.Logger
}

func newApp(ctx context.Context, cfg authcore.Config, deps appDeps) (*app, error) {
	if err := deps.catalog.apply(ctx, deps.graph); err != nil {
		return nil, err
	}

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(deps.redis).
		WithCredentialStore(deps.users).
		WithGraph(deps.graph).
		WithPermissions(deps.catalog.permissionIDs()...).
		WithAuditSink(authcore.NewZapSink(deps.logger.Named("audit"))).
		WithLogger(deps.logger).
		Build()
	if err != nil {
		return nil, err
	}

	a := &app{
		engine: engine,
		board:  &announcementBoard{},
		cron:   cron.New(),
		logger: deps.logger,
	}

	api := httpapi.New(engine)
	router := api.Router()
	router.Handle("/api/announcements/", api.Protect(httpapi.Route{
		Permission: announcePermission,
		Idempotent: true,
	}, http.HandlerFunc(a.board.create))).Methods(http.MethodPost)
	router.Handle("/api/announcements/", api.Protect(httpapi.Route{
		Permission: announcePermission,
	}, http.HandlerFunc(a.board.list))).Methods(http.MethodGet)

	router.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", a.ready).Methods(http.MethodGet)

	if cfg.Metrics.Enabled {
		metrics, err := prometheus.Handler(prometheus.NewCollector(engine))
		if err != nil {
			engine.Close()
			return nil, err
		}
		router.Handle("/metrics/app", metrics).Methods(http.MethodGet)
	}

	if spec := cfg.Session.SweepSchedule; spec != "" {
		if _, err := a.cron.AddFunc(spec, a.sweep); err != nil {
			engine.Close()
			return nil, err
		}
	}

	a.handler = router
	return a, nil
}

func (a *app) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.engine.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", zap.Error(err))
		httpx.WriteDetail(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *app) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if n, err := a.engine.SweepSessions(ctx); err == nil && n > 0 {
		a.logger.Info("session indexes swept", zap.Int("removed", n))
	}
}

// bootstrapAdmin makes sure identifier exists and holds the admin role.
func (a *app) bootstrapAdmin(ctx context.Context, users credential.Store, identifier, secret string) error {
	u, err := a.engine.Register(ctx, identifier, secret)
	if errors.Is(err, authcore.ErrUserExists) {
		u, err = users.ByIdentifier(ctx, credential.NormalizeIdentifier(identifier))
	}
	if err != nil {
		return err
	}
	return a.engine.GrantRole(ctx, authcore.Assignment{UserID: u.ID, RoleID: "admin"})
}

func (a *app) start() { a.cron.Start() }

func (a *app) close() {
	<-a.cron.Stop().Done()
	a.engine.Close()
}
