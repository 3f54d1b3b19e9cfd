package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/campusdesk/authcore"
	"github.com/campusdesk/authcore/credential"
	credentialpg "github.com/campusdesk/authcore/credential/postgres"
	"github.com/campusdesk/authcore/graph"
	"github.com/campusdesk/authcore/graph/memory"
	graphpg "github.com/campusdesk/authcore/graph/postgres"
)

type serveOptions struct {
	addr        string
	redisAddr   string
	devRedis    bool
	databaseURL string
	catalogPath string
}

func newServeCmd(g *globalOptions) *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API.

Without --database-url users and roles are kept in memory; set
AUTHCORE_BOOTSTRAP_ADMIN and AUTHCORE_BOOTSTRAP_SECRET to create an
administrator at startup. --dev-redis starts an embedded Redis.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", envOr("AUTHCORE_ADDR", ":8000"), "listen address")
	f.StringVar(&o.redisAddr, "redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "comma-separated Redis addresses")
	f.BoolVar(&o.devRedis, "dev-redis", false, "use an embedded Redis (miniredis)")
	f.StringVar(&o.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL DSN; empty keeps users and roles in memory")
	f.StringVar(&o.catalogPath, "catalog", "", "YAML permission and role catalog")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runServe(ctx context.Context, g *globalOptions, o *serveOptions) error {
	logger, err := g.logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := authcore.LoadConfig(g.configPath)
	if err != nil {
		return err
	}

	rdb, closeRedis, err := o.openRedis(logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	users, roles, db, err := o.openStores(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	catalog := defaultCatalog(cfg.Authorization.AdminPermission)
	if o.catalogPath != "" {
		if catalog, err = loadCatalog(o.catalogPath); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg, appDeps{redis: rdb, users: users, graph: roles, catalog: catalog, logger: logger})
	if err != nil {
		return err
	}
	defer a.close()

	if id := os.Getenv("AUTHCORE_BOOTSTRAP_ADMIN"); id != "" {
		if err := a.bootstrapAdmin(ctx, users, id, os.Getenv("AUTHCORE_BOOTSTRAP_SECRET")); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		logger.Info("bootstrap administrator ready", zap.String("identifier", id))
	}

	a.start()
	srv := &http.Server{
		Addr:              o.addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", o.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (o *serveOptions) openRedis(logger *zap.Logger) (redis.UniversalClient, func(), error) {
	if o.devRedis {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded redis: %w", err)
		}
		logger.Warn("using embedded redis; state is lost on exit", zap.String("addr", mr.Addr()))
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		return rdb, func() {
			_ = rdb.Close()
			mr.Close()
		}, nil
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        strings.Split(o.redisAddr, ","),
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return rdb, func() { _ = rdb.Close() }, nil
}

func (o *serveOptions) openStores(ctx context.Context, cfg authcore.Config) (credential.Store, graph.Graph, *sql.DB, error) {
	if o.databaseURL == "" {
		return credential.NewMemoryStore(), memory.New(), nil, nil
	}
	db, err := graphpg.Open(o.databaseURL, graphpg.PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Graph.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return credentialpg.New(db, cfg.Graph.QueryTimeout), graphpg.New(db, cfg.Graph.QueryTimeout), db, nil
}
