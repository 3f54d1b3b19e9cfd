package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	credentialpg "github.com/campusdesk/authcore/credential/postgres"
	graphpg "github.com/campusdesk/authcore/graph/postgres"
)

func newMigrateCmd(g *globalOptions) *cobra.Command {
	var databaseURL, catalogPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL tables and load the role catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if databaseURL == "" {
				return errors.New("--database-url is required")
			}
			logger, err := g.logger()
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), logger, databaseURL, catalogPath)
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", envOr("DATABASE_URL", ""), "PostgreSQL DSN")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "YAML permission and role catalog to upsert")
	return cmd
}

func runMigrate(ctx context.Context, logger *zap.Logger, databaseURL, catalogPath string) error {
	db, err := graphpg.Open(databaseURL, graphpg.PoolConfig{MaxOpenConns: 2})
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	roles := graphpg.New(db, 30*time.Second)
	if err := credentialpg.New(db, 30*time.Second).Migrate(ctx); err != nil {
		return fmt.Errorf("migrate users: %w", err)
	}
	if err := roles.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate role graph: %w", err)
	}
	logger.Info("schema up to date")

	if catalogPath == "" {
		return nil
	}
	catalog, err := loadCatalog(catalogPath)
	if err != nil {
		return err
	}
	if err := catalog.apply(ctx, roles); err != nil {
		return err
	}
	logger.Info("catalog loaded",
		zap.Int("permissions", len(catalog.permissionIDs())),
		zap.Int("roles", len(catalog.Roles)))
	return nil
}
