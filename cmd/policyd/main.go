// Command policyd serves and operates the adaptive policy engine.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-policy/internal/cache"
	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/config"
	"github.com/danielpatrickdp/adaptive-policy/internal/db"
	"github.com/danielpatrickdp/adaptive-policy/internal/engine"
	"github.com/danielpatrickdp/adaptive-policy/internal/logging"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "policyd",
	Short:         "Adaptive feature-visibility policy engine",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// #region main
func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("POLICY_CONFIG", "config.toml"), "path to the TOML config")
	rootCmd.AddCommand(serveCmd(), simulateCmd(), inspectCmd(), mcpCmd(), tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region runtime
// runtime is everything a subcommand that needs the engine opens.
type runtime struct {
	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer
	db        *sql.DB
	engine    *engine.Engine
}

// openRuntime loads config, logging, the database, the catalog and the
// engine. sharedCache selects the configured plan cache backend; read-only
// commands pass false and keep plans in process.
func openRuntime(ctx context.Context, sharedCache bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, logCloser, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, log: log, logCloser: logCloser}

	cat, err := loadCatalog(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rt.db, err = db.Open(cfg.Database.Path); err != nil {
		rt.Close()
		return nil, err
	}

	var plans cache.PlanCache
	if sharedCache && cfg.Cache.Backend == "redis" {
		if plans, err = cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPrefix, cfg.CacheTTL()); err != nil {
			rt.Close()
			return nil, err
		}
	}
	rt.engine, err = engine.New(ctx, engine.Options{Config: cfg, DB: rt.db, Catalog: cat, Cache: plans, Log: log})
	if err != nil {
		if plans != nil {
			plans.Close()
		}
		rt.Close()
		return nil, err
	}
	log.Info("runtime ready", "db", cfg.Database.Path, "cache", cfg.Cache.Backend, "features", cat.Len())
	return rt, nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog.Path == "" {
		return catalog.New(catalog.DefaultFeatures())
	}
	return catalog.Load(cfg.Catalog.Path)
}

// Close flushes and closes in reverse order of opening.
func (r *runtime) Close() error {
	var errs []error
	if r.engine != nil {
		errs = append(errs, r.engine.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	if r.logCloser != nil {
		errs = append(errs, r.logCloser.Close())
	}
	return errors.Join(errs...)
}

// #endregion runtime

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
