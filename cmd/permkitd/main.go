// Command permkitd serves the permkit HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fernandezvara/dbkit"
	"github.com/spf13/pflag"

	"github.com/fernandezvara/permkit"
	"github.com/fernandezvara/permkit/cache"
	"github.com/fernandezvara/permkit/httpapi"
	"github.com/fernandezvara/permkit/internal/app"
	"github.com/fernandezvara/permkit/seed"
	"github.com/fernandezvara/permkit/token"
)

// builtinSeed selects the embedded seed file.
const builtinSeed = "default"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var seedPath string
	var migrateOnly bool

	flagSet := pflag.NewFlagSet("permkitd", pflag.ContinueOnError)
	flagSet.StringVar(&seedPath, "seed", "", `apply a YAML seed file after migrating ("default" for the built-in catalog)`)
	flagSet.BoolVar(&migrateOnly, "migrate-only", false, "apply migrations (and the seed, if given) and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	db, err := dbkit.New(dbkit.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("database close", slog.Any("error", err))
		}
	}()

	opts := []permkit.Option{
		permkit.WithLogger(logger),
		permkit.WithModuleRegistry(permkit.DefaultRegistry()),
		permkit.WithSuperuserPolicy(permkit.SuperuserPolicy{RoleNames: cfg.SuperuserRoles()}),
	}
	if cfg.AuthzLiveLookup {
		opts = append(opts, permkit.WithLiveLookups())
	}
	if cfg.AuthzVersionCheck {
		opts = append(opts, permkit.WithVersionCheck())
	}
	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		opts = append(opts, permkit.WithSnapshotCache(cache.NewSnapshots(client, cfg.SnapshotCacheTTL)))
	}
	service := permkit.NewService(db, opts...)

	pool := permkit.DefaultPoolConfig()
	pool.MaxOpenConnections = cfg.DBMaxOpenConns
	pool.MaxIdleConnections = cfg.DBMaxIdleConns
	pool.ConnectionMaxLifetime = cfg.DBConnMaxLifetime
	if err := permkit.NewPoolService(service).ConfigureConnectionPool(pool); err != nil {
		return fmt.Errorf("configure pool: %w", err)
	}

	applied, err := permkit.NewMigrationService(service).RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("migrations applied", slog.Any("ids", applied))

	if seedPath != "" {
		if err := applySeed(ctx, service, seedPath, logger); err != nil {
			return err
		}
	}
	if migrateOnly {
		return nil
	}
	added, err := service.SyncModuleRegistry(ctx)
	if err != nil {
		return fmt.Errorf("load modules: %w", err)
	}
	logger.Info("module registry loaded", slog.Int("catalog_modules", added))

	issuer, err := token.NewIssuer(cfg.JWTSecret, token.WithTTL(cfg.JWTTTL))
	if err != nil {
		return err
	}
	deletePolicy, err := permkit.ParseDeletePolicy(cfg.RoleDeletePolicy, 0)
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(service, issuer, issuer, httpapi.Options{
		Logger:        logger,
		DeletePolicy:  deletePolicy,
		SecureCookies: cfg.IsProduction(),
	})
	health := permkit.NewHealthService(service)
	router := httpapi.NewRouter(handler, httpapi.RouterConfig{
		Production:  cfg.IsProduction(),
		HealthCheck: healthHandler(health),
		TrustProxy:  cfg.TrustProxy,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func applySeed(ctx context.Context, service *permkit.Service, path string, logger *slog.Logger) error {
	var file *seed.File
	if path == builtinSeed {
		file = seed.Default()
	} else {
		f, err := seed.LoadFile(path)
		if err != nil {
			return err
		}
		file = f
	}

	ctx = permkit.WithActor(ctx, permkit.Actor{Name: "seed"})
	res, err := seed.Apply(ctx, service, file, logger)
	if err != nil {
		return err
	}
	logger.Info("seed applied",
		slog.Int("permissions", res.Permissions),
		slog.Int("roles", res.Roles),
		slog.Int("users", res.Users),
	)
	return nil
}

func healthHandler(health *permkit.HealthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := health.Report(r.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}
