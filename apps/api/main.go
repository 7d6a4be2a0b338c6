package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	tenantshandler "github.com/zenGate-Global/palmyra-tenancy/domains/tenants/be/handler"
	tenantsprov "github.com/zenGate-Global/palmyra-tenancy/domains/tenants/be/provisioning"
	tenantsrepo "github.com/zenGate-Global/palmyra-tenancy/domains/tenants/be/repo"
	tenantsservice "github.com/zenGate-Global/palmyra-tenancy/domains/tenants/be/service"
	platformlogging "github.com/zenGate-Global/palmyra-tenancy/platform/go/logging"
	"github.com/zenGate-Global/palmyra-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-tenancy/platform/go/workflow"
)

type config struct {
	Port              string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	SharedSchema      string        `env:"SHARED_SCHEMA" envDefault:"admin"`
	StuckRunAge       time.Duration `env:"STUCK_RUN_AGE" envDefault:"30m"`
	StuckScanInterval time.Duration `env:"STUCK_SCAN_INTERVAL" envDefault:"5m"`
}

// engineWorkflows adapts the in-process engine to the service's Workflows
// contract.
type engineWorkflows struct {
	engine *workflow.Engine
}

func (e engineWorkflows) Start(ctx context.Context, id, kind string, input any) error {
	_, err := e.engine.Start(ctx, id, kind, input)
	return err
}

func (e engineWorkflows) Status(id string) (string, error) {
	return e.engine.Status(id)
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "tenancy-api",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	schemaDB := persistence.NewSchemaDB(persistence.SchemaDBConfig{
		Pool:         pool,
		SharedSchema: cfg.SharedSchema,
	})
	if err := persistence.BootstrapSharedSchema(ctx, schemaDB); err != nil {
		logger.Fatal("bootstrap shared schema", zap.Error(err))
	}

	tenantStore := persistence.NewTenantStore(schemaDB)
	ledgerStore := persistence.NewLedgerStore(schemaDB)
	membershipStore := persistence.NewMembershipStore(schemaDB)
	migrator := persistence.NewTenantMigrator(schemaDB)

	engine := workflow.NewEngine(logger)
	activities := tenantsprov.NewActivities(schemaDB, migrator, membershipStore, tenantStore, ledgerStore, logger)
	saga := tenantsprov.NewSaga(activities, logger)
	saga.RegisterWith(engine)

	tenantRepo := tenantsrepo.NewPostgresRepository(tenantStore)
	tenantService := tenantsservice.New(tenantRepo, ledgerStore, engineWorkflows{engine: engine}, membershipStore)
	tenantHandler := tenantshandler.New(tenantService, logger)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(platformlogging.RequestLogger(logger))
	router.Use(chimw.Recoverer)
	router.Use(chimw.Timeout(cfg.RequestTimeout))
	router.Route("/api/v1", tenantHandler.Routes)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	stuckCtx, stopStuckScan := context.WithCancel(ctx)
	go watchStuckRuns(stuckCtx, tenantService, logger, cfg.StuckRunAge, cfg.StuckScanInterval)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("listening", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	stopStuckScan()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}

	// Let in-flight sagas reach a terminal state before the pool closes.
	engine.Drain()
}

// watchStuckRuns periodically logs ledger entries stuck in a non-terminal
// state, the operational signal that a saga lost its worker.
func watchStuckRuns(ctx context.Context, svc *tenantsservice.Service, logger *zap.Logger, age, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runs, err := svc.ListStuckRuns(ctx, age)
			if err != nil {
				logger.Warn("stuck run scan", zap.Error(err))
				continue
			}
			for _, run := range runs {
				logger.Warn("workflow run stuck",
					zap.String("workflow_id", run.WorkflowID),
					zap.String("kind", run.Kind),
					zap.String("status", run.Status),
					zap.Time("created_at", run.CreatedAt),
				)
			}
		}
	}
}
