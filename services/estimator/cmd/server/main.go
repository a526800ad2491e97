package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"launchbase/pkg/approval"
	"launchbase/pkg/approval/sqlitestore"
	"launchbase/pkg/config"
	"launchbase/pkg/db"
	"launchbase/pkg/logging"
	"launchbase/pkg/refdata"
	"launchbase/services/estimator/internal/idempotency"
	"launchbase/services/estimator/internal/pipeline"
	"launchbase/services/estimator/internal/store"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

func main() {
	cfg, err := config.Load(os.Getenv("ESTIMATOR_CONFIG"))
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer cleanup()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("estimator listening", zap.String("port", cfg.Server.Port), zap.String("db_driver", cfg.Database.Driver))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// build wires the snapshot, stores and gates for cfg. The returned cleanup
// releases database handles.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*server, func(), error) {
	snap, err := refdata.Load(refdata.Options{
		TaskLibraryPath:    cfg.Refdata.TaskLibrary,
		FreezeRegistryPath: cfg.Refdata.FreezeRegistry,
		SchemasDir:         cfg.Refdata.SchemasDir,
	})
	if err != nil {
		return nil, nil, err
	}
	ttl, err := cfg.ApprovalTTL()
	if err != nil {
		return nil, nil, err
	}

	var (
		approvals approval.Store
		idem      idempotency.Store
		estimates pipeline.EstimateStore
		reader    estimateReader
		cleanup   = func() {}
	)
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		path := cfg.Database.URL
		if path == "" {
			path = "estimator.db"
		}
		sq, err := sqlitestore.Open(path)
		if err != nil {
			return nil, nil, err
		}
		approvals = sq
		idem = idempotency.NewMemoryStore()
		cleanup = func() { _ = sq.Close() }
	default:
		pool, err := db.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		st := store.New(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		approvals, idem, estimates, reader = st, st, st, st
		cleanup = pool.Close
	}

	gate := approval.NewGate(approvals, logger.Named("approval"))
	gate.TTL = ttl
	return &server{
		snap:         snap,
		pipeline:     pipeline.New(snap, estimates, logger.Named("pipeline")),
		gate:         gate,
		idem:         idem,
		estimates:    reader,
		tenantHeader: cfg.Server.TenantHeader,
		logger:       logger,
	}, cleanup, nil
}
