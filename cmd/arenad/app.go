package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/arena/internal/auth"
	"github.com/MarkoPoloResearchLab/arena/internal/config"
	"github.com/MarkoPoloResearchLab/arena/internal/gateway"
	"github.com/MarkoPoloResearchLab/arena/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/arena/internal/httpapi"
	"github.com/MarkoPoloResearchLab/arena/internal/lock/redislock"
	"github.com/MarkoPoloResearchLab/arena/internal/logging"
	"github.com/MarkoPoloResearchLab/arena/internal/metrics"
	"github.com/MarkoPoloResearchLab/arena/internal/reconcile"
	"github.com/MarkoPoloResearchLab/arena/internal/search/elasticmirror"
	"github.com/MarkoPoloResearchLab/arena/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/arena/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
	"github.com/MarkoPoloResearchLab/arena/pkg/keylock"
	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
	"github.com/MarkoPoloResearchLab/arena/pkg/tournament"
	"github.com/MarkoPoloResearchLab/arena/pkg/wallet"
)

const mirrorSetupTimeout = 10 * time.Second

// storage holds the three stores behind one database connection set.
type storage struct {
	ledgerStore     ledger.Store
	auditStore      audit.Store
	tournamentStore tournament.Store
	databaseDriver  string
	ping            grpcserver.Pinger
	closers         []func() error
}

func (s *storage) close() {
	for index := len(s.closers) - 1; index >= 0; index-- {
		_ = s.closers[index]()
	}
}

func openStorage(ctx context.Context, cfg config.Config) (*storage, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		return &storage{
			ledgerStore:     ledger.NewMemoryStore(),
			auditStore:      audit.NewMemoryStore(),
			tournamentStore: tournament.NewMemoryStore(),
			databaseDriver:  config.StoreDriverMemory,
			ping:            func(context.Context) error { return nil },
		}, nil
	}

	db, databaseDriver, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	opened := &storage{
		ledgerStore:     gormstore.NewLedgerStore(db),
		auditStore:      gormstore.NewAuditStore(db),
		tournamentStore: gormstore.NewTournamentStore(db),
		databaseDriver:  databaseDriver,
		ping:            func(ctx context.Context) error { return gormstore.Ping(ctx, db) },
		closers:         []func() error{func() error { return gormstore.Close(db) }},
	}
	if err := gormstore.Migrate(db); err != nil {
		opened.close()
		return nil, fmt.Errorf("database migrate: %w", err)
	}
	if cfg.StoreDriver != config.StoreDriverPgx {
		return opened, nil
	}

	pool, err := pgstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		opened.close()
		return nil, fmt.Errorf("pgx open: %w", err)
	}
	opened.closers = append(opened.closers, func() error {
		pool.Close()
		return nil
	})
	if err := pgstore.Migrate(ctx, pool); err != nil {
		opened.close()
		return nil, fmt.Errorf("pgx migrate: %w", err)
	}
	opened.ledgerStore = pgstore.New(pool)
	opened.ping = pingBoth(db, pool)
	return opened, nil
}

func pingBoth(db *gorm.DB, pool *pgxpool.Pool) grpcserver.Pinger {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return gormstore.Ping(ctx, db)
	}
}

// application is the wired service graph shared by serve and reconcile.
type application struct {
	cfg         config.Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	storage     *storage
	auditLog    *audit.Log
	ledger      *ledger.Service
	wallet      *wallet.Service
	tournaments *tournament.Engine
	worker      *reconcile.Worker
	closers     []func() error
}

func newApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger, metrics: metrics.New()}
	now := func() time.Time { return time.Now().UTC() }

	opened, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.storage = opened
	app.closers = append(app.closers, func() error {
		opened.close()
		return nil
	})

	locker, err := app.newLocker(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	auditOptions := []audit.LogOption{audit.WithFailureObserver(app.metrics)}
	if cfg.ElasticsearchURL != "" {
		mirror, err := elasticmirror.New(elasticmirror.Config{URL: cfg.ElasticsearchURL, Index: cfg.ElasticsearchIndex})
		if err != nil {
			app.Close()
			return nil, err
		}
		setupCtx, cancel := context.WithTimeout(ctx, mirrorSetupTimeout)
		if err := mirror.EnsureIndex(setupCtx); err != nil {
			logger.Warn("audit mirror index setup failed", zap.String("index", mirror.Index()), zap.Error(err))
		}
		cancel()
		auditOptions = append(auditOptions, audit.WithMirror(mirror))
	}
	app.auditLog, err = audit.NewLog(opened.auditStore, logger.Named("audit"), now, auditOptions...)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.ledger, err = ledger.NewService(opened.ledgerStore, now,
		ledger.WithOperationLogger(logging.NewLedgerLogger(logger, app.metrics)),
		ledger.WithLocker(locker),
		ledger.WithAuditRecorder(app.auditLog),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	app.wallet, err = wallet.NewService(app.ledger, now)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("wallet service init: %w", err)
	}
	app.tournaments, err = tournament.NewEngine(opened.tournamentStore, now,
		tournament.WithLocker(locker),
		tournament.WithAuditRecorder(app.auditLog),
		tournament.WithTransitionLogger(logging.NewTransitionLogger(logger, app.metrics)),
		tournament.WithIdleThreshold(cfg.IdleThreshold),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("tournament engine init: %w", err)
	}

	if cfg.ReconcileEnabled() {
		client, err := gateway.NewHTTPClient(cfg.GatewayURL, cfg.GatewayTimeout, gateway.WithAPIKey(cfg.GatewayAPIKey))
		if err != nil {
			app.Close()
			return nil, err
		}
		reconcileConfig := cfg.Reconcile
		reconcileConfig.CallTimeout = cfg.GatewayTimeout
		app.worker, err = reconcile.NewWorker(app.ledger, client, reconcileConfig, logger.Named("reconcile"), now, reconcile.WithObserver(app.metrics))
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("reconcile worker init: %w", err)
		}
	}
	return app, nil
}

func (app *application) newLocker(ctx context.Context) (keylock.Locker, error) {
	if app.cfg.RedisAddr == "" {
		return keylock.NewKeyedMutex(), nil
	}
	client, err := redislock.Open(ctx, app.cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, client.Close)
	return redislock.New(client, redislock.Options{Logger: app.logger.Named("redislock")})
}

func (app *application) router() (*gin.Engine, error) {
	routerConfig := httpapi.Config{
		Wallet:         app.wallet,
		Tournaments:    app.tournaments,
		Audit:          app.auditLog,
		Logger:         app.logger.Named("http"),
		Observer:       app.metrics,
		MetricsHandler: app.metrics.Handler(),
		AllowedOrigins: app.cfg.AllowedOrigins,
		StaleTopupAge:  app.cfg.Reconcile.MaxAge,
	}
	if app.worker != nil {
		routerConfig.Reconciler = app.worker
	}
	if app.cfg.BearerSigningKey != "" {
		verifier, err := auth.NewBearerVerifier(app.cfg.BearerSigningKey, app.cfg.BearerIssuer)
		if err != nil {
			return nil, err
		}
		routerConfig.BearerVerifier = verifier
	}
	if app.cfg.SessionSigningKey != "" {
		session, err := auth.NewSessionMiddleware(app.cfg.SessionSigningKey, app.cfg.SessionIssuer, app.cfg.SessionCookieName)
		if err != nil {
			return nil, err
		}
		routerConfig.SessionMiddleware = session
	}
	return httpapi.NewRouter(routerConfig)
}

// Serve runs the HTTP API, gRPC health and the reconciliation loop until ctx ends or one fails.
func (app *application) Serve(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router, err := app.router()
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", app.cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	monitor := grpcserver.NewHealthMonitor(app.storage.ping, app.cfg.HealthInterval, app.logger.Named("health"))
	grpcServer := grpcserver.NewServer(monitor)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Serve(groupCtx, app.cfg.ListenAddr, router, app.logger)
	})
	group.Go(func() error {
		return grpcserver.Serve(groupCtx, grpcServer, listener, app.logger)
	})
	group.Go(func() error {
		monitor.Run(groupCtx)
		return nil
	})
	if app.worker != nil {
		group.Go(func() error {
			return app.worker.Run(groupCtx)
		})
	} else {
		app.logger.Warn("reconciliation disabled; no gateway url configured")
	}
	app.logger.Info("arenad started",
		zap.String("store_driver", app.cfg.StoreDriver),
		zap.String("database_driver", app.storage.databaseDriver),
		zap.Bool("redis_locks", app.cfg.RedisAddr != ""),
		zap.Bool("audit_mirror", app.cfg.ElasticsearchURL != ""),
	)
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (app *application) Close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			app.logger.Warn("close failed", zap.Error(err))
		}
	}
}
