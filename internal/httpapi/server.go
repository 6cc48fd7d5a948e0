// Package httpapi serves the wallet, tournament and admin endpoints over gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/arena/internal/auth"
	"github.com/MarkoPoloResearchLab/arena/internal/reconcile"
	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
	"github.com/MarkoPoloResearchLab/arena/pkg/tournament"
)

const (
	requestIDHeader       = "X-Request-Id"
	requestIDContextKey   = "request_id"
	defaultHistoryLimit   = 10
	defaultStaleTopupAge  = 24 * time.Hour
	shutdownTimeout       = 5 * time.Second
	readHeaderTimeout     = 10 * time.Second
	unmatchedRouteLabel   = "unmatched"
	corsPreflightMaxAge   = 12 * time.Hour
	defaultAuditListLimit = 100
)

var ErrInvalidServerConfig = errors.New("invalid http server config")

// Wallet is the wallet surface the handlers call.
type Wallet interface {
	GetBalance(ctx context.Context, userID string) (ledger.Coins, error)
	RequestTopup(ctx context.Context, userID string, amount int64, referenceID string) (ledger.Entry, error)
	Spend(ctx context.Context, userID string, amount int64, category string, description string) (ledger.Entry, error)
	AdminAdjust(ctx context.Context, actorID string, userID string, amount int64, reason string) (ledger.Entry, error)
	VoidTopup(ctx context.Context, actorID string, entryID string, reason string) (ledger.Entry, error)
	History(ctx context.Context, userID string, before time.Time, limit int) ([]ledger.Entry, error)
	Revenue(ctx context.Context, from time.Time, to time.Time) (ledger.Revenue, error)
	StaleTopups(ctx context.Context, maxAge time.Duration, limit int) ([]ledger.Entry, error)
	Verify(ctx context.Context, userID string) (ledger.Coins, error)
}

// Tournaments is the lifecycle surface the handlers call.
type Tournaments interface {
	GetStatusInfo(ctx context.Context, tournamentID string) (tournament.StatusInfo, error)
	RequestTransition(ctx context.Context, tournamentID string, target tournament.Status, actorID string) (tournament.Tournament, error)
	SyncProgress(ctx context.Context, update tournament.ProgressUpdate) (tournament.Tournament, error)
}

// Reconciler runs one reconciliation pass on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (reconcile.Report, error)
}

// AuditLog lists audit records.
type AuditLog interface {
	List(ctx context.Context, subjectType audit.SubjectType, subjectID string, limit int) ([]audit.Record, error)
}

// RequestObserver counts served requests.
type RequestObserver interface {
	ObserveHTTPRequest(method string, route string, code string)
}

// Config wires the router.
type Config struct {
	Wallet            Wallet
	Tournaments       Tournaments
	Reconciler        Reconciler
	Audit             AuditLog
	Logger            *zap.Logger
	Observer          RequestObserver
	MetricsHandler    http.Handler
	BearerVerifier    *auth.BearerVerifier
	SessionMiddleware gin.HandlerFunc
	AllowedOrigins    []string
	HistoryLimit      int
	StaleTopupAge     time.Duration
}

type httpHandler struct {
	logger        *zap.Logger
	wallet        Wallet
	tournaments   Tournaments
	reconciler    Reconciler
	audit         AuditLog
	historyLimit  int
	staleTopupAge time.Duration
}

// NewRouter builds the gin engine.
func NewRouter(config Config) (*gin.Engine, error) {
	if config.Wallet == nil || config.Tournaments == nil || config.Audit == nil {
		return nil, fmt.Errorf("%w: wallet, tournaments and audit are required", ErrInvalidServerConfig)
	}
	if config.BearerVerifier == nil && config.SessionMiddleware == nil {
		return nil, fmt.Errorf("%w: no authentication configured", ErrInvalidServerConfig)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:        logger,
		wallet:        config.Wallet,
		tournaments:   config.Tournaments,
		reconciler:    config.Reconciler,
		audit:         config.Audit,
		historyLimit:  config.HistoryLimit,
		staleTopupAge: config.StaleTopupAge,
	}
	if handler.historyLimit <= 0 {
		handler.historyLimit = defaultHistoryLimit
	}
	if handler.staleTopupAge <= 0 {
		handler.staleTopupAge = defaultStaleTopupAge
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger, config.Observer))
	if len(config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", requestIDHeader},
			ExposeHeaders:    []string{requestIDHeader},
			AllowCredentials: true,
			MaxAge:           corsPreflightMaxAge,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if config.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(config.MetricsHandler))
	}

	api := router.Group("/api",
		auth.BearerMiddleware(config.BearerVerifier),
		auth.SessionFallback(config.SessionMiddleware),
		auth.RequireActor(),
	)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/wallet/entries", handler.handleWalletEntries)
	api.POST("/wallet/topups", handler.handleTopup)
	api.POST("/wallet/spend", handler.handleSpend)
	api.GET("/tournaments/:id/status", handler.handleTournamentStatus)

	admin := api.Group("/admin")
	admin.PUT("/tournaments/:id/progress", auth.RequireRole(auth.RoleAdmin, auth.RoleService), handler.handleTournamentProgress)

	adminOnly := admin.Group("", auth.RequireRole(auth.RoleAdmin))
	adminOnly.GET("/wallets/:user_id", handler.handleAdminWallet)
	adminOnly.POST("/wallets/:user_id/adjustments", handler.handleAdminAdjustment)
	adminOnly.GET("/wallets/:user_id/verify", handler.handleAdminVerify)
	adminOnly.POST("/entries/:entry_id/void", handler.handleAdminVoid)
	adminOnly.GET("/topups/stale", handler.handleStaleTopups)
	adminOnly.GET("/revenue", handler.handleRevenue)
	adminOnly.POST("/reconcile", handler.handleReconcile)
	adminOnly.GET("/audit/:subject_type/:subject_id", handler.handleAudit)
	adminOnly.POST("/tournaments/:id/transitions", handler.handleTournamentTransition)

	return router, nil
}

// Serve runs handler on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestLogger(logger *zap.Logger, observer RequestObserver) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		startedAt := time.Now()
		requestID := ctx.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Set(requestIDContextKey, requestID)
		ctx.Header(requestIDHeader, requestID)

		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = unmatchedRouteLabel
		}
		status := ctx.Writer.Status()
		if observer != nil {
			observer.ObserveHTTPRequest(ctx.Request.Method, route, strconv.Itoa(status))
		}
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", ctx.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(startedAt)),
		}
		if actor, ok := auth.ActorFrom(ctx); ok {
			fields = append(fields, zap.String("actor_id", actor.ID))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("http request", fields...)
			return
		}
		logger.Info("http request", fields...)
	}
}
