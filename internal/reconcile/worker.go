// Package reconcile settles pending topups against the payment gateway.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarkoPoloResearchLab/arena/pkg/audit"
	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
)

const (
	DefaultInterval    = time.Minute
	DefaultGracePeriod = 2 * time.Minute
	DefaultMaxAge      = 24 * time.Hour
	DefaultCallTimeout = 10 * time.Second
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 8 * time.Second
	DefaultConcurrency = 4
	DefaultMaxAttempts = 4
	DefaultBatchSize   = 200
)

// ErrInvalidWorkerConfig reports a missing dependency.
var ErrInvalidWorkerConfig = errors.New("invalid reconcile worker config")

// Resolver is the ledger surface the worker drives.
type Resolver interface {
	PendingTopupsAfter(ctx context.Context, createdBefore time.Time, after ledger.PendingCursor, limit int) ([]ledger.Entry, error)
	ResolvePending(ctx context.Context, entryID ledger.EntryID, resolution ledger.Resolution) (ledger.Entry, bool, error)
}

// Observer receives worker metrics.
type Observer interface {
	ObserveResolution(decision string)
	ObserveGatewayError()
	ObserveStalePending(count int)
	ObservePass(duration time.Duration, err error)
}

// Config tunes a Worker. Zero values take the package defaults.
type Config struct {
	Interval    time.Duration
	GracePeriod time.Duration
	MaxAge      time.Duration
	CallTimeout time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Concurrency int
	MaxAttempts int
	BatchSize   int
}

func (config Config) normalized() Config {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultMaxAge
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = DefaultBaseBackoff
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BatchSize > ledger.MaxListLimit {
		config.BatchSize = ledger.MaxListLimit
	}
	return config
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithObserver wires metrics callbacks.
func WithObserver(observer Observer) WorkerOption {
	return func(worker *Worker) {
		worker.observer = observer
	}
}

// WithRetryTimer replaces the timer used between gateway retries. newTimer is called once per read.
func WithRetryTimer(newTimer func() backoff.Timer) WorkerOption {
	return func(worker *Worker) {
		worker.newTimer = newTimer
	}
}

// Worker reconciles pending topups.
type Worker struct {
	resolver  Resolver
	gateway   Gateway
	config    Config
	logger    *zap.Logger
	nowFn     func() time.Time
	observer  Observer
	newTimer  func() backoff.Timer
	passMutex sync.Mutex
}

// NewWorker wires a Worker.
func NewWorker(resolver Resolver, gateway Gateway, config Config, logger *zap.Logger, now func() time.Time, options ...WorkerOption) (*Worker, error) {
	if resolver == nil {
		return nil, fmt.Errorf("%w: resolver dependency is nil", ErrInvalidWorkerConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidWorkerConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidWorkerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	worker := &Worker{
		resolver: resolver,
		gateway:  gateway,
		config:   config.normalized(),
		logger:   logger,
		nowFn:    now,
	}
	for _, option := range options {
		if option != nil {
			option(worker)
		}
	}
	return worker, nil
}

// Run executes a pass immediately and then every Interval until ctx ends.
func (worker *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(worker.config.Interval)
	defer ticker.Stop()

	worker.logger.Info("reconciler started", zap.Duration("interval", worker.config.Interval))
	worker.runLogged(ctx)
	for {
		select {
		case <-ticker.C:
			worker.runLogged(ctx)
		case <-ctx.Done():
			worker.logger.Info("reconciler stopped")
			return nil
		}
	}
}

// RunOnce pages through every pending topup past the grace period, BatchSize at a time. Passes never overlap.
func (worker *Worker) RunOnce(ctx context.Context) (Report, error) {
	worker.passMutex.Lock()
	defer worker.passMutex.Unlock()

	startedAt := worker.nowFn().UTC()
	report := Report{StartedAt: startedAt}
	createdBefore := startedAt.Add(-worker.config.GracePeriod)
	staleBefore := startedAt.Add(-worker.config.MaxAge)
	var cursor ledger.PendingCursor
	for {
		entries, err := worker.resolver.PendingTopupsAfter(ctx, createdBefore, cursor, worker.config.BatchSize)
		if err != nil {
			worker.observePass(startedAt, err)
			return report, fmt.Errorf("list pending topups: %w", err)
		}
		worker.reconcileBatch(ctx, entries, staleBefore, &report)
		if len(entries) < worker.config.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			worker.observePass(startedAt, err)
			return report, err
		}
		cursor = ledger.CursorAfter(entries[len(entries)-1])
	}

	for _, entry := range report.Stale {
		worker.logger.Warn("stale pending topup",
			zap.String("entry_id", entry.ID.String()),
			zap.String("user_id", entry.UserID.String()),
			zap.String("reference", entry.ExternalReference),
			zap.Duration("age", startedAt.Sub(entry.CreatedAt)),
		)
	}
	if worker.observer != nil {
		worker.observer.ObserveStalePending(len(report.Stale))
	}
	worker.observePass(startedAt, nil)
	return report, nil
}

func (worker *Worker) reconcileBatch(ctx context.Context, entries []ledger.Entry, staleBefore time.Time, report *Report) {
	var (
		group       errgroup.Group
		reportMutex sync.Mutex
	)
	group.SetLimit(worker.config.Concurrency)
	for _, entry := range entries {
		entry := entry
		group.Go(func() error {
			decision := worker.reconcileEntry(ctx, entry)
			reportMutex.Lock()
			defer reportMutex.Unlock()
			report.add(decision)
			if decision.leavesPending() && !entry.CreatedAt.After(staleBefore) {
				report.Stale = append(report.Stale, entry)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (worker *Worker) runLogged(ctx context.Context) {
	report, err := worker.RunOnce(ctx)
	if err != nil {
		worker.logger.Error("reconcile pass failed", zap.Error(err))
		return
	}
	worker.logger.Info("reconcile pass finished",
		zap.Int("examined", report.Examined),
		zap.Int("applied", report.Applied),
		zap.Int("failed", report.Failed),
		zap.Int("amount_mismatch", report.AmountMismatch),
		zap.Int("still_pending", report.StillPending),
		zap.Int("ambiguous", report.Ambiguous),
		zap.Int("unavailable", report.Unavailable),
		zap.Int("stale", len(report.Stale)),
	)
}

func (worker *Worker) reconcileEntry(ctx context.Context, entry ledger.Entry) Decision {
	fields := []zap.Field{
		zap.String("entry_id", entry.ID.String()),
		zap.String("reference", entry.ExternalReference),
	}
	resolution, decision, err := worker.decide(ctx, entry)
	if err != nil {
		worker.logger.Warn("gateway status unavailable", append(fields, zap.Error(err))...)
		worker.observeDecision(decision)
		return decision
	}
	if !decision.terminal() {
		worker.observeDecision(decision)
		return decision
	}
	_, changed, err := worker.resolver.ResolvePending(ctx, entry.ID, resolution)
	switch {
	case errors.Is(err, ledger.ErrEntryFinalized):
		worker.logger.Info("topup resolved elsewhere", append(fields, zap.Error(err))...)
		decision = DecisionSkipped
	case err != nil:
		worker.logger.Error("resolve pending topup", append(fields, zap.Error(err))...)
		decision = DecisionError
	case !changed:
		decision = DecisionSkipped
	case decision == DecisionAmountMismatch:
		worker.logger.Warn("topup settled with a different amount",
			append(fields, zap.Int64("requested", entry.Amount.Int64()), zap.Int64("settled", resolution.SettledAmount), zap.Error(ledger.ErrAmountMismatch))...)
	}
	worker.observeDecision(decision)
	return decision
}

// decide reads the gateway twice and only returns a terminal decision when both reads agree.
func (worker *Worker) decide(ctx context.Context, entry ledger.Entry) (ledger.Resolution, Decision, error) {
	first, err := worker.observe(ctx, entry.ExternalReference)
	if err != nil {
		return ledger.Resolution{}, DecisionUnavailable, err
	}
	resolution, decision := resolutionFor(entry, first)
	if !decision.terminal() {
		return resolution, decision, nil
	}
	second, err := worker.observe(ctx, entry.ExternalReference)
	if err != nil {
		return ledger.Resolution{}, DecisionUnavailable, err
	}
	if first != second {
		worker.logger.Warn("gateway reads disagree",
			zap.String("entry_id", entry.ID.String()),
			zap.String("first", first.String()),
			zap.String("second", second.String()),
		)
		return ledger.Resolution{}, DecisionAmbiguous, nil
	}
	return resolution, decision, nil
}

// observe returns one read with retries on transient errors. A missing reference is a valid read.
func (worker *Worker) observe(ctx context.Context, referenceID string) (observation, error) {
	var (
		read     observation
		attempts int
	)
	operation := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, worker.config.CallTimeout)
		status, err := worker.gateway.Status(callCtx, referenceID)
		cancel()
		switch {
		case errors.Is(err, ErrReferenceNotFound):
			read = observation{notFound: true}
			return nil
		case err != nil:
			if worker.observer != nil {
				worker.observer.ObserveGatewayError()
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			return err
		}
		if _, err := ParseGatewayStatus(string(status.Status)); err != nil {
			return err
		}
		read = observation{status: status.Status, settledAmount: status.SettledAmount, channel: status.Channel}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(worker.retryPolicy(), uint64(worker.config.MaxAttempts-1)), ctx)
	var timer backoff.Timer
	if worker.newTimer != nil {
		timer = worker.newTimer()
	}
	err := backoff.RetryNotifyWithTimer(operation, policy, nil, timer)
	if err == nil {
		return read, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return observation{}, ctxErr
	}
	return observation{}, fmt.Errorf("%w: %d attempts: %v", ErrGatewayUnavailable, attempts, err)
}

// retryPolicy doubles from BaseBackoff up to MaxBackoff without jitter.
func (worker *Worker) retryPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = worker.config.BaseBackoff
	policy.MaxInterval = worker.config.MaxBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func (worker *Worker) observeDecision(decision Decision) {
	if worker.observer != nil {
		worker.observer.ObserveResolution(string(decision))
	}
}

func (worker *Worker) observePass(startedAt time.Time, err error) {
	if worker.observer != nil {
		worker.observer.ObservePass(worker.nowFn().Sub(startedAt), err)
	}
}

type observation struct {
	notFound      bool
	status        GatewayStatus
	settledAmount int64
	channel       string
}

func (read observation) String() string {
	if read.notFound {
		return "not_found"
	}
	return fmt.Sprintf("%s/%d/%s", read.status, read.settledAmount, read.channel)
}

func resolutionFor(entry ledger.Entry, read observation) (ledger.Resolution, Decision) {
	base := ledger.Resolution{
		SettledAmount: read.settledAmount,
		Channel:       read.channel,
		ActorID:       audit.ActorSystem,
	}
	if read.notFound {
		base.Outcome = ledger.OutcomeFailed
		return base, DecisionFailed
	}
	switch read.status {
	case GatewaySuccess:
		if read.settledAmount != entry.Amount.Int64() {
			base.Outcome = ledger.OutcomeFailed
			base.Flag = ledger.FlagAmountMismatch
			return base, DecisionAmountMismatch
		}
		base.Outcome = ledger.OutcomeApplied
		return base, DecisionApplied
	case GatewayFailed, GatewayExpired:
		base.Outcome = ledger.OutcomeFailed
		return base, DecisionFailed
	default:
		return ledger.Resolution{}, DecisionPending
	}
}
