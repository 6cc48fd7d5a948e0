package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
)

type mockGateway struct {
	mock.Mock
}

func (gateway *mockGateway) Status(ctx context.Context, referenceID string) (PaymentStatus, error) {
	args := gateway.Called(ctx, referenceID)
	return args.Get(0).(PaymentStatus), args.Error(1)
}

type countingObserver struct {
	mutex         sync.Mutex
	decisions     map[string]int
	gatewayErrors int
	stale         int
	passes        int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{decisions: make(map[string]int)}
}

func (observer *countingObserver) ObserveResolution(decision string) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.decisions[decision]++
}

func (observer *countingObserver) ObserveGatewayError() {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.gatewayErrors++
}

func (observer *countingObserver) ObserveStalePending(count int) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.stale = count
}

func (observer *countingObserver) ObservePass(time.Duration, error) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.passes++
}

type instantTimer struct {
	channel chan time.Time
}

func newInstantTimer() backoff.Timer {
	return &instantTimer{channel: make(chan time.Time, 1)}
}

func (timer *instantTimer) Start(time.Duration) {
	timer.channel <- time.Now()
}

func (timer *instantTimer) Stop() {}

func (timer *instantTimer) C() <-chan time.Time {
	return timer.channel
}

type reconcileFixture struct {
	ledger   *ledger.Service
	gateway  *mockGateway
	worker   *Worker
	observer *countingObserver
	now      time.Time
}

var requestTime = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

func newReconcileFixture(test *testing.T, workerNow time.Time) reconcileFixture {
	test.Helper()
	return newReconcileFixtureWithConfig(test, workerNow, Config{
		GracePeriod: time.Minute,
		MaxAge:      24 * time.Hour,
		MaxAttempts: 3,
		Concurrency: 2,
	})
}

func newReconcileFixtureWithConfig(test *testing.T, workerNow time.Time, config Config) reconcileFixture {
	test.Helper()
	ledgerService, err := ledger.NewService(ledger.NewMemoryStore(), func() time.Time { return requestTime })
	require.NoError(test, err)
	gateway := &mockGateway{}
	observer := newCountingObserver()
	worker, err := NewWorker(ledgerService, gateway, config, zap.NewNop(), func() time.Time { return workerNow },
		WithObserver(observer),
		WithRetryTimer(newInstantTimer),
	)
	require.NoError(test, err)
	return reconcileFixture{ledger: ledgerService, gateway: gateway, worker: worker, observer: observer, now: workerNow}
}

func (fixture reconcileFixture) requestTopup(test *testing.T, userID string, amount int64, reference string) ledger.Entry {
	test.Helper()
	user, err := ledger.NewUserID(userID)
	require.NoError(test, err)
	entry, err := fixture.ledger.Append(context.Background(), ledger.EntryDraft{
		UserID:            user,
		Kind:              ledger.KindTopup,
		Amount:            ledger.SignedAmount(amount),
		ExternalReference: reference,
	})
	require.NoError(test, err)
	return entry
}

func (fixture reconcileFixture) balance(test *testing.T, userID string) int64 {
	test.Helper()
	user, err := ledger.NewUserID(userID)
	require.NoError(test, err)
	balance, err := fixture.ledger.VerifyBalance(context.Background(), user)
	require.NoError(test, err)
	return balance.Int64()
}

func (fixture reconcileFixture) entry(test *testing.T, entryID ledger.EntryID) ledger.Entry {
	test.Helper()
	user, err := ledger.NewUserID("user-1")
	require.NoError(test, err)
	entries, err := fixture.ledger.ListEntries(context.Background(), user, requestTime.Add(time.Hour), 50)
	require.NoError(test, err)
	for _, entry := range entries {
		if entry.ID == entryID {
			return entry
		}
	}
	test.Fatalf("entry %s not found", entryID)
	return ledger.Entry{}
}

func TestNewWorkerRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewWorker(nil, &mockGateway{}, Config{}, nil, time.Now)
	require.ErrorIs(test, err, ErrInvalidWorkerConfig)
	_, err = NewWorker(&ledger.Service{}, nil, Config{}, nil, time.Now)
	require.ErrorIs(test, err, ErrInvalidWorkerConfig)
}

func TestRunOnceAppliesMatchingSuccessOnce(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test, requestTime.Add(10*time.Minute))
	topup := fixture.requestTopup(test, "user-1", 500, "ref-1")
	fixture.gateway.On("Status", mock.Anything, "ref-1").
		Return(PaymentStatus{ReferenceID: "ref-1", Status: GatewaySuccess, SettledAmount: 500, Channel: "VIRTUAL_ACCOUNT"}, nil)

	report, err := fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 1, report.Examined)
	require.Equal(test, 1, report.Applied)
	require.EqualValues(test, 500, fixture.balance(test, "user-1"))
	fixture.gateway.AssertNumberOfCalls(test, "Status", 2)

	stored := fixture.entry(test, topup.ID)
	require.Equal(test, ledger.StatusApplied, stored.Status)
	require.Equal(test, "VIRTUAL_ACCOUNT", stored.Channel)

	report, err = fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 0, report.Examined)
	_, changed, err := fixture.ledger.ResolvePending(context.Background(), topup.ID, ledger.Resolution{Outcome: ledger.OutcomeApplied, SettledAmount: 500})
	require.NoError(test, err)
	require.False(test, changed)
	require.EqualValues(test, 500, fixture.balance(test, "user-1"))
}

func TestRunOnceFlagsAmountMismatch(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test, requestTime.Add(10*time.Minute))
	topup := fixture.requestTopup(test, "user-1", 500, "ref-1")
	fixture.gateway.On("Status", mock.Anything, "ref-1").
		Return(PaymentStatus{ReferenceID: "ref-1", Status: GatewaySuccess, SettledAmount: 300}, nil)

	report, err := fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 1, report.AmountMismatch)

	stored := fixture.entry(test, topup.ID)
	require.Equal(test, ledger.StatusFailed, stored.Status)
	require.Equal(test, ledger.FlagAmountMismatch, stored.Flag)
	require.EqualValues(test, 300, stored.SettledAmount)
	require.EqualValues(test, 0, fixture.balance(test, "user-1"))
}

func TestRunOnceMapsFailuresAndMissingReferences(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test, requestTime.Add(10*time.Minute))
	expired := fixture.requestTopup(test, "user-1", 100, "ref-expired")
	missing := fixture.requestTopup(test, "user-1", 100, "ref-missing")
	waiting := fixture.requestTopup(test, "user-1", 100, "ref-waiting")
	fixture.gateway.On("Status", mock.Anything, "ref-expired").Return(PaymentStatus{Status: GatewayExpired}, nil)
	fixture.gateway.On("Status", mock.Anything, "ref-missing").Return(PaymentStatus{}, ErrReferenceNotFound)
	fixture.gateway.On("Status", mock.Anything, "ref-waiting").Return(PaymentStatus{Status: GatewayPending}, nil)

	report, err := fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 3, report.Examined)
	require.Equal(test, 2, report.Failed)
	require.Equal(test, 1, report.StillPending)

	require.Equal(test, ledger.StatusFailed, fixture.entry(test, expired.ID).Status)
	require.Equal(test, ledger.StatusFailed, fixture.entry(test, missing.ID).Status)
	require.Equal(test, ledger.StatusPending, fixture.entry(test, waiting.ID).Status)
	fixture.gateway.AssertNumberOfCalls(test, "Status", 5)
}

func TestRunOnceLeavesPendingWhenReadsDisagree(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test, requestTime.Add(10*time.Minute))
	topup := fixture.requestTopup(test, "user-1", 500, "ref-1")
	fixture.gateway.On("Status", mock.Anything, "ref-1").
		Return(PaymentStatus{Status: GatewaySuccess, SettledAmount: 500}, nil).Once()
	fixture.gateway.On("Status", mock.Anything, "ref-1").
		Return(PaymentStatus{Status: GatewayFailed}, nil).Once()

	report, err := fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 1, report.Ambiguous)
	require.Equal(test, ledger.StatusPending, fixture.entry(test, topup.ID).Status)
	require.EqualValues(test, 0, fixture.balance(test, "user-1"))
}

func TestRunOnceTreatsTimeoutsAsTransient(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test, requestTime.Add(10*time.Minute))
	topup := fixture.requestTopup(test, "user-1", 500, "ref-1")
	fixture.gateway.On("Status", mock.Anything, "ref-1").Return(PaymentStatus{}, context.DeadlineExceeded)

	report, err := fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 1, report.Unavailable)
	require.Empty(test, report.Stale)
	require.Equal(test, ledger.StatusPending, fixture.entry(test, topup.ID).Status)
	fixture.gateway.AssertNumberOfCalls(test, "Status", 3)
	require.Equal(test, 3, fixture.observer.gatewayErrors)
}

func TestRunOnceRetriesThenSucceeds(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test, requestTime.Add(10*time.Minute))
	fixture.requestTopup(test, "user-1", 500, "ref-1")
	fixture.gateway.On("Status", mock.Anything, "ref-1").
		Return(PaymentStatus{}, errors.New("connection reset")).Once()
	fixture.gateway.On("Status", mock.Anything, "ref-1").
		Return(PaymentStatus{Status: GatewaySuccess, SettledAmount: 500}, nil)

	report, err := fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 1, report.Applied)
	require.EqualValues(test, 500, fixture.balance(test, "user-1"))
}

func TestRunOnceReportsStaleWithoutVoiding(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test, requestTime.Add(30*time.Hour))
	topup := fixture.requestTopup(test, "user-1", 500, "ref-1")
	fixture.gateway.On("Status", mock.Anything, "ref-1").Return(PaymentStatus{Status: GatewayPending}, nil)

	report, err := fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Len(test, report.Stale, 1)
	require.Equal(test, topup.ID, report.Stale[0].ID)
	require.Equal(test, 1, fixture.observer.stale)
	require.Equal(test, ledger.StatusPending, fixture.entry(test, topup.ID).Status)
}

func TestRunOnceSkipsTopupsInsideGracePeriod(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test, requestTime.Add(30*time.Second))
	fixture.requestTopup(test, "user-1", 500, "ref-1")

	report, err := fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 0, report.Examined)
	fixture.gateway.AssertNotCalled(test, "Status", mock.Anything, mock.Anything)
}

func TestRunExecutesImmediatelyAndStopsWithContext(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test, requestTime.Add(10*time.Minute))
	fixture.requestTopup(test, "user-1", 500, "ref-1")
	fixture.gateway.On("Status", mock.Anything, "ref-1").Return(PaymentStatus{Status: GatewaySuccess, SettledAmount: 500}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- fixture.worker.Run(ctx)
	}()
	require.Eventually(test, func() bool {
		fixture.observer.mutex.Lock()
		defer fixture.observer.mutex.Unlock()
		return fixture.observer.passes >= 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(test, err)
	case <-time.After(time.Second):
		test.Fatalf("worker did not stop")
	}
	require.EqualValues(test, 500, fixture.balance(test, "user-1"))
}

func TestRunOncePagesPastStuckEntries(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixtureWithConfig(test, requestTime.Add(30*time.Hour), Config{
		GracePeriod: time.Minute,
		MaxAge:      24 * time.Hour,
		MaxAttempts: 2,
		Concurrency: 1,
		BatchSize:   2,
	})
	fixture.requestTopup(test, "user-2", 100, "ref-stuck-1")
	fixture.requestTopup(test, "user-3", 100, "ref-stuck-2")
	confirmed := fixture.requestTopup(test, "user-1", 100, "ref-confirmed")
	fixture.gateway.On("Status", mock.Anything, "ref-stuck-1").Return(PaymentStatus{Status: GatewayPending}, nil)
	fixture.gateway.On("Status", mock.Anything, "ref-stuck-2").Return(PaymentStatus{Status: GatewayPending}, nil)
	fixture.gateway.On("Status", mock.Anything, "ref-confirmed").Return(PaymentStatus{Status: GatewaySuccess, SettledAmount: 100}, nil)

	report, err := fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 3, report.Examined)
	require.Equal(test, 1, report.Applied)
	require.Equal(test, 2, report.StillPending)
	require.Len(test, report.Stale, 2)
	require.Equal(test, ledger.StatusApplied, fixture.entry(test, confirmed.ID).Status)
	require.EqualValues(test, 100, fixture.balance(test, "user-1"))

	report, err = fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 2, report.Examined)
	require.Equal(test, 0, report.Applied)
}

func TestRetryPolicyIsBoundedExponential(test *testing.T) {
	test.Parallel()
	worker := &Worker{config: Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: 350 * time.Millisecond}}
	policy := worker.retryPolicy()
	require.Equal(test, 100*time.Millisecond, policy.NextBackOff())
	require.Equal(test, 200*time.Millisecond, policy.NextBackOff())
	require.Equal(test, 350*time.Millisecond, policy.NextBackOff())
	require.Equal(test, 350*time.Millisecond, policy.NextBackOff())
}

func TestRunOnceStopsRetryingAfterMaxAttempts(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixtureWithConfig(test, requestTime.Add(10*time.Minute), Config{
		GracePeriod: time.Minute,
		MaxAttempts: 1,
	})
	fixture.requestTopup(test, "user-1", 500, "ref-1")
	fixture.gateway.On("Status", mock.Anything, "ref-1").Return(PaymentStatus{}, errors.New("connection reset"))

	report, err := fixture.worker.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 1, report.Unavailable)
	fixture.gateway.AssertNumberOfCalls(test, "Status", 1)
}
