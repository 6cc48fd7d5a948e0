package redislock

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testRedisAddrEnv = "ARENA_TEST_REDIS_ADDR"

func newTestLocker(test *testing.T) *Locker {
	test.Helper()
	addr := os.Getenv(testRedisAddrEnv)
	if addr == "" {
		test.Skipf("%s not set", testRedisAddrEnv)
	}
	client, err := Open(context.Background(), addr)
	require.NoError(test, err)
	test.Cleanup(func() { _ = client.Close() })
	locker, err := New(client, Options{KeyPrefix: "arena:test:" + uuid.NewString() + ":", RetryInterval: 5 * time.Millisecond})
	require.NoError(test, err)
	return locker
}

func TestNewRejectsNilClient(test *testing.T) {
	test.Parallel()
	_, err := New(nil, Options{})
	require.ErrorIs(test, err, ErrInvalidLockerConfig)
}

func TestOptionsDefaults(test *testing.T) {
	test.Parallel()
	options := Options{}.withDefaults()
	require.Equal(test, defaultKeyPrefix, options.KeyPrefix)
	require.Equal(test, defaultLeaseTTL, options.LeaseTTL)
	require.Equal(test, defaultRetryInterval, options.RetryInterval)
	require.NotNil(test, options.Logger)
}

// unreachableScripts grants every SETNX and fails every script call.
type unreachableScripts struct {
	redis.Cmdable
}

func (unreachableScripts) SetNX(context.Context, string, interface{}, time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func (unreachableScripts) EvalSha(context.Context, string, []string, ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("connection refused"))
}

func TestReleaseFailureIsLogged(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zap.WarnLevel)
	locker, err := New(unreachableScripts{}, Options{Logger: zap.New(core)})
	require.NoError(test, err)

	release, err := locker.Lock(context.Background(), "wallet:user-1")
	require.NoError(test, err)
	release()
	release()

	entries := logs.FilterMessageSnippet("release failed").All()
	require.Len(test, entries, 1)
	require.Equal(test, "arena:lock:wallet:user-1", entries[0].ContextMap()["key"])
}

func TestLeaseIsRenewedWhileHeld(test *testing.T) {
	addr := os.Getenv(testRedisAddrEnv)
	if addr == "" {
		test.Skipf("%s not set", testRedisAddrEnv)
	}
	client, err := Open(context.Background(), addr)
	require.NoError(test, err)
	test.Cleanup(func() { _ = client.Close() })
	locker, err := New(client, Options{
		KeyPrefix:     "arena:test:" + uuid.NewString() + ":",
		LeaseTTL:      150 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
	})
	require.NoError(test, err)

	release, err := locker.Lock(context.Background(), "wallet:slow")
	require.NoError(test, err)
	time.Sleep(450 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "wallet:slow")
	require.ErrorIs(test, err, context.DeadlineExceeded)

	release()
	again, err := locker.Lock(context.Background(), "wallet:slow")
	require.NoError(test, err)
	again()
}

func TestLockSerializesHolders(test *testing.T) {
	locker := newTestLocker(test)
	ctx := context.Background()
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		inside    int
		maxInside int
	)
	for worker := 0; worker < 6; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			release, err := locker.Lock(ctx, "wallet:shared")
			if err != nil {
				return
			}
			mutex.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mutex.Unlock()
			time.Sleep(5 * time.Millisecond)
			mutex.Lock()
			inside--
			mutex.Unlock()
			release()
		}()
	}
	waitGroup.Wait()
	require.Equal(test, 1, maxInside)
}

func TestLockHonorsContext(test *testing.T) {
	locker := newTestLocker(test)
	release, err := locker.Lock(context.Background(), "tournament:busy")
	require.NoError(test, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "tournament:busy")
	require.ErrorIs(test, err, context.DeadlineExceeded)
}
