package syncengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"backend-pawwalk/internal/apperr"

	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffDelays(t *testing.T) {
	b := ExponentialBackoff{Base: time.Second, Max: 10 * time.Second}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	for i, w := range want {
		require.Equal(t, w, b.RetryDelay(i+1), "attempt %d", i+1)
	}
	require.Equal(t, time.Second, b.RetryDelay(0))
}

func TestExponentialBackoffShouldRetry(t *testing.T) {
	b := ExponentialBackoff{Base: time.Second, MaxAttempts: 3}
	require.True(t, b.ShouldRetry(errOffline, 1))
	require.True(t, b.ShouldRetry(errOffline, 2))
	require.False(t, b.ShouldRetry(errOffline, 3))
	require.False(t, b.ShouldRetry(errors.New("disk full"), 1))

	unlimited := ExponentialBackoff{Base: time.Second}
	require.True(t, unlimited.ShouldRetry(apperr.ErrRemoteUnavailable, 1000))
}

func TestNoRetry(t *testing.T) {
	require.False(t, NoRetry{}.ShouldRetry(errOffline, 1))
	require.Zero(t, NoRetry{}.RetryDelay(1))
}

func TestStatusSignalAggregatesOverlappingSweeps(t *testing.T) {
	s := NewStatusSignal()
	var seen []Status
	s.Subscribe(func(st Status) { seen = append(seen, st) })

	s.begin()
	s.begin()
	require.Equal(t, StatusSyncing, s.Current())
	s.end(StatusError)
	require.Equal(t, StatusSyncing, s.Current())
	s.end(StatusSuccess)

	require.Equal(t, StatusError, s.Current())
	require.Equal(t, []Status{StatusSyncing, StatusError}, seen)
}

func TestStatusSignalUnsubscribe(t *testing.T) {
	s := NewStatusSignal()
	calls := 0
	unsubscribe := s.Subscribe(func(Status) { calls++ })
	unsubscribe()
	s.begin()
	s.end(StatusSuccess)
	require.Zero(t, calls)
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	var k keyedMutex
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("x")
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
	require.Empty(t, k.locks)
}

type countingSyncer struct {
	kind  string
	calls atomic.Int32
	err   error
}

func (c *countingSyncer) Kind() string { return c.kind }

func (c *countingSyncer) SyncPending(context.Context) (Report, error) {
	c.calls.Add(1)
	return Report{Attempted: 1, Synced: 1}, c.err
}

func TestSweeperSyncAll(t *testing.T) {
	walks := &countingSyncer{kind: "walks"}
	payments := &countingSyncer{kind: "payments", err: errors.New("store closed")}
	s := NewSweeper(time.Hour, nil, walks, payments)

	reports, err := s.SyncAll(context.Background())
	require.Error(t, err)
	require.Contains(t, reports, "walks")
	require.NotContains(t, reports, "payments")
	require.Equal(t, int32(1), payments.calls.Load())
}

func TestSweeperRunsOnInterval(t *testing.T) {
	walks := &countingSyncer{kind: "walks"}
	s := NewSweeper(5*time.Millisecond, nil, walks)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return walks.calls.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop()

	after := walks.calls.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, walks.calls.Load())
}

func TestSweeperHoldsWorstOutcomeAcrossEngines(t *testing.T) {
	sig := NewStatusSignal()
	var seen []Status
	unsub := sig.Subscribe(func(st Status) { seen = append(seen, st) })
	defer unsub()

	failing := &statusSyncer{kind: "walks", sig: sig, outcome: StatusError}
	clean := &statusSyncer{kind: "payments", sig: sig, outcome: StatusSuccess}
	s := NewSweeper(time.Hour, nil, failing, clean).WithStatus(sig)

	_, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Status{StatusSyncing, StatusError}, seen)
	require.Equal(t, StatusError, sig.Current())
}

type statusSyncer struct {
	kind    string
	sig     *StatusSignal
	outcome Status
}

func (s *statusSyncer) Kind() string { return s.kind }

func (s *statusSyncer) SyncPending(context.Context) (Report, error) {
	s.sig.begin()
	s.sig.end(s.outcome)
	return Report{}, nil
}
