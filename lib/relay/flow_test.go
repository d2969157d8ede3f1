package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestFlowControllerReserveWithinWindow(t *testing.T) {
	fc := NewFlowController(1024)
	got, err := fc.Reserve(context.Background(), 1024)
	require.NoError(t, err)
	require.Equal(t, 1024, got)
	require.Equal(t, 1024, fc.BytesInFlight())
}

func TestFlowControllerGrantsPartialCreditUnderSmallWindow(t *testing.T) {
	// spec.md §8 scenario 5: remote_window=1024 against a write bigger than
	// the window must progress in window-sized pieces, not deadlock trying
	// to reserve the whole write atomically.
	fc := NewFlowController(1024)

	got, err := fc.Reserve(context.Background(), 4096)
	require.NoError(t, err)
	require.Equal(t, 1024, got, "a single reservation is capped to the whole window")
	require.Equal(t, 1024, fc.BytesInFlight())

	reserved := make(chan int, 1)
	go func() {
		n, err := fc.Reserve(context.Background(), 4096-got)
		require.NoError(t, err)
		reserved <- n
	}()

	select {
	case <-reserved:
		t.Fatal("reservation should have blocked with no available window")
	case <-time.After(50 * time.Millisecond):
	}

	fc.OnWindowUpdate(1024)

	select {
	case n := <-reserved:
		require.Equal(t, 1024, n)
	case <-time.After(time.Second):
		t.Fatal("reservation never unblocked after WINDOW_UPDATE")
	}
}

func TestFlowControllerNeverExceedsWindow(t *testing.T) {
	// invariant 1 of spec.md §8: bytes_in_flight never exceeds remote_window.
	fc := NewFlowController(100)
	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			if n, err := fc.Reserve(ctx, 10); err == nil {
				mu.Lock()
				if v := fc.BytesInFlight(); v > maxSeen {
					maxSeen = v
				}
				mu.Unlock()
				fc.OnWindowUpdate(n)
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, maxSeen, 100)
}

func TestFlowControllerCloseUnblocksWaiters(t *testing.T) {
	fc := NewFlowController(10)
	_, err := fc.Reserve(context.Background(), 10)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { _, err := fc.Reserve(context.Background(), 10); errc <- err }()
	time.Sleep(20 * time.Millisecond)
	fc.Close()

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock waiter")
	}
}

func TestFlowControllerContextCancellation(t *testing.T) {
	fc := NewFlowController(10)
	_, err := fc.Reserve(context.Background(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { _, err := fc.Reserve(ctx, 5); errc <- err }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("context cancellation did not unblock waiter")
	}
}

func TestFlowControllerReportsMetrics(t *testing.T) {
	m := NewMetrics()
	fc := NewFlowController(10)
	fc.SetMetrics(m)

	got, err := fc.Reserve(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 10, got)
	require.Equal(t, float64(10), testutil.ToFloat64(m.BytesInFlight))

	stalled := make(chan struct{})
	go func() {
		_, _ = fc.Reserve(context.Background(), 1)
		close(stalled)
	}()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WindowStalls) == 1
	}, time.Second, 5*time.Millisecond)

	fc.OnWindowUpdate(10)
	<-stalled
	require.Equal(t, float64(1), testutil.ToFloat64(m.BytesInFlight))
}

func TestFlowControllerInboundThreshold(t *testing.T) {
	fc := NewFlowController(1024)
	inc, send := fc.OnDataConsumed(4096, 8192)
	require.False(t, send)
	require.Equal(t, 0, inc)

	inc, send = fc.OnDataConsumed(4096, 8192)
	require.True(t, send)
	require.Equal(t, 8192, inc)

	// accumulator reset after crossing threshold.
	inc, send = fc.OnDataConsumed(100, 8192)
	require.False(t, send)
	require.Equal(t, 0, inc)
}
