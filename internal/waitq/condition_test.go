package waitq

// ============================================================================
// One-Shot Condition Test File
// Purpose: Verify latch semantics, signal-before-wait, the registration
//          race window, and idempotent broadcast
// ============================================================================

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConditionSignalBeforeAwait tests that signalAll then await
// returns immediately
func TestConditionSignalBeforeAwait(t *testing.T) {
	c := NewCondition()
	c.SignalAll()

	start := time.Now()
	require.NoError(t, c.Await(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.True(t, c.IsSignalled())
}

// TestConditionAwaitThenSignal tests waking a parked waiter
func TestConditionAwaitThenSignal(t *testing.T) {
	c := NewCondition()

	done := make(chan error, 1)
	go func() {
		done <- c.Await(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	c.SignalAll()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.True(t, c.IsSignalled())
	case <-time.After(2 * time.Second):
		t.Fatal("await did not return after signalAll")
	}
}

// TestConditionBroadcastWakesAllWaiters tests many concurrent waiters
func TestConditionBroadcastWakesAllWaiters(t *testing.T) {
	c := NewCondition()
	const waiters = 50

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Await(context.Background()))
		}()
	}

	time.Sleep(20 * time.Millisecond)
	c.SignalAll()
	wg.Wait()
}

// TestConditionSignalAllIdempotent tests that repeated broadcasts are
// indistinguishable from a single one
func TestConditionSignalAllIdempotent(t *testing.T) {
	c := NewCondition()
	c.SignalAll()
	assert.NotPanics(t, func() { c.SignalAll() })
	assert.True(t, c.IsSignalled())
	require.NoError(t, c.Await(context.Background()))
}

// TestConditionSignalUnsupported tests that single wake is refused
func TestConditionSignalUnsupported(t *testing.T) {
	c := NewCondition()
	err := c.Signal()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignalUnsupported)
}

// TestConditionAwaitUntilTimeout tests the deadline path
func TestConditionAwaitUntilTimeout(t *testing.T) {
	c := NewCondition()

	start := time.Now()
	ok := c.AwaitUntil(start.Add(50 * time.Millisecond))
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

// TestConditionAwaitUntilSignalled tests a deadline wait woken in time
func TestConditionAwaitUntilSignalled(t *testing.T) {
	c := NewCondition()

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.SignalAll()
	}()

	assert.True(t, c.AwaitUntil(time.Now().Add(2*time.Second)))
}

// TestConditionAwaitContextCancelled tests caller-side cancellation
func TestConditionAwaitContextCancelled(t *testing.T) {
	c := NewCondition()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Await(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("await did not observe context cancellation")
	}
}

// TestConditionRegistrationRace tests the latch re-check: broadcasters and
// waiters race and no waiter may park indefinitely
func TestConditionRegistrationRace(t *testing.T) {
	for i := 0; i < 100; i++ {
		c := NewCondition()
		var wg sync.WaitGroup

		wg.Add(2)
		go func() {
			defer wg.Done()
			c.SignalAll()
		}()
		go func() {
			defer wg.Done()
			assert.True(t, c.AwaitUntil(time.Now().Add(5*time.Second)),
				"waiter stranded despite broadcast")
		}()
		wg.Wait()
	}
}
