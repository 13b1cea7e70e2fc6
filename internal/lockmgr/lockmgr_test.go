package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSharedLocksAreCompatible(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, "r", Shared))
	require.NoError(t, m.Acquire(ctx, 2, "r", Shared))
}

func TestExclusiveBlocksShared(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, "r", Exclusive))

	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, 2, "r", Shared) }()

	select {
	case <-done:
		t.Fatal("acquire should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(1, "r")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after release")
	}
}

func TestSoleSharedHolderUpgradesToExclusive(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, "r", Shared))

	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, 1, "r", Exclusive) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("owner deadlocked upgrading its own sole shared hold")
	}
}

func TestQueuedUpgradeWakesAfterOtherSharedHolderReleases(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, "r", Shared))
	require.NoError(t, m.Acquire(ctx, 2, "r", Shared))

	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, 1, "r", Exclusive) }()

	select {
	case <-done:
		t.Fatal("upgrade should block while owner 2 still holds shared")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(2, "r")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("upgrade never woke after competing shared holder released")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, "r", Exclusive))

	cctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Acquire(cctx, 2, "r", Exclusive)
	require.Error(t, err)
}

func TestReleaseAllDropsEveryLock(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, "a", Exclusive))
	require.NoError(t, m.Acquire(ctx, 1, "b", Exclusive))
	m.ReleaseAll(1)

	require.NoError(t, m.Acquire(ctx, 2, "a", Exclusive))
	require.NoError(t, m.Acquire(ctx, 2, "b", Exclusive))
}

func TestDeadlockDetected(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, "a", Exclusive))
	require.NoError(t, m.Acquire(ctx, 2, "b", Exclusive))

	errCh := make(chan error, 1)
	go func() { errCh <- m.Acquire(ctx, 1, "b", Exclusive) }()
	// Give owner 1's wait on "b" time to register before owner 2 requests "a",
	// which would otherwise complete the cycle before it's visible.
	time.Sleep(20 * time.Millisecond)

	err := m.Acquire(ctx, 2, "a", Exclusive)
	require.Error(t, err)

	m.Release(1, "a")
	m.Release(2, "b")
	require.NoError(t, <-errCh)
}
