package rebootlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lke-infra/vlanctl/internal/coordstore/inmemory"
)

type fakeProber struct {
	ready map[string]bool
	err   error
}

func (p *fakeProber) NodeReady(_ context.Context, name string) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	return p.ready[name], nil
}

func TestAcquireVacantLock(t *testing.T) {
	store := inmemory.NewStore()
	lock := New(store, "node-a", time.Millisecond)

	require.NoError(t, lock.Acquire(context.Background()))

	holder, err := lock.Holder(context.Background())
	require.NoError(t, err)
	require.Equal(t, "node-a", holder)
}

func TestAcquireIsIdempotentForHolder(t *testing.T) {
	store := inmemory.NewStore()
	lock := New(store, "node-a", time.Millisecond)

	require.NoError(t, lock.Acquire(context.Background()))
	require.NoError(t, lock.Acquire(context.Background()))

	holder, err := lock.Holder(context.Background())
	require.NoError(t, err)
	require.Equal(t, "node-a", holder)
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	store := inmemory.NewStore()
	first := New(store, "node-a", time.Millisecond)
	second := New(store, "node-b", time.Millisecond)

	require.NoError(t, first.Acquire(context.Background()))

	acquired := make(chan error, 1)
	go func() {
		acquired <- second.Acquire(context.Background())
	}()

	select {
	case <-acquired:
		t.Fatal("second node acquired the lock while it was held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, first.Release(context.Background()))
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second node never acquired the released lock")
	}

	holder, err := second.Holder(context.Background())
	require.NoError(t, err)
	require.Equal(t, "node-b", holder)
}

func TestAcquireNeverGrantsTwoHolders(t *testing.T) {
	store := inmemory.NewStore()

	var mu sync.Mutex
	inCritical := 0
	var wg sync.WaitGroup
	for _, node := range []string{"node-a", "node-b", "node-c", "node-d"} {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			lock := New(store, node, time.Millisecond)
			require.NoError(t, lock.Acquire(context.Background()))

			mu.Lock()
			inCritical++
			require.Equal(t, 1, inCritical)
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
			require.NoError(t, lock.Release(context.Background()))
		}(node)
	}
	wg.Wait()
}

func TestAcquireStopsOnContextCancel(t *testing.T) {
	store := inmemory.NewStore()
	first := New(store, "node-a", time.Millisecond)
	require.NoError(t, first.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	second := New(store, "node-b", time.Millisecond)
	require.Error(t, second.Acquire(ctx))
}

func TestReleaseIgnoresForeignLock(t *testing.T) {
	store := inmemory.NewStore()
	first := New(store, "node-a", time.Millisecond)
	require.NoError(t, first.Acquire(context.Background()))

	second := New(store, "node-b", time.Millisecond)
	require.NoError(t, second.Release(context.Background()))

	holder, err := first.Holder(context.Background())
	require.NoError(t, err)
	require.Equal(t, "node-a", holder)
}

func TestCleanupStaleRemovesOwnLockAfterReboot(t *testing.T) {
	store := inmemory.NewStore()
	// Simulate the pre-reboot agent having taken the lock and rebooted
	// without releasing.
	before := New(store, "node-a", time.Millisecond)
	require.NoError(t, before.Acquire(context.Background()))

	after := New(store, "node-a", time.Millisecond)
	require.NoError(t, after.CleanupStale(context.Background(), &fakeProber{}))

	holder, err := after.Holder(context.Background())
	require.NoError(t, err)
	require.Empty(t, holder)
}

func TestCleanupStaleRemovesLockOfReadyHolder(t *testing.T) {
	store := inmemory.NewStore()
	rebooted := New(store, "node-a", time.Millisecond)
	require.NoError(t, rebooted.Acquire(context.Background()))

	observer := New(store, "node-b", time.Millisecond)
	prober := &fakeProber{ready: map[string]bool{"node-a": true}}
	require.NoError(t, observer.CleanupStale(context.Background(), prober))

	holder, err := observer.Holder(context.Background())
	require.NoError(t, err)
	require.Empty(t, holder)
}

func TestCleanupStaleKeepsLockWhileHolderRebooting(t *testing.T) {
	store := inmemory.NewStore()
	rebooting := New(store, "node-a", time.Millisecond)
	require.NoError(t, rebooting.Acquire(context.Background()))

	observer := New(store, "node-b", time.Millisecond)
	prober := &fakeProber{ready: map[string]bool{"node-a": false}}
	require.NoError(t, observer.CleanupStale(context.Background(), prober))

	holder, err := observer.Holder(context.Background())
	require.NoError(t, err)
	require.Equal(t, "node-a", holder)
}

func TestCleanupStaleNoopWhenUnlocked(t *testing.T) {
	store := inmemory.NewStore()
	lock := New(store, "node-a", time.Millisecond)
	require.NoError(t, lock.CleanupStale(context.Background(), &fakeProber{}))
}
