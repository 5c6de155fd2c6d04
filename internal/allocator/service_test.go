package allocator

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lke-infra/vlanctl/internal/coordstore"
	"github.com/lke-infra/vlanctl/internal/coordstore/inmemory"
	"github.com/lke-infra/vlanctl/internal/metrics"
	"github.com/lke-infra/vlanctl/internal/pool"
)

type fakeLeader struct{ leader bool }

func (f *fakeLeader) IsLeader() bool { return f.leader }

type fakeScanner struct {
	attached map[string]string
	err      error
}

func (f *fakeScanner) ScanVLANAddresses(context.Context, string) (map[string]string, error) {
	return f.attached, f.err
}

// failingStore breaks Create/Delete to exercise rollback paths.
type failingStore struct {
	coordstore.Store
	failCreate bool
	failDelete bool
}

var errStoreDown = errors.New("store down")

func (f *failingStore) Create(ctx context.Context, key, value string) (bool, error) {
	if f.failCreate {
		return false, errStoreDown
	}
	return f.Store.Create(ctx, key, value)
}

func (f *failingStore) Delete(ctx context.Context, key string) (bool, error) {
	if f.failDelete {
		return false, errStoreDown
	}
	return f.Store.Delete(ctx, key)
}

func newTestService(t *testing.T, store coordstore.Store, scanner *fakeScanner) (*Service, *fakeLeader) {
	t.Helper()
	leader := &fakeLeader{leader: true}
	svc, err := NewService(store, leader, scanner, metrics.Nop{}, "10.0.0.0/28", "vlan-test", "")
	require.NoError(t, err)
	return svc, leader
}

func TestAllocateRefusedWhenNotLeader(t *testing.T) {
	svc, leader := newTestService(t, inmemory.NewStore(), &fakeScanner{})
	leader.leader = false

	_, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node-a")
	require.ErrorIs(t, err, ErrNotLeader)
	require.ErrorIs(t, svc.Release(context.Background(), "10.0.0.2"), ErrNotLeader)
}

func TestAllocateRefusedBeforePoolLoad(t *testing.T) {
	svc, _ := newTestService(t, inmemory.NewStore(), &fakeScanner{})

	_, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node-a")
	require.ErrorIs(t, err, ErrPoolNotLoaded)
	require.False(t, svc.Healthy())
}

func TestAllocateSubnetMismatch(t *testing.T) {
	svc, _ := newTestService(t, inmemory.NewStore(), &fakeScanner{})
	require.NoError(t, svc.LoadPool(context.Background()))

	_, err := svc.Allocate(context.Background(), "192.168.0.0/24", "node-a")
	require.ErrorIs(t, err, ErrSubnetMismatch)

	_, err = svc.Allocate(context.Background(), "garbage", "node-a")
	require.ErrorIs(t, err, ErrSubnetMismatch)
}

func TestAllocatePersistsLease(t *testing.T) {
	store := inmemory.NewStore()
	svc, _ := newTestService(t, store, &fakeScanner{})
	require.NoError(t, svc.LoadPool(context.Background()))

	addr, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node-a")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", addr.String())

	owner, err := store.Get(context.Background(), "/pool/lease/10.0.0.2")
	require.NoError(t, err)
	require.Equal(t, "node-a", owner)
}

func TestAtMostOnceAllocationUnderConcurrency(t *testing.T) {
	// /28: 16 addresses, 3 reserved, 13 usable.
	svc, _ := newTestService(t, inmemory.NewStore(), &fakeScanner{})
	require.NoError(t, svc.LoadPool(context.Background()))

	const callers = 30
	results := make(chan netip.Addr, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			addr, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node")
			if err == nil {
				results <- addr
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[netip.Addr]struct{})
	for addr := range results {
		_, dup := seen[addr]
		require.False(t, dup, "address %s handed out twice", addr)
		seen[addr] = struct{}{}
	}
	require.Len(t, seen, 13)

	_, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node")
	require.ErrorIs(t, err, pool.ErrExhausted)
}

func TestAllocateRollsBackOnFailedDurableWrite(t *testing.T) {
	broken := &failingStore{Store: inmemory.NewStore(), failCreate: true}
	svc, _ := newTestService(t, broken, &fakeScanner{})

	// Pool load itself needs Create only for sync; no attached, so it works.
	require.NoError(t, svc.LoadPool(context.Background()))

	_, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node-a")
	require.ErrorIs(t, err, errStoreDown)

	// Rolled back: the same lowest address is handed out once the store heals.
	broken.failCreate = false
	addr, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node-a")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", addr.String())
}

func TestAllocateSkipsAddressesAlreadyInMirror(t *testing.T) {
	store := inmemory.NewStore()
	svc, _ := newTestService(t, store, &fakeScanner{})
	require.NoError(t, svc.LoadPool(context.Background()))

	// A lease appears in the mirror behind the pool's back (e.g. written by
	// a previous leader between our load and now). The mirror wins.
	require.NoError(t, store.Put(context.Background(), "/pool/lease/10.0.0.2", "ghost"))

	addr, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node-a")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3", addr.String())
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := inmemory.NewStore()
	svc, _ := newTestService(t, store, &fakeScanner{})
	require.NoError(t, svc.LoadPool(context.Background()))

	addr, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node-a")
	require.NoError(t, err)

	require.NoError(t, svc.Release(context.Background(), addr.String()))
	require.NoError(t, svc.Release(context.Background(), addr.String()))

	_, err = store.Get(context.Background(), "/pool/lease/"+addr.String())
	require.ErrorIs(t, err, coordstore.ErrKeyNotFound)
}

func TestReleaseKeepsStateOnFailedDurableDelete(t *testing.T) {
	broken := &failingStore{Store: inmemory.NewStore()}
	svc, _ := newTestService(t, broken, &fakeScanner{})
	require.NoError(t, svc.LoadPool(context.Background()))

	addr, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node-a")
	require.NoError(t, err)

	broken.failDelete = true
	require.ErrorIs(t, svc.Release(context.Background(), addr.String()), errStoreDown)

	// Still allocated in memory: next allocation must not reuse it.
	next, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node-b")
	require.NoError(t, err)
	require.NotEqual(t, addr, next)
}

func TestReleaseUnknownAndReserved(t *testing.T) {
	svc, _ := newTestService(t, inmemory.NewStore(), &fakeScanner{})
	require.NoError(t, svc.LoadPool(context.Background()))

	require.ErrorIs(t, svc.Release(context.Background(), "192.168.9.9"), pool.ErrNotFound)
	require.ErrorIs(t, svc.Release(context.Background(), "10.0.0.0"), pool.ErrReserved)
}

func TestLoadPoolUnitesMirrorAndCloudScan(t *testing.T) {
	store := inmemory.NewStore()
	require.NoError(t, store.Put(context.Background(), "/pool/lease/10.0.0.4", "node-b"))

	scanner := &fakeScanner{attached: map[string]string{"10.0.0.2/28": "node-a"}}
	svc, _ := newTestService(t, store, scanner)
	require.NoError(t, svc.LoadPool(context.Background()))

	allocated, err := svc.Allocated()
	require.NoError(t, err)
	require.Len(t, allocated, 2)
	require.Equal(t, "10.0.0.2", allocated[0].String())
	require.Equal(t, "10.0.0.4", allocated[1].String())

	// The discovered address was synced back into the mirror.
	owner, err := store.Get(context.Background(), "/pool/lease/10.0.0.2")
	require.NoError(t, err)
	require.Equal(t, "node-a", owner)
}

type recordingMetrics struct {
	increments []string
	durations  []string
}

func (m *recordingMetrics) Increment(name string) { m.increments = append(m.increments, name) }
func (m *recordingMetrics) Duration(name string, _ time.Duration) {
	m.durations = append(m.durations, name)
}
func (m *recordingMetrics) Gauge(string, int) {}

func TestAllocateAndReleaseAreTimed(t *testing.T) {
	stats := &recordingMetrics{}
	svc, err := NewService(inmemory.NewStore(), &fakeLeader{leader: true}, &fakeScanner{}, stats, "10.0.0.0/28", "vlan-test", "")
	require.NoError(t, err)
	require.NoError(t, svc.LoadPool(context.Background()))

	addr, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node-a")
	require.NoError(t, err)
	require.NoError(t, svc.Release(context.Background(), addr.String()))

	require.Contains(t, stats.durations, "allocator.allocate.duration")
	require.Contains(t, stats.durations, "allocator.release.duration")
	require.Contains(t, stats.increments, "allocator.allocate.success")
	require.Contains(t, stats.increments, "allocator.release.success")
}

func TestUnloadPoolStopsService(t *testing.T) {
	svc, _ := newTestService(t, inmemory.NewStore(), &fakeScanner{})
	require.NoError(t, svc.LoadPool(context.Background()))
	require.True(t, svc.Healthy())

	svc.UnloadPool()
	require.False(t, svc.Healthy())
	_, err := svc.Allocate(context.Background(), "10.0.0.0/28", "node-a")
	require.ErrorIs(t, err, ErrPoolNotLoaded)
}
