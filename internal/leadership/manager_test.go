package leadership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lke-infra/vlanctl/internal/coordstore/inmemory"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(store *inmemory.Store, id string, c *clock, opts ...Option) *Manager {
	opts = append(opts, withClock(c.Now))
	return NewManager(store, id, 30*time.Second, 10*time.Second, opts...)
}

func TestFirstTickWinsVacantLeadership(t *testing.T) {
	store := inmemory.NewStore()
	c := &clock{now: time.Unix(1000, 0)}
	m := newTestManager(store, "alloc-1", c)

	m.Tick(context.Background())
	require.True(t, m.IsLeader())
	require.Equal(t, Leader, m.State())
}

func TestExactlyOneLeaderAmongRacingReplicas(t *testing.T) {
	store := inmemory.NewStore()
	c := &clock{now: time.Unix(1000, 0)}

	managers := []*Manager{
		newTestManager(store, "alloc-1", c),
		newTestManager(store, "alloc-2", c),
		newTestManager(store, "alloc-3", c),
	}
	for round := 0; round < 5; round++ {
		for _, m := range managers {
			m.Tick(context.Background())
		}
		leaders := 0
		for _, m := range managers {
			if m.IsLeader() {
				leaders++
			}
		}
		require.Equal(t, 1, leaders, "round %d", round)
		c.Advance(5 * time.Second)
	}
}

func TestFollowerTakesOverExpiredRecord(t *testing.T) {
	store := inmemory.NewStore()
	c := &clock{now: time.Unix(1000, 0)}
	first := newTestManager(store, "alloc-1", c)
	second := newTestManager(store, "alloc-2", c)

	first.Tick(context.Background())
	require.True(t, first.IsLeader())

	second.Tick(context.Background())
	require.False(t, second.IsLeader())

	// First crashes: no renewals. Record expires after the TTL.
	c.Advance(31 * time.Second)
	second.Tick(context.Background())
	require.True(t, second.IsLeader())

	// The crashed leader coming back observes a live record and stays
	// follower.
	first.Tick(context.Background())
	require.False(t, first.IsLeader())
	require.True(t, second.IsLeader())
}

func TestLeaderRenewsOwnRecord(t *testing.T) {
	store := inmemory.NewStore()
	c := &clock{now: time.Unix(1000, 0)}
	m := newTestManager(store, "alloc-1", c)

	m.Tick(context.Background())
	require.True(t, m.IsLeader())

	for i := 0; i < 10; i++ {
		c.Advance(10 * time.Second)
		m.Tick(context.Background())
		require.True(t, m.IsLeader())
	}
}

func TestLeaderDemotesWhenRecordStolen(t *testing.T) {
	store := inmemory.NewStore()
	c := &clock{now: time.Unix(1000, 0)}

	demoted := false
	m := newTestManager(store, "alloc-1", c, OnDemoted(func(context.Context) { demoted = true }))
	m.Tick(context.Background())
	require.True(t, m.IsLeader())

	// Another replica overwrote the record (e.g. after observing expiry due
	// to a long GC pause on our side). We must relinquish, not fight.
	require.NoError(t, store.Put(context.Background(), recordKey, `{"leader":"alloc-2","renewed_at":"2100-01-01T00:00:00Z"}`))

	m.Tick(context.Background())
	require.False(t, m.IsLeader())
	require.True(t, demoted)
}

func TestCallbacksFireOnTransitions(t *testing.T) {
	store := inmemory.NewStore()
	c := &clock{now: time.Unix(1000, 0)}

	var elected, demoted int
	m := newTestManager(store, "alloc-1", c,
		OnElected(func(context.Context) { elected++ }),
		OnDemoted(func(context.Context) { demoted++ }),
	)

	m.Tick(context.Background())
	require.Equal(t, 1, elected)

	// Renewals do not re-fire the election callback.
	m.Tick(context.Background())
	require.Equal(t, 1, elected)

	_, err := store.Delete(context.Background(), recordKey)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), recordKey, `{"leader":"alloc-2","renewed_at":"2100-01-01T00:00:00Z"}`))
	m.Tick(context.Background())
	require.Equal(t, 1, demoted)
}

func TestReclaimsOwnStaleRecordAfterRestart(t *testing.T) {
	store := inmemory.NewStore()
	c := &clock{now: time.Unix(1000, 0)}

	old := newTestManager(store, "alloc-1", c)
	old.Tick(context.Background())
	require.True(t, old.IsLeader())

	// Same identity restarts: the record still names us, CAS renewal
	// reclaims leadership without waiting for expiry.
	restarted := newTestManager(store, "alloc-1", c)
	restarted.Tick(context.Background())
	require.True(t, restarted.IsLeader())
}
