// Package leadership elects exactly one allocator replica via a versioned
// record in the coordination store. Safety comes from compare-and-swap at
// write time: a replica never becomes leader off a plain read, and a leader
// that fails to renew demotes itself immediately.
package leadership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lke-infra/vlanctl/internal/coordstore"
)

const recordKey = "/allocator/leader"

type State int32

const (
	Follower State = iota
	Attempting
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Attempting:
		return "attempting"
	case Leader:
		return "leader"
	}
	return "unknown"
}

type record struct {
	Leader    string    `json:"leader"`
	RenewedAt time.Time `json:"renewed_at"`
}

type Manager struct {
	store    coordstore.Store
	id       string
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time

	state atomic.Int32

	onElected func(context.Context)
	onDemoted func(context.Context)
}

type Option func(*Manager)

// OnElected runs after leadership is won, before requests are served.
func OnElected(fn func(context.Context)) Option {
	return func(m *Manager) { m.onElected = fn }
}

// OnDemoted runs the instant leadership is lost or relinquished.
func OnDemoted(fn func(context.Context)) Option {
	return func(m *Manager) { m.onDemoted = fn }
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store coordstore.Store, id string, ttl, interval time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		id:       id,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) IsLeader() bool {
	return State(m.state.Load()) == Leader
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Run polls the leadership record until ctx is done. Leaders renew at half
// the poll interval so the record cannot expire between ticks.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	renew := time.NewTicker(m.interval / 2)
	defer renew.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.resign(context.WithoutCancel(ctx))
			return
		case <-renew.C:
			if m.IsLeader() {
				m.Tick(ctx)
			}
		case <-ticker.C:
			if !m.IsLeader() {
				m.Tick(ctx)
			}
		}
	}
}

// Tick runs one round of the state machine. Exported so tests can drive the
// protocol without timers.
func (m *Manager) Tick(ctx context.Context) {
	raw, err := m.store.Get(ctx, recordKey)
	if errors.Is(err, coordstore.ErrKeyNotFound) {
		m.attemptCreate(ctx)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to read leadership record")
		// Cannot prove we still lead; serving without proof risks two
		// leaders.
		m.demote(ctx)
		return
	}

	var current record
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		log.Error().Err(err).Msg("leadership record is corrupt, attempting takeover")
		m.attemptSwap(ctx, raw)
		return
	}

	switch {
	case current.Leader == m.id:
		// Our record; renew it (also reclaims after our own restart).
		m.attemptSwap(ctx, raw)
	case m.expired(current):
		log.Info().Msgf("leadership record of %s expired, attempting takeover", current.Leader)
		m.attemptSwap(ctx, raw)
	default:
		if m.IsLeader() {
			// Someone else holds a live record while we believe we lead:
			// relinquish, never pick a winner locally.
			log.Error().Msgf("observed live leader %s while leading, relinquishing", current.Leader)
		}
		m.demote(ctx)
	}
}

func (m *Manager) attemptCreate(ctx context.Context) {
	m.state.Store(int32(Attempting))
	created, err := m.store.Create(ctx, recordKey, m.encode())
	if err != nil {
		log.Error().Err(err).Msg("failed to create leadership record")
		m.demote(ctx)
		return
	}
	if created {
		m.promote(ctx)
	} else {
		m.demote(ctx)
	}
}

func (m *Manager) attemptSwap(ctx context.Context, observed string) {
	m.state.Store(int32(Attempting))
	swapped, err := m.store.CompareAndSwap(ctx, recordKey, observed, m.encode())
	if err != nil {
		log.Error().Err(err).Msg("failed to renew leadership record")
		m.demote(ctx)
		return
	}
	if swapped {
		m.promote(ctx)
	} else {
		m.demote(ctx)
	}
}

// resign deletes our own record on clean shutdown for fast failover.
func (m *Manager) resign(ctx context.Context) {
	if !m.IsLeader() {
		return
	}
	m.demote(ctx)
	raw, err := m.store.Get(ctx, recordKey)
	if err != nil {
		return
	}
	var current record
	if json.Unmarshal([]byte(raw), &current) == nil && current.Leader == m.id {
		if _, err := m.store.Delete(ctx, recordKey); err != nil {
			log.Error().Err(err).Msg("failed to delete leadership record on resign")
		}
	}
}

func (m *Manager) promote(ctx context.Context) {
	wasLeader := State(m.state.Swap(int32(Leader))) == Leader
	if !wasLeader {
		log.Warn().Msgf("instance %s won allocator leader election", m.id)
		if m.onElected != nil {
			m.onElected(ctx)
		}
	}
}

func (m *Manager) demote(ctx context.Context) {
	wasLeader := State(m.state.Swap(int32(Follower))) == Leader
	if wasLeader {
		log.Warn().Msgf("instance %s lost allocator leadership", m.id)
		if m.onDemoted != nil {
			m.onDemoted(ctx)
		}
	}
}

func (m *Manager) expired(r record) bool {
	return m.now().After(r.RenewedAt.Add(m.ttl))
}

func (m *Manager) encode() string {
	raw, err := json.Marshal(record{Leader: m.id, RenewedAt: m.now()})
	if err != nil {
		panic(fmt.Errorf("failed to marshal leadership record: %w", err))
	}
	return string(raw)
}
