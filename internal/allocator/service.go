// Package allocator implements the singleton allocation service: leases out
// addresses from the subnet pool under an in-process mutex, mirrors every
// lease durably in the coordination store, and serves only while leader.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lke-infra/vlanctl/internal/coordstore"
	"github.com/lke-infra/vlanctl/internal/metrics"
	"github.com/lke-infra/vlanctl/internal/pool"
)

const leasePrefix = "/pool/lease/"

var (
	ErrNotLeader      = errors.New("allocator: not the leader")
	ErrPoolNotLoaded  = errors.New("allocator: pool not loaded")
	ErrSubnetMismatch = errors.New("allocator: subnet does not match configured pool")
)

type LeaderChecker interface {
	IsLeader() bool
}

// VLANScanner feeds pool reconstruction with addresses already attached on
// the cloud side, so the pool survives total loss of the durable mirror.
type VLANScanner interface {
	ScanVLANAddresses(ctx context.Context, vlanLabel string) (map[string]string, error)
}

type Service struct {
	mu sync.Mutex

	store   coordstore.Store
	leader  LeaderChecker
	scanner VLANScanner
	stats   metrics.Metrics

	subnetCIDR   string
	subnet       netip.Prefix
	vlanLabel    string
	snapshotPath string

	pool *pool.Pool
}

func NewService(
	store coordstore.Store,
	leader LeaderChecker,
	scanner VLANScanner,
	stats metrics.Metrics,
	subnetCIDR string,
	vlanLabel string,
	snapshotPath string,
) (*Service, error) {
	subnet, err := netip.ParsePrefix(subnetCIDR)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subnet %q: %w", subnetCIDR, err)
	}
	return &Service{
		store:        store,
		leader:       leader,
		scanner:      scanner,
		stats:        stats,
		subnetCIDR:   subnetCIDR,
		subnet:       subnet.Masked(),
		vlanLabel:    vlanLabel,
		snapshotPath: snapshotPath,
	}, nil
}

// Subnet is the configured pool subnet, fixed for the service lifetime.
func (s *Service) Subnet() netip.Prefix { return s.subnet }

// LoadPool rebuilds the pool from the durable lease mirror united with a
// scan of attached cloud interfaces. Called on every leadership transition:
// the in-memory pool is a cache, never the source of truth.
func (s *Service) LoadPool(ctx context.Context) error {
	leaseKVs, err := s.store.List(ctx, leasePrefix)
	if err != nil {
		return fmt.Errorf("failed to list leases: %w", err)
	}
	leases := make(map[string]string, len(leaseKVs))
	for key, owner := range leaseKVs {
		leases[path.Base(key)] = owner
	}

	attached, err := s.scanner.ScanVLANAddresses(ctx, s.vlanLabel)
	if err != nil {
		return fmt.Errorf("failed to scan attached vlan addresses: %w", err)
	}

	rebuilt, err := pool.Rebuild(s.subnetCIDR, attached, leases)
	if err != nil {
		return fmt.Errorf("failed to rebuild pool: %w", err)
	}

	// Addresses discovered on the cloud side but missing from the mirror are
	// synced back so the mirror converges to reality.
	for raw, owner := range attached {
		bare := pool.NormalizeIP(raw)
		if _, exists := leases[bare]; exists {
			continue
		}
		if _, err := s.store.Create(ctx, leaseKey(bare), owner); err != nil {
			log.Warn().Err(err).Msgf("failed to sync discovered address %s into lease mirror", bare)
		}
	}

	s.mu.Lock()
	s.pool = rebuilt
	s.mu.Unlock()

	log.Info().Msgf("pool loaded for %s: %d free", s.subnetCIDR, rebuilt.FreeCount())
	s.stats.Gauge("allocator.pool.free", rebuilt.FreeCount())
	return nil
}

// Refresh re-runs pool reconstruction on demand, pulling out-of-band cloud
// changes into the mirror without waiting for a leadership transition.
func (s *Service) Refresh(ctx context.Context) error {
	if !s.leader.IsLeader() {
		return ErrNotLeader
	}
	return s.LoadPool(ctx)
}

// UnloadPool drops the cached pool the instant leadership is lost.
func (s *Service) UnloadPool() {
	s.mu.Lock()
	s.pool = nil
	s.mu.Unlock()
}

// Allocate hands out the lowest free address of the pool to owner. The lease
// is durable before the call returns; a failed durable write rolls the
// in-memory allocation back so cache and mirror never diverge.
func (s *Service) Allocate(ctx context.Context, subnetCIDR, owner string) (netip.Addr, error) {
	defer func(start time.Time) {
		s.stats.Duration("allocator.allocate.duration", time.Since(start))
	}(time.Now())

	if !s.leader.IsLeader() {
		return netip.Addr{}, ErrNotLeader
	}
	requested, err := netip.ParsePrefix(subnetCIDR)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrSubnetMismatch, subnetCIDR)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return netip.Addr{}, ErrPoolNotLoaded
	}
	if requested.Masked() != s.subnet {
		return netip.Addr{}, fmt.Errorf("%w: got %s, serving %s", ErrSubnetMismatch, requested, s.subnet)
	}

	for {
		addr, err := s.pool.Allocate(owner)
		if err != nil {
			s.stats.Increment("allocator.allocate.exhausted")
			return netip.Addr{}, err
		}
		created, err := s.store.Create(ctx, leaseKey(addr.String()), owner)
		if err != nil {
			s.pool.Unallocate(addr)
			s.stats.Increment("allocator.allocate.store_error")
			return netip.Addr{}, fmt.Errorf("failed to persist lease for %s: %w", addr, err)
		}
		if !created {
			// The mirror already has a lease we did not know about; trust it
			// and move on to the next candidate.
			log.Warn().Msgf("lease for %s already present in mirror, skipping", addr)
			continue
		}
		s.stats.Increment("allocator.allocate.success")
		s.snapshot()
		log.Info().Msgf("allocated %s to %s", addr, owner)
		return addr, nil
	}
}

// Release is idempotent: releasing an already-free address succeeds, because
// callers retry after ambiguous network failures.
func (s *Service) Release(ctx context.Context, rawIP string) error {
	defer func(start time.Time) {
		s.stats.Duration("allocator.release.duration", time.Since(start))
	}(time.Now())

	if !s.leader.IsLeader() {
		return ErrNotLeader
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return ErrPoolNotLoaded
	}

	bare := pool.NormalizeIP(rawIP)

	// Durable delete first: if it fails the in-memory state stays untouched.
	if _, err := s.store.Delete(ctx, leaseKey(bare)); err != nil {
		s.stats.Increment("allocator.release.store_error")
		return fmt.Errorf("failed to delete lease for %s: %w", bare, err)
	}
	if err := s.pool.Release(bare); err != nil {
		return err
	}
	s.stats.Increment("allocator.release.success")
	s.snapshot()
	log.Info().Msgf("released %s", bare)
	return nil
}

// Healthy reports whether this instance may serve: leader with a loaded pool.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	loaded := s.pool != nil
	s.mu.Unlock()
	return s.leader.IsLeader() && loaded
}

// Allocated lists currently allocated addresses in ascending order.
func (s *Service) Allocated() ([]netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil, ErrPoolNotLoaded
	}
	return s.pool.Allocated(), nil
}

// snapshot writes the line-oriented pool file, best effort. Caller holds mu.
func (s *Service) snapshot() {
	if s.snapshotPath == "" {
		return
	}
	f, err := os.Create(s.snapshotPath)
	if err != nil {
		log.Error().Err(err).Msgf("failed to open pool snapshot %s", s.snapshotPath)
		return
	}
	defer f.Close()
	if err := s.pool.Snapshot(f); err != nil {
		log.Error().Err(err).Msg("failed to write pool snapshot")
	}
}

func leaseKey(bareIP string) string {
	return leasePrefix + bareIP
}
