// Package rebootlock serializes reboots of nodes hosting the critical shared
// service. The lock is taken with a create-if-absent compare-and-swap and is
// deliberately NOT released by the rebooting node: a node about to reboot
// cannot be trusted to run cleanup. Instead any node garbage-collects a stale
// lock on startup once the holder is provably back.
package rebootlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lke-infra/vlanctl/internal/coordstore"
)

const lockKey = "/reboot-lock"

// NodeProber proves that a named node has completed its reboot.
type NodeProber interface {
	NodeReady(ctx context.Context, name string) (bool, error)
}

type Lock struct {
	store   coordstore.Store
	nodeID  string
	backoff time.Duration
}

func New(store coordstore.Store, nodeID string, backoff time.Duration) *Lock {
	return &Lock{store: store, nodeID: nodeID, backoff: backoff}
}

// Acquire blocks until this node holds the reboot lock or ctx is cancelled.
// Retries are unbounded: giving up would leave the node permanently owing a
// reboot, which is worse than waiting.
func (l *Lock) Acquire(ctx context.Context) error {
	for {
		created, err := l.store.Create(ctx, lockKey, l.nodeID)
		if err != nil {
			log.Error().Err(err).Msg("failed to reach coordination store for reboot lock")
		} else if created {
			log.Info().Msgf("node %s acquired reboot lock", l.nodeID)
			return nil
		} else {
			holder, err := l.store.Get(ctx, lockKey)
			if errors.Is(err, coordstore.ErrKeyNotFound) {
				// Released between our attempts; try again immediately.
				continue
			}
			if err != nil {
				log.Error().Err(err).Msg("failed to read reboot lock holder")
			} else if holder == l.nodeID {
				log.Info().Msgf("node %s already holds reboot lock", l.nodeID)
				return nil
			} else {
				log.Info().Msgf("reboot lock held by %s, waiting", holder)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to acquire reboot lock: %w", ctx.Err())
		case <-time.After(l.backoff):
		}
	}
}

// Release deletes the lock if this node holds it. Only used on paths that do
// not end in a reboot.
func (l *Lock) Release(ctx context.Context) error {
	holder, err := l.store.Get(ctx, lockKey)
	if errors.Is(err, coordstore.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read reboot lock: %w", err)
	}
	if holder != l.nodeID {
		return nil
	}
	if _, err := l.store.Delete(ctx, lockKey); err != nil {
		return fmt.Errorf("failed to release reboot lock: %w", err)
	}
	return nil
}

// CleanupStale runs on every agent start. A lock naming ourselves means our
// own reboot completed; a lock naming a node the orchestrator reports Ready
// means that node's reboot completed. Either way the key is garbage.
func (l *Lock) CleanupStale(ctx context.Context, prober NodeProber) error {
	holder, err := l.store.Get(ctx, lockKey)
	if errors.Is(err, coordstore.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read reboot lock: %w", err)
	}

	if holder == l.nodeID {
		log.Info().Msgf("cleaning up own stale reboot lock after reboot of %s", l.nodeID)
		_, err := l.store.Delete(ctx, lockKey)
		if err != nil {
			return fmt.Errorf("failed to delete stale reboot lock: %w", err)
		}
		return nil
	}

	ready, err := prober.NodeReady(ctx, holder)
	if err != nil {
		return fmt.Errorf("failed to probe reboot lock holder %s: %w", holder, err)
	}
	if !ready {
		// Holder is still mid-reboot; the lock is doing its job.
		return nil
	}
	log.Info().Msgf("reboot lock holder %s is ready again, cleaning up stale lock", holder)
	if _, err := l.store.Delete(ctx, lockKey); err != nil {
		return fmt.Errorf("failed to delete stale reboot lock: %w", err)
	}
	return nil
}

// Holder returns the current lock holder, or "" when unlocked.
func (l *Lock) Holder(ctx context.Context) (string, error) {
	holder, err := l.store.Get(ctx, lockKey)
	if errors.Is(err, coordstore.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read reboot lock: %w", err)
	}
	return holder, nil
}
