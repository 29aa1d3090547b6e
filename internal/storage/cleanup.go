package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgellow/kvoauth/internal/log"
)

// DefaultSweepInterval is used when no interval is configured
const DefaultSweepInterval = 5 * time.Minute

// expiredDeleter is implemented by backends that can drop expired entries
// with a single conditional delete
type expiredDeleter interface {
	DeleteExpired(ctx context.Context, namespace string) (int, error)
}

// Sweeper periodically removes expired entries from backends without
// native expiry. Reads already ignore expired entries; the sweep only
// reclaims space.
type Sweeper struct {
	store      Store
	interval   time.Duration
	namespaces []string
	now        func() time.Time
	stopChan   chan struct{}
	doneChan   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// NewSweeper creates a sweeper over the given namespaces
func NewSweeper(store Store, interval time.Duration, namespaces ...string) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:      store,
		interval:   interval,
		namespaces: namespaces,
		now:        time.Now,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start begins the sweep loop in a goroutine. Only the first call has
// any effect.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.startOnce.Do(func() {
		sw.started.Store(true)
		log.LogInfoWithFields("sweeper", "Starting expired entry sweeper", map[string]any{
			"interval":   sw.interval.String(),
			"namespaces": sw.namespaces,
		})
		go sw.run(ctx)
	})
}

// Stop ends the loop and waits for the final sweep to finish. Stopping a
// sweeper that was never started does nothing.
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() {
		close(sw.stopChan)
		if !sw.started.Load() {
			return
		}
		<-sw.doneChan
		log.Logf("Expired entry sweeper stopped")
	})
}

func (sw *Sweeper) run(ctx context.Context) {
	defer close(sw.doneChan)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.sweepAndLog(ctx)

	for {
		select {
		case <-ticker.C:
			sw.sweepAndLog(ctx)
		case <-sw.stopChan:
			sw.sweepAndLog(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (sw *Sweeper) sweepAndLog(ctx context.Context) {
	count, err := sw.Sweep(ctx)
	if err != nil {
		log.LogErrorWithFields("sweeper", "Failed to sweep expired entries", map[string]any{
			"error": err.Error(),
		})
	}
	if count > 0 {
		log.LogInfoWithFields("sweeper", "Removed expired entries", map[string]any{
			"count": count,
		})
	}
}

// Sweep runs one pass over every namespace and returns how many entries
// were removed
func (sw *Sweeper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for _, ns := range sw.namespaces {
		n, err := sw.sweepNamespace(ctx, ns)
		total += n
		if err != nil {
			return total, fmt.Errorf("sweeping %s: %w", ns, err)
		}
	}
	return total, nil
}

func (sw *Sweeper) sweepNamespace(ctx context.Context, namespace string) (int, error) {
	if d, ok := sw.store.(expiredDeleter); ok {
		return d.DeleteExpired(ctx, namespace)
	}

	entries, err := sw.store.List(ctx, namespace)
	if err != nil {
		return 0, err
	}
	now := sw.now()
	count := 0
	for _, e := range entries {
		if !e.Expired(now) {
			continue
		}
		if err := sw.store.Delete(ctx, e.Key); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
