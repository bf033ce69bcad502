package fallback

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthMonitor tracks primary backend reachability with periodic pings and
// notifies callbacks when the state flips.
type HealthMonitor struct {
	pinger        Pinger
	healthy       atomic.Bool
	lastCheck     atomic.Value // time.Time
	checkInterval time.Duration
	pingTimeout   time.Duration

	mu        sync.RWMutex
	callbacks []func(bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewHealthMonitor creates a monitor and performs the first check synchronously.
func NewHealthMonitor(ctx context.Context, pinger Pinger, checkInterval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	hm := &HealthMonitor{
		pinger:        pinger,
		checkInterval: checkInterval,
		pingTimeout:   5 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger,
	}
	hm.healthy.Store(hm.ping(ctx) == nil)
	hm.lastCheck.Store(time.Now())
	return hm
}

// Start begins periodic checks until Stop or the parent context ends.
func (hm *HealthMonitor) Start() {
	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()
		ticker := time.NewTicker(hm.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hm.ctx.Done():
				return
			case <-ticker.C:
				hm.Check(hm.ctx)
			}
		}
	}()
}

// Stop ends periodic checks and waits for the checker goroutine.
func (hm *HealthMonitor) Stop() {
	hm.cancel()
	hm.wg.Wait()
}

// Check pings once and updates the state.
func (hm *HealthMonitor) Check(ctx context.Context) bool {
	err := hm.ping(ctx)
	if err != nil {
		hm.logger.Debug("primary ping failed", zap.Error(err))
	}
	hm.update(err == nil)
	return err == nil
}

// MarkUnhealthy records an observed failure without waiting for the next ping.
func (hm *HealthMonitor) MarkUnhealthy() {
	hm.update(false)
}

// IsHealthy returns the last known state.
func (hm *HealthMonitor) IsHealthy() bool {
	return hm.healthy.Load()
}

// LastCheck returns when the state was last updated.
func (hm *HealthMonitor) LastCheck() time.Time {
	t, _ := hm.lastCheck.Load().(time.Time)
	return t
}

// RegisterCallback adds cb to the state-change listeners.
func (hm *HealthMonitor) RegisterCallback(cb func(healthy bool)) error {
	if cb == nil {
		return errors.New("health: callback cannot be nil")
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.callbacks = append(hm.callbacks, cb)
	return nil
}

func (hm *HealthMonitor) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, hm.pingTimeout)
	defer cancel()
	return hm.pinger.Ping(ctx)
}

func (hm *HealthMonitor) update(healthy bool) {
	old := hm.healthy.Swap(healthy)
	hm.lastCheck.Store(time.Now())
	if old == healthy {
		return
	}
	hm.logger.Info("primary backend health changed",
		zap.Bool("healthy", healthy),
		zap.Bool("previous", old))

	hm.mu.RLock()
	callbacks := slices.Clone(hm.callbacks)
	hm.mu.RUnlock()

	for _, cb := range callbacks {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					hm.logger.Error("health callback panic", zap.Any("panic", r))
				}
			}()
			cb(healthy)
		}()
	}
}
