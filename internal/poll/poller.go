// Package poll implements the timer-driven safety net that re-queries
// session state when a push event may have been silently missed.
package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bridgewatch/internal/bus"
)

// Registry is the session-registry surface the poller consumes.
type Registry interface {
	Refresh(ctx context.Context) (bool, error)
	PendingPairing() bool
}

// Poller re-fetches the session snapshot on a fixed interval while any
// visible session is stuck mid-pairing. It runs only while the push
// channel is healthy: it stops the moment the connection drops and
// resumes on reconnection. The registry's diff rule keeps no-op
// refreshes silent.
type Poller struct {
	registry Registry
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	healthy bool

	cancel context.CancelFunc
}

// NewPoller creates a polling fallback.
func NewPoller(registry Registry, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		registry: registry,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the poll loop. Polling stays paused until the first
// conn.up event.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	connCh, unsub := p.bus.Subscribe("conn.", 16)

	go func() {
		defer unsub()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case evt := <-connCh:
				p.handleConnEvent(evt)
			case <-ticker.C:
				p.tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the poll loop.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Poller) handleConnEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindConnUp:
		p.setHealthy(true)
	case bus.KindConnDown, bus.KindConnClosed:
		p.setHealthy(false)
	}
}

func (p *Poller) setHealthy(v bool) {
	p.mu.Lock()
	p.healthy = v
	p.mu.Unlock()
}

// Healthy reports whether polling is currently active.
func (p *Poller) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// tick refreshes the session snapshot when a session is visibly stuck
// mid-pairing. No loading indication, no log noise: the registry only
// logs and publishes when its diff detects a real change.
func (p *Poller) tick(ctx context.Context) {
	if !p.Healthy() || !p.registry.PendingPairing() {
		return
	}

	refreshCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	if _, err := p.registry.Refresh(refreshCtx); err != nil {
		p.logger.Debug("poll refresh failed", zap.Error(err))
	}
}
