package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/info.ersn.net/routing/internal/config"
	"github.com/dpup/info.ersn.net/routing/internal/lib/routing"
)

// PeriodicRefreshService re-requests monitored corridors so their routes and
// traffic stay in the remote provider's cache
type PeriodicRefreshService struct {
	router    *HybridRouter
	corridors []config.Corridor
	interval  time.Duration

	// Background refresh control
	mu       sync.Mutex
	stopChan chan struct{}
	running  bool
}

// NewPeriodicRefreshService creates a refresher for the router's configured corridors
func NewPeriodicRefreshService(router *HybridRouter) *PeriodicRefreshService {
	cfg := router.GetConfig()
	return &PeriodicRefreshService{
		router:    router,
		corridors: cfg.Corridors,
		interval:  cfg.RefreshInterval,
	}
}

// StartPeriodicRefresh begins refreshing corridors every interval. It is a
// no-op when no corridors are configured.
func (p *PeriodicRefreshService) StartPeriodicRefresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || len(p.corridors) == 0 {
		return nil
	}
	p.running = true
	p.stopChan = make(chan struct{})

	log.Printf("Starting periodic refresh of %d corridors every %v", len(p.corridors), p.interval)
	go p.refreshLoop(ctx, p.interval, p.stopChan)

	return nil
}

// Stop gracefully stops the periodic refresh
func (p *PeriodicRefreshService) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	close(p.stopChan)
	log.Printf("Stopped periodic refresh service")
}

func (p *PeriodicRefreshService) refreshLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	ctx = logging.EnsureLogger(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Do initial refresh immediately
	p.RefreshAll(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Periodic refresh stopping due to context cancellation")
			return
		case <-stop:
			log.Printf("Periodic refresh stopping due to stop signal")
			return
		case <-ticker.C:
			p.RefreshAll(ctx)
		}
	}
}

// RefreshAll requests the route and traffic for every corridor and returns
// how many routes were refreshed
func (p *PeriodicRefreshService) RefreshAll(ctx context.Context) int {
	refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	refreshed := 0
	for _, c := range p.corridors {
		if _, err := p.router.CalculateRoute(refreshCtx, c.From(), c.To(), routing.Options{}); err != nil {
			log.Printf("Periodic refresh of %s failed: %v", c.ID, err)
			continue
		}
		// Traffic never fails; it falls back to the offline estimate
		_, _ = p.router.GetTrafficInfo(refreshCtx, c.From(), c.To())
		refreshed++
	}

	log.Printf("Periodic refresh: %d/%d corridors refreshed", refreshed, len(p.corridors))
	return refreshed
}
