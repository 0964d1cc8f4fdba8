package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/robfig/cron/v3"
)

// Refresher reloads an upstream data set, such as an incident feed
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Cleaner drops expired entries
type Cleaner interface {
	CleanupStale() int
}

// refreshTimeout bounds a single scheduled refresh
const refreshTimeout = 2 * time.Minute

// PeriodicRefreshService runs background maintenance on a cron schedule:
// expired risk factors are swept from the cache and incident feeds are
// reloaded ahead of requests so lookups rarely wait on a download.
type PeriodicRefreshService struct {
	cron *cron.Cron

	cleaner         Cleaner
	cleanupInterval time.Duration
	refreshers      []scheduledRefresher

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type scheduledRefresher struct {
	name      string
	refresher Refresher
	interval  time.Duration
}

// NewPeriodicRefreshService creates a maintenance scheduler. A zero cleanup
// interval disables cache cleanup.
func NewPeriodicRefreshService(cleaner Cleaner, cleanupInterval time.Duration) *PeriodicRefreshService {
	return &PeriodicRefreshService{
		cron:            cron.New(cron.WithSeconds()),
		cleaner:         cleaner,
		cleanupInterval: cleanupInterval,
	}
}

// AddRefresher schedules r every interval. Must be called before Start.
func (p *PeriodicRefreshService) AddRefresher(name string, r Refresher, interval time.Duration) {
	if r == nil || interval <= 0 {
		return
	}
	p.refreshers = append(p.refreshers, scheduledRefresher{name: name, refresher: r, interval: interval})
}

// Start registers the jobs and starts the scheduler. Feeds are refreshed once
// immediately in the background.
func (p *PeriodicRefreshService) Start(ctx context.Context) error {
	ctx = logging.EnsureLogger(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	if p.cleaner != nil && p.cleanupInterval > 0 {
		if _, err := p.cron.AddFunc(every(p.cleanupInterval), func() { p.RunCleanup(p.ctx) }); err != nil {
			return fmt.Errorf("add cache cleanup schedule: %w", err)
		}
	}
	for _, r := range p.refreshers {
		r := r
		if _, err := p.cron.AddFunc(every(r.interval), func() { p.RunRefresh(p.ctx, r.name, r.refresher) }); err != nil {
			return fmt.Errorf("add %s refresh schedule: %w", r.name, err)
		}
		go p.RunRefresh(p.ctx, r.name, r.refresher)
	}

	p.cron.Start()
	p.running = true
	logging.Infow(ctx, "Periodic maintenance started",
		"cleanup_interval", p.cleanupInterval.String(), "refreshers", len(p.refreshers))
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish or ctx to end
func (p *PeriodicRefreshService) Stop(ctx context.Context) error {
	ctx = logging.EnsureLogger(ctx)
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	select {
	case <-p.cron.Stop().Done():
		logging.Infow(ctx, "Periodic maintenance stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns whether the scheduler is active
func (p *PeriodicRefreshService) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// RunCleanup sweeps expired cache entries
func (p *PeriodicRefreshService) RunCleanup(ctx context.Context) int {
	ctx = logging.EnsureLogger(ctx)
	removed := p.cleaner.CleanupStale()
	if removed > 0 {
		logging.Infow(ctx, "Expired cache entries removed", "count", removed)
	}
	return removed
}

// RunRefresh reloads one data set, logging failures
func (p *PeriodicRefreshService) RunRefresh(ctx context.Context, name string, r Refresher) error {
	ctx, cancel := context.WithTimeout(logging.EnsureLogger(ctx), refreshTimeout)
	defer cancel()

	if err := r.Refresh(ctx); err != nil {
		logging.Warnw(ctx, "Periodic refresh failed", "refresher", name, "error", err)
		return err
	}
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
