package caltrans

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"
	"golang.org/x/sync/singleflight"

	"github.com/safewalk/server/internal/lib/geo"
	"github.com/safewalk/server/internal/lib/route"
	"github.com/safewalk/server/internal/lib/routing"
)

// Feed is a KML feed polled by the Provider
type Feed struct {
	URL             string
	Type            FeedType
	RefreshInterval time.Duration
}

// Hazard severities by kind, 0 (minor) to 1 (severe)
const (
	closureSeverity      = 0.6
	fullClosureSeverity  = 0.8
	incidentSeverity     = 0.5
	constructionSeverity = 0.3
	// nearbyWeight scales hazards that are near, but not on, a segment
	nearbyWeight = 0.4
)

// reloadTimeout bounds a shared feed reload, which outlives the caller that started it
const reloadTimeout = time.Minute

// singleflight keys; a full reload never joins a partial one
const (
	reloadAllKey   = "reload:all"
	reloadStaleKey = "reload:stale"
)

// Provider scores the traffic factor from Caltrans lane closures and CHP
// incidents near each segment. Feeds are loaded lazily and reloaded when
// older than their refresh interval; Refresh forces a reload.
type Provider struct {
	parser  *FeedParser
	feeds   []Feed
	matcher routing.HazardMatcher
	now     func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	hazards   []routing.Hazard
	fetchedAt map[FeedType]time.Time
}

// NewProvider creates a traffic provider over the given feeds
func NewProvider(parser *FeedParser, matcher routing.HazardMatcher, feeds ...Feed) *Provider {
	if parser == nil {
		parser = NewFeedParser()
	}
	if matcher == nil {
		matcher = routing.NewHazardMatcher(0, 0)
	}
	return &Provider{
		parser:    parser,
		feeds:     feeds,
		matcher:   matcher,
		now:       time.Now,
		fetchedAt: make(map[FeedType]time.Time),
	}
}

// Factor implements route.Provider
func (p *Provider) Factor() route.FactorName {
	return route.FactorTraffic
}

// Fetch implements route.Provider. Each hazard on or near the segment lowers
// the score in proportion to its severity.
func (p *Provider) Fetch(ctx context.Context, segment route.Segment, at time.Time) (route.RiskFactor, error) {
	ctx = logging.EnsureLogger(ctx)
	if err := p.ensureFresh(ctx); err != nil {
		return route.RiskFactor{}, err
	}

	p.mu.RLock()
	hazards := p.hazards
	observed := p.oldestFetch()
	p.mu.RUnlock()
	if observed.IsZero() {
		observed = p.now()
	}

	matched, err := p.matcher.NearbyHazards(ctx, hazards, segment)
	if err != nil {
		return route.RiskFactor{}, err
	}

	score := 1.0
	sources := map[string]bool{}
	for _, h := range matched {
		weight := 1.0
		if h.Classification == routing.Nearby {
			weight = nearbyWeight
		}
		score *= 1 - h.Severity*weight
		sources[sourceFor(h.Type)] = true
	}

	factor := route.RiskFactor{
		Name:       route.FactorTraffic,
		Score:      score,
		ObservedAt: observed,
	}
	for _, s := range []string{"caltrans_lcs", "caltrans_chp"} {
		if sources[s] {
			factor.Sources = append(factor.Sources, s)
		}
	}
	if len(factor.Sources) == 0 {
		factor.Sources = []string{"caltrans"}
	}
	return factor, nil
}

// Refresh reloads every feed. Feeds that fail keep their previous hazards.
func (p *Provider) Refresh(ctx context.Context) error {
	return p.reload(logging.EnsureLogger(ctx), reloadAllKey, p.feeds)
}

// ensureFresh reloads stale feeds, sharing one reload between concurrent
// callers. Stale hazards are still used when a reload fails.
func (p *Provider) ensureFresh(ctx context.Context) error {
	now := p.now()
	var stale []Feed
	p.mu.RLock()
	for _, f := range p.feeds {
		last, ok := p.fetchedAt[f.Type]
		if !ok || (f.RefreshInterval > 0 && now.Sub(last) > f.RefreshInterval) {
			stale = append(stale, f)
		}
	}
	loaded := len(p.fetchedAt) > 0
	p.mu.RUnlock()

	if len(stale) == 0 {
		return nil
	}

	err := p.reload(ctx, reloadStaleKey, stale)
	if err != nil && loaded {
		logging.Warnw(ctx, "Using stale Caltrans hazards", "error", err)
		return nil
	}
	return err
}

// reload shares one reload per key between concurrent callers. The reload
// runs detached from ctx so a caller giving up does not fail the others.
func (p *Provider) reload(ctx context.Context, key string, feeds []Feed) error {
	ch := p.group.DoChan(key, func() (interface{}, error) {
		reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reloadTimeout)
		defer cancel()
		return nil, p.refresh(reloadCtx, feeds)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) refresh(ctx context.Context, feeds []Feed) error {
	if len(feeds) == 0 {
		return errors.New("no Caltrans feeds configured")
	}

	loaded := make(map[FeedType][]routing.Hazard)
	var errs []error
	for _, f := range feeds {
		incidents, err := p.parser.ParseFeed(ctx, f.URL, f.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s feed: %w", f.Type, err))
			continue
		}
		hazards := make([]routing.Hazard, 0, len(incidents))
		for _, incident := range incidents {
			hazards = append(hazards, toHazard(incident))
		}
		loaded[f.Type] = hazards
	}

	if len(loaded) > 0 {
		now := p.now()
		p.mu.Lock()
		kept := p.hazards[:0:0]
		for _, h := range p.hazards {
			if _, replaced := loaded[feedTypeOf(h.Type)]; !replaced {
				kept = append(kept, h)
			}
		}
		for feedType, hazards := range loaded {
			kept = append(kept, hazards...)
			p.fetchedAt[feedType] = now
		}
		p.hazards = kept
		p.mu.Unlock()

		logging.Infow(ctx, "Caltrans hazards refreshed", "feeds", len(loaded), "hazards", len(kept))
	}

	return errors.Join(errs...)
}

// HazardCount returns the number of hazards currently loaded
func (p *Provider) HazardCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.hazards)
}

// oldestFetch must be called with mu held
func (p *Provider) oldestFetch() time.Time {
	var oldest time.Time
	for _, t := range p.fetchedAt {
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	return oldest
}

func toHazard(incident Incident) routing.Hazard {
	h := routing.Hazard{
		ID:         incident.ID,
		Title:      incident.Name,
		Location:   incident.Location,
		ReportedAt: incident.LastFetched,
	}

	switch {
	case incident.FeedType == CHPIncident:
		h.Type = "incident"
		h.Severity = incidentSeverity
	case incident.ParsedStatus == "construction":
		h.Type = "construction"
		h.Severity = constructionSeverity
	default:
		h.Type = "closure"
		h.Severity = closureSeverity
		if incident.ParsedStatus == "closed" {
			h.Severity = fullClosureSeverity
		}
	}

	if len(incident.Polyline) >= 2 {
		h.AffectedPolyline = &geo.Polyline{Points: incident.Polyline}
	}
	return h
}

func feedTypeOf(hazardType string) FeedType {
	if hazardType == "incident" {
		return CHPIncident
	}
	return LaneClosure
}

func sourceFor(hazardType string) string {
	if hazardType == "incident" {
		return "caltrans_chp"
	}
	return "caltrans_lcs"
}
