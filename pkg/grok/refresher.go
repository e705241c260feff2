package grok

import (
	"context"
	"time"
)

const (
	refreshInterval     = 10 * time.Minute
	refreshStaleAfter   = 60 * time.Minute
	refreshStartupDelay = 5 * time.Second
	refreshInterTokenGap = 1 * time.Second
)

// Refresher periodically polls rate-limits for every non-expired,
// non-failed token and writes observed quotas back to the store, per
// SPEC_FULL §4.6. Grounded on the teacher's pkg/proxy/provider_health.go
// ticker-with-Run(ctx) idiom.
type Refresher struct {
	store   *Store
	client  *Client
	enabled bool
}

func NewRefresher(store *Store, client *Client, enabled bool) *Refresher {
	return &Refresher{store: store, client: client, enabled: enabled}
}

// Run blocks until ctx is cancelled, refreshing every refreshInterval after
// an initial refreshStartupDelay.
func (r *Refresher) Run(ctx context.Context) {
	if r == nil || !r.enabled {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(refreshStartupDelay):
	}
	r.refreshOnce(ctx)
	t := time.NewTicker(refreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.refreshOnce(ctx)
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) {
	tf, err := r.store.Load()
	if err != nil {
		return
	}
	r.refreshPool(ctx, tf.SSONormal, false)
	r.refreshPool(ctx, tf.SSOSuper, true)
}

func (r *Refresher) refreshPool(ctx context.Context, pool map[string]*TokenEntry, super bool) {
	for sso, entry := range pool {
		if ctx.Err() != nil {
			return
		}
		if entry.expired() || entry.FailedCount >= 3 {
			continue
		}
		if !entry.LastRefreshedAt.IsZero() && time.Since(entry.LastRefreshedAt) < refreshStaleAfter {
			continue
		}
		normalResp, errN := r.client.PollRateLimit(ctx, sso, normalRateLimitModelID)
		time.Sleep(refreshInterTokenGap)
		heavyResp, errH := r.client.PollRateLimit(ctx, sso, heavyRateLimitModelID)

		var tokens, heavy *int
		if errN == nil {
			tokens = &normalResp.RemainingTokens
		}
		if errH == nil {
			heavy = &heavyResp.RemainingQueries
		}
		_ = r.store.UpdateLimits(sso, super, tokens, heavy)
		time.Sleep(refreshInterTokenGap)
	}
}
