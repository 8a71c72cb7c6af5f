package provider

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// availabilityTTL is how long a probe result stays fresh. Every generation
// pre-flights IsAvailable, so probes are cached to avoid hammering the
// backend under load.
const availabilityTTL = 5 * time.Second

// probeTimeout bounds one availability probe.
const probeTimeout = 3 * time.Second

// cached wraps a Provider and memoizes IsAvailable. Concurrent calls after
// cache expiry are deduplicated via singleflight so only one probe runs;
// all waiters share its result.
type cached struct {
	Provider

	group     singleflight.Group
	available atomic.Bool
	checkedAt atomic.Int64 // unix nanos of the last probe
}

// WithCachedAvailability wraps p so availability probes run at most once
// per TTL window. All other calls pass through.
func WithCachedAvailability(p Provider) Provider {
	return &cached{Provider: p}
}

func (c *cached) IsAvailable(_ context.Context) bool {
	// Fast path: return the cached result if fresh.
	if time.Since(time.Unix(0, c.checkedAt.Load())) < availabilityTTL {
		return c.available.Load()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context; if that caller
	// cancels, all waiters would inherit a spurious failure.
	result, _, _ := c.group.Do("availability", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()

		ok := c.Provider.IsAvailable(probeCtx)
		c.available.Store(ok)
		c.checkedAt.Store(time.Now().UnixNano())
		return ok, nil
	})
	return result.(bool)
}
