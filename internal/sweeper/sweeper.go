// Package sweeper evicts member records that stopped reporting.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cmontans/gps-tracker-server/internal/domain"
	"github.com/cmontans/gps-tracker-server/internal/metrics"
	"github.com/cmontans/gps-tracker-server/internal/ratelimit"
	"github.com/cmontans/gps-tracker-server/internal/registry"
)

// Broadcaster is the slice of the hub the sweeper needs.
type Broadcaster interface {
	Broadcast(group string, payload []byte)
}

// Sweeper periodically removes members whose last update exceeds the
// freshness threshold and rebroadcasts the shrunken rosters. It goes through
// the same registry lock as live updates; the interval must be strictly
// shorter than the threshold so a member is never evicted between two
// consecutive heartbeats.
type Sweeper struct {
	registry  *registry.Registry
	hub       Broadcaster
	limiter   *ratelimit.Limiter
	clock     clockwork.Clock
	interval  time.Duration
	threshold time.Duration
}

func New(reg *registry.Registry, hub Broadcaster, limiter *ratelimit.Limiter, clock clockwork.Clock, interval, threshold time.Duration) *Sweeper {
	return &Sweeper{
		registry:  reg,
		hub:       hub,
		limiter:   limiter,
		clock:     clock,
		interval:  interval,
		threshold: threshold,
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// Sweep performs one eviction pass. Each affected group that still has
// members gets exactly one roster rebroadcast, regardless of how many of its
// members were evicted.
func (s *Sweeper) Sweep() {
	result := s.registry.SweepStale(s.threshold)
	if expired := s.limiter.EvictExpired(); expired > 0 {
		slog.Debug("expired horn cooldown entries", "count", expired)
	}
	if len(result.Evicted) == 0 {
		return
	}

	evicted := 0
	for group, userIDs := range result.Evicted {
		evicted += len(userIDs)
		slog.Info("evicted stale members", "group", group, "user_ids", userIDs)
	}
	metrics.RegistryStaleEvictions.Add(float64(evicted))
	metrics.RegistryGroupsReaped.Add(float64(len(result.Reaped)))

	reaped := make(map[string]struct{}, len(result.Reaped))
	for _, group := range result.Reaped {
		reaped[group] = struct{}{}
		slog.Info("group reaped", "group", group)
	}

	for group := range result.Evicted {
		if _, gone := reaped[group]; gone {
			continue
		}
		payload, err := domain.NewRosterPayload(s.registry.Snapshot(group))
		if err != nil {
			slog.Error("failed to marshal roster broadcast", "group", group, "error", err)
			continue
		}
		metrics.HubBroadcastsTotal.WithLabelValues("roster").Inc()
		s.hub.Broadcast(group, payload)
	}
}
