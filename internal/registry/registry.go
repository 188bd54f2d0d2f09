// Package registry holds the in-memory model of groups and their members.
//
// A group is created lazily by the first report that names it and deleted
// eagerly the moment its last member is removed, whether by disconnect or by
// the stale sweep. All mutations go through a single lock: every operation is
// a couple of map lookups, so scoping contention per group buys nothing here.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cmontans/gps-tracker-server/internal/domain"
	"github.com/cmontans/gps-tracker-server/internal/metrics"
)

type Registry struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	groups map[string]map[string]domain.Member
}

func New(clock clockwork.Clock) *Registry {
	return &Registry{
		clock:  clock,
		groups: make(map[string]map[string]domain.Member),
	}
}

// UpsertMember inserts or replaces the member record for (group, userID),
// creating the group if it does not exist yet. The stored MaxSpeed is the
// maximum of the previous record's MaxSpeed and the incoming report's
// MaxSpeed hint (falling back to its instantaneous speed when no hint is
// given). Sensor values are accepted as-is; this never fails.
func (r *Registry) UpsertMember(group string, m domain.Member) domain.Member {
	if m.UserName == "" {
		m.UserName = domain.DefaultUserName
	}

	incoming := m.MaxSpeed
	if incoming == 0 {
		incoming = m.Speed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.groups[group]
	if !exists {
		members = make(map[string]domain.Member)
		r.groups[group] = members
		slog.Info("group created", "group", group)
		metrics.RegistryGroups.Set(float64(len(r.groups)))
	}

	if prev, ok := members[m.UserID]; ok && prev.MaxSpeed > incoming {
		incoming = prev.MaxSpeed
	}
	m.MaxSpeed = incoming
	m.LastUpdate = r.clock.Now()
	members[m.UserID] = m

	metrics.RegistryMembers.Set(float64(r.memberCountLocked()))
	return m
}

// RemoveMember removes the record if present and deletes the group when it
// becomes empty. Removing an absent member or group is a no-op.
func (r *Registry) RemoveMember(group, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.groups[group]
	if !exists {
		return false
	}
	if _, ok := members[userID]; !ok {
		return false
	}

	delete(members, userID)
	if len(members) == 0 {
		delete(r.groups, group)
		slog.Info("group removed", "group", group)
	}

	metrics.RegistryGroups.Set(float64(len(r.groups)))
	metrics.RegistryMembers.Set(float64(r.memberCountLocked()))
	return true
}

// Snapshot returns the current member records for a group, or an empty slice
// if the group does not exist. Order is unspecified.
func (r *Registry) Snapshot(group string) []domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[group]
	out := make([]domain.Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

// HasGroup reports whether the group currently has at least one member.
func (r *Registry) HasGroup(group string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[group]
	return ok
}

// GroupNames returns the names of all live groups.
func (r *Registry) GroupNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	return names
}

// Stats returns the current group and member totals.
func (r *Registry) Stats() (groups, members int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups), r.memberCountLocked()
}

func (r *Registry) memberCountLocked() int {
	total := 0
	for _, members := range r.groups {
		total += len(members)
	}
	return total
}

// SweepResult describes one pass of SweepStale.
type SweepResult struct {
	// Evicted maps each affected group to the user ids removed from it.
	Evicted map[string][]string
	// Reaped lists groups deleted because the sweep emptied them.
	Reaped []string
}

// SweepStale evicts every member whose last update is older than threshold
// and deletes groups the eviction emptied. Groups present in Evicted but not
// in Reaped still have members and need a roster rebroadcast.
func (r *Registry) SweepStale(threshold time.Duration) SweepResult {
	result := SweepResult{Evicted: make(map[string][]string)}
	cutoff := r.clock.Now().Add(-threshold)

	r.mu.Lock()
	defer r.mu.Unlock()

	for group, members := range r.groups {
		for userID, m := range members {
			if m.LastUpdate.Before(cutoff) {
				delete(members, userID)
				result.Evicted[group] = append(result.Evicted[group], userID)
			}
		}
		if len(members) == 0 {
			delete(r.groups, group)
			result.Reaped = append(result.Reaped, group)
		}
	}

	if len(result.Evicted) > 0 {
		metrics.RegistryGroups.Set(float64(len(r.groups)))
		metrics.RegistryMembers.Set(float64(r.memberCountLocked()))
	}
	return result
}
