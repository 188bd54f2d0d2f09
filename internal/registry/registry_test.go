package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmontans/gps-tracker-server/internal/domain"
)

func TestUpsertMember_CreatesGroupLazily(t *testing.T) {
	reg := New(clockwork.NewFakeClock())

	assert.False(t, reg.HasGroup("alpha"))

	reg.UpsertMember("alpha", domain.Member{UserID: "u1", UserName: "Ana", Speed: 12.5})

	assert.True(t, reg.HasGroup("alpha"))
	groups, members := reg.Stats()
	assert.Equal(t, 1, groups)
	assert.Equal(t, 1, members)
}

func TestUpsertMember_ReplacesRecordWholesale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := New(clock)

	reg.UpsertMember("alpha", domain.Member{UserID: "u1", UserName: "Ana", Speed: 10, Lat: 48.1, Lng: 11.5})
	clock.Advance(time.Second)
	reg.UpsertMember("alpha", domain.Member{UserID: "u1", UserName: "Ana", Speed: 8, Lat: 48.2, Lng: 11.6, Bearing: 90})

	snap := reg.Snapshot("alpha")
	require.Len(t, snap, 1)
	assert.Equal(t, 8.0, snap[0].Speed)
	assert.Equal(t, 48.2, snap[0].Lat)
	assert.Equal(t, 90.0, snap[0].Bearing)
	assert.Equal(t, clock.Now(), snap[0].LastUpdate)
}

func TestUpsertMember_MaxSpeedMonotonic(t *testing.T) {
	tests := []struct {
		name    string
		reports []domain.Member
		want    float64
	}{
		{
			name: "speed only, decreasing",
			reports: []domain.Member{
				{Speed: 30},
				{Speed: 20},
				{Speed: 10},
			},
			want: 30,
		},
		{
			name: "hint above speed",
			reports: []domain.Member{
				{Speed: 10, MaxSpeed: 45},
				{Speed: 20},
			},
			want: 45,
		},
		{
			name: "hint falls back to speed when absent",
			reports: []domain.Member{
				{Speed: 25},
				{Speed: 15, MaxSpeed: 18},
			},
			want: 25,
		},
		{
			name: "later higher speed wins",
			reports: []domain.Member{
				{Speed: 10},
				{Speed: 50},
				{Speed: 5},
			},
			want: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New(clockwork.NewFakeClock())
			for _, rep := range tt.reports {
				rep.UserID = "u1"
				reg.UpsertMember("alpha", rep)
			}
			snap := reg.Snapshot("alpha")
			require.Len(t, snap, 1)
			assert.Equal(t, tt.want, snap[0].MaxSpeed)
		})
	}
}

func TestUpsertMember_MaxSpeedConcurrent(t *testing.T) {
	reg := New(clockwork.NewFakeClock())

	const reports = 200
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func(speed float64) {
			defer wg.Done()
			reg.UpsertMember("alpha", domain.Member{UserID: "u1", Speed: speed})
		}(float64(i + 1))
	}
	wg.Wait()

	snap := reg.Snapshot("alpha")
	require.Len(t, snap, 1)
	assert.Equal(t, float64(reports), snap[0].MaxSpeed,
		"stored maxSpeed must equal the maximum of all submitted speeds regardless of arrival order")
}

func TestUpsertMember_DefaultsUserName(t *testing.T) {
	reg := New(clockwork.NewFakeClock())
	reg.UpsertMember("alpha", domain.Member{UserID: "u1"})

	snap := reg.Snapshot("alpha")
	require.Len(t, snap, 1)
	assert.Equal(t, domain.DefaultUserName, snap[0].UserName)
}

func TestRemoveMember_DeletesEmptyGroup(t *testing.T) {
	reg := New(clockwork.NewFakeClock())

	reg.UpsertMember("alpha", domain.Member{UserID: "u1"})
	reg.UpsertMember("alpha", domain.Member{UserID: "u2"})

	assert.True(t, reg.RemoveMember("alpha", "u1"))
	assert.True(t, reg.HasGroup("alpha"))

	assert.True(t, reg.RemoveMember("alpha", "u2"))
	assert.False(t, reg.HasGroup("alpha"), "group must be deleted the moment its last member is removed")
	assert.Empty(t, reg.Snapshot("alpha"))
}

func TestRemoveMember_Idempotent(t *testing.T) {
	reg := New(clockwork.NewFakeClock())

	assert.False(t, reg.RemoveMember("nope", "u1"))

	reg.UpsertMember("alpha", domain.Member{UserID: "u1"})
	assert.True(t, reg.RemoveMember("alpha", "u1"))
	assert.False(t, reg.RemoveMember("alpha", "u1"))
}

func TestSnapshot_GroupIsolation(t *testing.T) {
	reg := New(clockwork.NewFakeClock())

	reg.UpsertMember("alpha", domain.Member{UserID: "a1"})
	reg.UpsertMember("alpha", domain.Member{UserID: "a2"})
	reg.UpsertMember("beta", domain.Member{UserID: "b1"})

	alpha := reg.Snapshot("alpha")
	require.Len(t, alpha, 2)
	for _, m := range alpha {
		assert.NotEqual(t, "b1", m.UserID)
	}
	assert.Len(t, reg.Snapshot("beta"), 1)
	assert.Empty(t, reg.Snapshot("gamma"))
}

func TestSweepStale_EvictsOnlyExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := New(clock)

	reg.UpsertMember("alpha", domain.Member{UserID: "old"})
	clock.Advance(90 * time.Second)
	reg.UpsertMember("alpha", domain.Member{UserID: "fresh"})

	result := reg.SweepStale(time.Minute)

	require.Contains(t, result.Evicted, "alpha")
	assert.Equal(t, []string{"old"}, result.Evicted["alpha"])
	assert.Empty(t, result.Reaped)

	snap := reg.Snapshot("alpha")
	require.Len(t, snap, 1)
	assert.Equal(t, "fresh", snap[0].UserID)
}

func TestSweepStale_ThresholdIsStrict(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := New(clock)

	reg.UpsertMember("alpha", domain.Member{UserID: "u1"})
	clock.Advance(time.Minute)

	// Exactly at the threshold: not yet stale.
	result := reg.SweepStale(time.Minute)
	assert.Empty(t, result.Evicted)
	assert.True(t, reg.HasGroup("alpha"))

	clock.Advance(time.Millisecond)
	result = reg.SweepStale(time.Minute)
	assert.Contains(t, result.Evicted, "alpha")
}

func TestSweepStale_ReapsEmptiedGroups(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := New(clock)

	reg.UpsertMember("alpha", domain.Member{UserID: "u1"})
	reg.UpsertMember("beta", domain.Member{UserID: "u2"})
	clock.Advance(2 * time.Minute)
	reg.UpsertMember("beta", domain.Member{UserID: "u3"})

	result := reg.SweepStale(time.Minute)

	assert.ElementsMatch(t, []string{"alpha"}, result.Reaped)
	assert.Contains(t, result.Evicted, "alpha")
	assert.Contains(t, result.Evicted, "beta")
	assert.False(t, reg.HasGroup("alpha"))
	assert.True(t, reg.HasGroup("beta"))
}

func TestStats(t *testing.T) {
	reg := New(clockwork.NewFakeClock())

	groups, members := reg.Stats()
	assert.Zero(t, groups)
	assert.Zero(t, members)

	reg.UpsertMember("alpha", domain.Member{UserID: "u1"})
	reg.UpsertMember("alpha", domain.Member{UserID: "u2"})
	reg.UpsertMember("beta", domain.Member{UserID: "u3"})

	groups, members = reg.Stats()
	assert.Equal(t, 2, groups)
	assert.Equal(t, 3, members)

	assert.ElementsMatch(t, []string{"alpha", "beta"}, reg.GroupNames())
}
