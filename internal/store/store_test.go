package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-tracker/internal/aggregator"
	"ble-tracker/internal/geom"
	"ble-tracker/internal/tracker"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tracks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func estimate(session string, cycle uint64, at time.Time) tracker.Estimate {
	return tracker.Estimate{
		Session:  session,
		Cycle:    cycle,
		Time:     at,
		Position: geom.Point{X: float64(cycle) / 10, Y: 1},
		Reports: []aggregator.Report{
			{AnchorID: 2, Distance: 1.25, Position: geom.Point{X: 3, Y: 0}},
			{AnchorID: 1, Distance: 0.5, Position: geom.Point{X: 0, Y: 0}},
		},
	}
}

func TestPublishAndTrack(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

	for _, c := range []uint64{2, 1, 3} {
		require.NoError(t, s.Publish(estimate("a", c, start.Add(time.Duration(c)*time.Second))))
	}

	track, err := s.Track("a")
	require.NoError(t, err)
	require.Len(t, track, 3)
	for i, p := range track {
		assert.Equal(t, uint64(i+1), p.Cycle)
		assert.True(t, p.Time.Equal(start.Add(time.Duration(i+1)*time.Second)), "time %v", p.Time)
	}
	assert.InDelta(t, 0.3, track[2].Position.X, 1e-12)

	reports, err := s.Reports("a", 2)
	require.NoError(t, err)
	want := []aggregator.Report{
		{AnchorID: 1, Distance: 0.5, Position: geom.Point{X: 0, Y: 0}},
		{AnchorID: 2, Distance: 1.25, Position: geom.Point{X: 3, Y: 0}},
	}
	if diff := cmp.Diff(want, reports); diff != "" {
		t.Errorf("Reports mismatch (-want +got):\n%s", diff)
	}
}

func TestDuplicateCycleRejected(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	require.NoError(t, s.Publish(estimate("a", 1, now)))
	assert.Error(t, s.Publish(estimate("a", 1, now)))

	// the failed transaction left nothing behind
	track, err := s.Track("a")
	require.NoError(t, err)
	assert.Len(t, track, 1)
}

func TestSessionsAndDelete(t *testing.T) {
	s := openTestStore(t)
	start := time.Unix(1700000000, 0)
	require.NoError(t, s.Publish(estimate("old", 1, start)))
	require.NoError(t, s.Publish(estimate("old", 2, start.Add(time.Second))))
	require.NoError(t, s.Publish(estimate("new", 1, start.Add(time.Hour))))

	sessions, err := s.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "old", sessions[0].ID)
	assert.Equal(t, 2, sessions[0].Estimates)
	assert.Equal(t, time.Second, sessions[0].Last.Sub(sessions[0].First))

	require.NoError(t, s.DeleteSession("old"))
	reports, err := s.Reports("old", 1)
	require.NoError(t, err)
	assert.Empty(t, reports, "reports cascade with their estimate")

	sessions, err = s.Sessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestPragmasSurviveReconnect(t *testing.T) {
	s := openTestStore(t)
	// every query gets a fresh connection
	s.db.SetMaxIdleConns(0)

	for i := 0; i < 3; i++ {
		var fk, timeout int
		require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
		require.NoError(t, s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 1, fk)
		assert.Equal(t, 5000, timeout)
	}

	require.NoError(t, s.Publish(estimate("s1", 1, time.Unix(1700000000, 0))))
	require.NoError(t, s.DeleteSession("s1"))

	var orphans int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM reports").Scan(&orphans))
	assert.Zero(t, orphans)
}

func TestConcurrentPublish(t *testing.T) {
	s := openTestStore(t)
	var wg sync.WaitGroup
	for c := uint64(1); c <= 20; c++ {
		wg.Add(1)
		go func(c uint64) {
			defer wg.Done()
			assert.NoError(t, s.Publish(estimate("c", c, time.Now())))
		}(c)
	}
	wg.Wait()

	track, err := s.Track("c")
	require.NoError(t, err)
	assert.Len(t, track, 20)
}
