package aggregator

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-tracker/internal/geom"
)

func cornerAnchors() []Anchor {
	return []Anchor{
		{ID: 1, Position: geom.Point{X: 0, Y: 0}},
		{ID: 2, Position: geom.Point{X: 3, Y: 0}},
		{ID: 3, Position: geom.Point{X: 0, Y: 2}},
		{ID: 4, Position: geom.Point{X: 3, Y: 2}},
	}
}

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	agg, err := New(cornerAnchors())
	require.NoError(t, err)
	return agg
}

func report(a Anchor, d float64) Report {
	return Report{AnchorID: a.ID, Distance: d, Position: a.Position}
}

func TestNewRejectsBadAnchors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New([]Anchor{{ID: 1}, {ID: 1}})
	assert.Error(t, err)
}

func TestStoreUpsertsByAnchor(t *testing.T) {
	agg := newTestAggregator(t)
	anchors := cornerAnchors()

	require.NoError(t, agg.Store(report(anchors[0], 1.0)))
	require.NoError(t, agg.Store(report(anchors[0], 2.5)))
	assert.Equal(t, 1, agg.Len())
	assert.Equal(t, 2.5, agg.Drain()[0].Distance)
}

func TestCycleCompletion(t *testing.T) {
	agg := newTestAggregator(t)
	anchors := cornerAnchors()

	// stored out of order on purpose
	for _, i := range []int{2, 0, 3} {
		require.NoError(t, agg.Store(report(anchors[i], float64(i))))
		assert.False(t, agg.IsCycleComplete())
	}
	_, ok := agg.Take()
	assert.False(t, ok)
	assert.Equal(t, 3, agg.Len())

	require.NoError(t, agg.Store(report(anchors[1], 1)))
	assert.True(t, agg.IsCycleComplete())

	want := []Report{
		report(anchors[0], 0),
		report(anchors[1], 1),
		report(anchors[2], 2),
		report(anchors[3], 3),
	}
	if diff := cmp.Diff(want, agg.Drain()); diff != "" {
		t.Errorf("Drain mismatch (-want +got):\n%s", diff)
	}

	// a full buffer still accepts upserts
	require.NoError(t, agg.Store(report(anchors[3], 9)))
	assert.Equal(t, 4, agg.Len())

	agg.Clear()
	assert.Equal(t, 0, agg.Len())
	assert.False(t, agg.IsCycleComplete())
}

func TestFullBufferIsNoOp(t *testing.T) {
	anchors := cornerAnchors()[:2]
	agg, err := New(anchors)
	require.NoError(t, err)

	require.NoError(t, agg.Store(report(anchors[0], 1)))
	require.NoError(t, agg.Store(report(anchors[1], 1)))

	// extra id registered behind the aggregator's back, as with a mismatched
	// configuration: the buffer must not grow past the anchor count
	agg.index[7] = 1
	require.NoError(t, agg.Store(Report{AnchorID: 7, Distance: 1}))
	assert.Equal(t, 2, agg.Len())
}

func TestStoreRejectsInvalid(t *testing.T) {
	agg := newTestAggregator(t)

	tests := []struct {
		name string
		r    Report
	}{
		{"unknown anchor", Report{AnchorID: 9, Distance: 1}},
		{"negative distance", Report{AnchorID: 1, Distance: -0.1}},
		{"nan distance", Report{AnchorID: 1, Distance: math.NaN()}},
		{"inf distance", Report{AnchorID: 1, Distance: math.Inf(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := agg.Store(tt.r)
			assert.True(t, errors.Is(err, ErrInvalidMeasurement), "got %v", err)
			assert.Equal(t, 0, agg.Len())
		})
	}
}

func TestTakeIsAtomic(t *testing.T) {
	agg := newTestAggregator(t)
	anchors := cornerAnchors()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		cycles int
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = agg.Store(report(anchors[i%len(anchors)], 1))
				if reports, ok := agg.Take(); ok {
					assert.Len(t, reports, len(anchors))
					mu.Lock()
					cycles++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Greater(t, cycles, 0)
	assert.Less(t, agg.Len(), len(anchors))
}

func TestParseReport(t *testing.T) {
	r, err := ParseReport(" 3, 1.25 ,0,2\n")
	require.NoError(t, err)
	assert.Equal(t, Report{AnchorID: 3, Distance: 1.25, Position: geom.Point{X: 0, Y: 2}}, r)

	bad := []string{
		"",
		"1,2,3",
		"1,2,3,4,5",
		"x,1,0,0",
		"1,far,0,0",
		"1,1,left,0",
		"1,1,0,NaN",
		"1,-2,0,0",
		"1.5,1,0,0",
	}
	for _, line := range bad {
		_, err := ParseReport(line)
		assert.ErrorIs(t, err, ErrInvalidMeasurement, "line %q", line)
	}
}

func TestReportStringRoundTrip(t *testing.T) {
	in := Report{AnchorID: 2, Distance: 1.5, Position: geom.Point{X: 3, Y: 0}}
	out, err := ParseReport(in.String())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
