package transport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-tracker/internal/geom"
	"ble-tracker/internal/particle"
	"ble-tracker/internal/tracker"
)

func TestUDPServerDeliversRecords(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	handler := func(line string) error {
		mu.Lock()
		defer mu.Unlock()
		if line == "bad" {
			return errors.New("bad record")
		}
		lines = append(lines, line)
		return nil
	}

	srv, err := NewUDPServer("127.0.0.1:0", handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	sender, err := DialUDP(srv.Addr().String())
	require.NoError(t, err)
	defer sender.Close()

	require.NoError(t, sender.Send("1,1.000,0,0", "2,2.000,3,0", "", "bad"))

	require.Eventually(t, func() bool {
		received, _ := srv.Counts()
		return received == 3
	}, 2*time.Second, 10*time.Millisecond)

	received, dropped := srv.Counts()
	assert.Equal(t, uint64(3), received)
	assert.Equal(t, uint64(1), dropped)
	mu.Lock()
	assert.Equal(t, []string{"1,1.000,0,0", "2,2.000,3,0"}, lines)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestLineWriterNodeFormat(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewLineWriter(&buf, FormatNode)
	require.NoError(t, err)

	require.NoError(t, w.Publish(tracker.Estimate{Position: geom.Point{X: 1.5, Y: 1}}))
	require.NoError(t, w.Publish(tracker.Estimate{Position: geom.Point{X: 0.25, Y: 2}}))
	assert.Equal(t, "1.500,1.000\n0.250,2.000\n", buf.String())
}

func TestLineWriterParticleFormat(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewLineWriter(&buf, FormatParticles)
	require.NoError(t, err)

	est := tracker.Estimate{
		Position: geom.Point{X: 1, Y: 1},
		Particles: []particle.Particle{
			{Position: geom.Point{X: 0.5, Y: 0.5}},
			{Position: geom.Point{X: 2, Y: 1.5}},
		},
	}
	require.NoError(t, w.Publish(est))
	assert.Equal(t, "p,0.500,0.500\np,2.000,1.500\nn,1.000,1.000\n", buf.String())

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		_, err := ParseLine(line)
		assert.NoError(t, err)
	}

	_, err = NewLineWriter(&buf, "json")
	assert.Error(t, err)
}

func TestParseLine(t *testing.T) {
	l, err := ParseLine("1.250,0.750")
	require.NoError(t, err)
	assert.Equal(t, Line{Kind: 'n', Point: geom.Point{X: 1.25, Y: 0.75}}, l)

	l, err = ParseLine("p,0.1,0.2\r\n")
	require.NoError(t, err)
	assert.Equal(t, Line{Kind: 'p', Point: geom.Point{X: 0.1, Y: 0.2}}, l)

	for _, bad := range []string{"", "1", "x,1,2", "a,b", "1,2,3,4", "p,1,y"} {
		_, err := ParseLine(bad)
		assert.Error(t, err, "line %q", bad)
	}
}

func TestReadSamples(t *testing.T) {
	input := "-60\n\n# comment\n-72\nnoise\n-58\n"
	var got []int
	err := ReadSamples(context.Background(), strings.NewReader(input), func(rssi int) error {
		got = append(got, rssi)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{-60, -72, -58}, got)
}

func TestReadRecordsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := ReadRecords(ctx, strings.NewReader("a\nb\nc\n"), func(string) error {
		calls++
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
