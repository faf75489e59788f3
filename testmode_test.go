package skimmer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatorFetchers(t *testing.T) {
	sim := NewSimulator(origin)
	agg := NewAggregator(AggregatorConfig{FailureThreshold: 3})
	pc := PollConfig{Interval: time.Millisecond, Timeout: 50 * time.Millisecond, Staleness: time.Second}
	for _, f := range sim.Fetchers() {
		require.NoError(t, agg.Register(f, pc))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.Start(ctx)
	require.Eventually(t, func() bool {
		snap := agg.Snapshot(time.Now())
		for id := range snap.Sources {
			if !snap.Healthy(id) {
				return false
			}
		}
		return len(snap.Sources) == 3+UltrasonicCount
	}, time.Second, time.Millisecond)
	cancel()
	agg.Wait()

	snap := agg.Snapshot(time.Now())
	h, ok := snap.Heading()
	require.True(t, ok)
	assert.Equal(t, 90.0, h.Degrees)
	p, ok := snap.Position()
	require.True(t, ok)
	assert.Equal(t, origin.Latitude, p.Latitude)
}

func TestSimulatorFollowsCommands(t *testing.T) {
	sim := NewSimulator(origin)
	sim.Command(CommandEnvelope{Seq: 1, Heading: 180, Speed: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.Run(ctx, time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return sim.readCompass(time.Now())[0].Reading.Value == 180
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	// heading south moves the boat south
	pos := sim.readGPS(time.Now())[0].Reading
	assert.Less(t, pos.Value, origin.Latitude)
	for _, res := range sim.readUltrasonic(time.Now()) {
		assert.NoError(t, ValidateReading(res.Reading))
	}
	assert.NoError(t, ValidateReading(sim.readWaste(time.Now())[0].Reading))
}

func TestSimFetcherHonoursContext(t *testing.T) {
	f := NewSimulator(origin).Fetchers()[0]
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx)
	assert.Error(t, err)
}
