package engine

import (
	"testing"
	"time"

	"github.com/franksops/gofetch/transport"
	"github.com/stretchr/testify/require"
)

func TestTransferContext(t *testing.T) {
	tctx := NewTransferContext(-5, time.Time{})
	require.Equal(t, transport.SizeUnknown, tctx.Size())

	require.Equal(t, int64(10), tctx.Add(10))
	require.Equal(t, int64(15), tctx.Add(5))
	require.Equal(t, int64(15), tctx.Transferred())
}

func TestSnapshot_Percent(t *testing.T) {
	_, ok := Snapshot{Size: transport.SizeUnknown, Transferred: 10}.Percent()
	require.False(t, ok)

	p, ok := Snapshot{Size: 0}.Percent()
	require.True(t, ok)
	require.Equal(t, 100.0, p)

	p, _ = Snapshot{Size: 200, Transferred: 50}.Percent()
	require.InDelta(t, 25, p, 1e-9)

	p, _ = Snapshot{Size: 100, Transferred: 150}.Percent()
	require.Equal(t, 100.0, p)
}

func TestSnapshot_AlmostDone(t *testing.T) {
	require.False(t, Snapshot{}.AlmostDone())
	require.True(t, Snapshot{ETAKnown: true, ETA: 2 * time.Second}.AlmostDone())
	require.False(t, Snapshot{ETAKnown: true, ETA: time.Minute}.AlmostDone())
}

func TestProgressMeter(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := start
	meter := newProgressMeter(DefaultRateWindow, start, func() time.Time { return clock })
	tctx := NewTransferContext(100_000, start)

	poll := func() Snapshot {
		clock = clock.Add(250 * time.Millisecond)
		tctx.Add(1000)
		return meter.sample(tctx)
	}

	// one sample every fourth poll, three samples before a rate exists
	for i := 1; i < 12; i++ {
		snap := poll()
		require.False(t, snap.RateKnown, "poll %d", i)
		require.False(t, snap.ETAKnown)
	}

	snap := poll()
	require.True(t, snap.RateKnown)
	require.InDelta(t, 4000, snap.Rate, 1e-6)
	require.True(t, snap.ETAKnown)
	require.InDelta(t, 22, snap.ETA.Seconds(), 1e-6)
	require.Equal(t, 12, snap.Tick)
	require.Equal(t, 3*time.Second, snap.Elapsed)

	// ETA moves a third of the way to the new estimate
	snap = poll()
	require.InDelta(t, 87.0/4/3+22.0*2/3, snap.ETA.Seconds(), 1e-6)
}

func TestProgressMeter_UnknownSize(t *testing.T) {
	start := time.Unix(0, 0)
	clock := start
	meter := newProgressMeter(DefaultRateWindow, start, func() time.Time { return clock })
	tctx := NewTransferContext(transport.SizeUnknown, start)

	var snap Snapshot
	for range 16 {
		clock = clock.Add(time.Second)
		tctx.Add(10)
		snap = meter.sample(tctx)
	}
	require.True(t, snap.RateKnown)
	require.False(t, snap.ETAKnown)
	_, ok := snap.Percent()
	require.False(t, ok)
}
