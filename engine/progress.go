package engine

import (
	"sync/atomic"
	"time"

	"github.com/franksops/gofetch/transport"
)

const (
	// rateSampleEvery is the number of polls between two rate samples.
	rateSampleEvery = 4

	// almostDone is the ETA under which the display stops counting down.
	almostDone = 3 * time.Second
)

// TransferContext is shared between the transfer task, which adds to the
// byte counter, and the orchestrator, which samples it. The counter only
// ever grows.
type TransferContext struct {
	transferred atomic.Int64
	size        int64
	started     time.Time
}

// NewTransferContext creates a context for a body of size bytes, or
// transport.SizeUnknown.
func NewTransferContext(size int64, started time.Time) *TransferContext {
	if size < 0 {
		size = transport.SizeUnknown
	}
	return &TransferContext{size: size, started: started}
}

// Add records n more bytes received and returns the new total.
func (c *TransferContext) Add(n int64) int64 {
	return c.transferred.Add(n)
}

// Transferred returns the bytes received so far.
func (c *TransferContext) Transferred() int64 {
	return c.transferred.Load()
}

// Size returns the expected body size or transport.SizeUnknown.
func (c *TransferContext) Size() int64 {
	return c.size
}

// Started returns the time the transfer began.
func (c *TransferContext) Started() time.Time {
	return c.started
}

// Snapshot is one progress observation handed to the observer.
type Snapshot struct {
	Transferred int64
	Size        int64
	Elapsed     time.Duration

	// Rate is in bytes per second and only meaningful when RateKnown.
	Rate      float64
	RateKnown bool

	ETA      time.Duration
	ETAKnown bool

	// Tick counts polls; renderers use it to animate a spinner.
	Tick int

	// Final is set on the last snapshot of a transfer.
	Final bool
}

// SizeKnown reports whether the total size was announced.
func (s Snapshot) SizeKnown() bool {
	return s.Size >= 0
}

// Percent returns the completed share in the range [0, 100].
func (s Snapshot) Percent() (float64, bool) {
	if !s.SizeKnown() {
		return 0, false
	}
	if s.Size == 0 {
		return 100, true
	}
	p := float64(s.Transferred) / float64(s.Size) * 100
	return min(p, 100), true
}

// AlmostDone reports whether the remaining time is too short to be worth
// counting down.
func (s Snapshot) AlmostDone() bool {
	return s.ETAKnown && s.ETA <= almostDone
}

// progressMeter turns counter readings into snapshots. Every fourth poll the
// throughput since the previous sample is fed into a RateEstimator, and the
// ETA is blended one third new, two thirds old.
type progressMeter struct {
	est *RateEstimator
	now func() time.Time

	polls     int
	tick      int
	lastBytes int64
	lastTime  time.Time

	rate   float64
	rateOK bool
	eta    float64
	etaOK  bool
}

func newProgressMeter(window int, start time.Time, now func() time.Time) *progressMeter {
	return &progressMeter{
		est:      NewRateEstimator(window),
		now:      now,
		lastTime: start,
	}
}

func (m *progressMeter) sample(tctx *TransferContext) Snapshot {
	now := m.now()
	total := tctx.Transferred()

	m.tick++
	m.polls++
	if m.polls >= rateSampleEvery {
		if dt := now.Sub(m.lastTime).Seconds(); dt > 0 {
			m.rate, m.rateOK = m.est.Update(float64(total-m.lastBytes) / dt)
		}
		m.polls = 0
		m.lastBytes = total
		m.lastTime = now
	}

	snap := Snapshot{
		Transferred: total,
		Size:        tctx.Size(),
		Elapsed:     now.Sub(tctx.Started()),
		Rate:        m.rate,
		RateKnown:   m.rateOK,
		Tick:        m.tick,
	}

	if snap.SizeKnown() && m.rateOK && m.rate > 0 {
		remaining := float64(max(snap.Size-total, 0)) / m.rate
		if m.etaOK {
			m.eta = remaining/3 + m.eta*2/3
		} else {
			m.eta = remaining
			m.etaOK = true
		}
		snap.ETA = time.Duration(m.eta * float64(time.Second))
		snap.ETAKnown = true
	}
	return snap
}
