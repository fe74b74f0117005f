package ui

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/franksops/gofetch/engine"
	"github.com/franksops/gofetch/transport"
	"github.com/schollz/progressbar/v3"
)

// Renderer shows a running download. It receives everything the fetcher
// reports through the engine.Observer methods.
type Renderer interface {
	engine.Observer

	// Start prepares the display before the run begins.
	Start() error
	// Stop tears the display down once the run has ended.
	Stop()
}

// statusText is the short form of ProgressLine used as bar description.
func statusText(s engine.Snapshot) string {
	frame := "[" + SpinnerFrame(s.Tick) + "] "
	switch {
	case s.ETAKnown && s.AlmostDone():
		return frame + "almost finished"
	case s.ETAKnown:
		return frame + FormatDuration(s.ETA) + " remaining"
	default:
		return frame + "please stand by"
	}
}

// ConsoleRenderer prints notices as lines and the transfer as a progress bar
// on the console's writer.
type ConsoleRenderer struct {
	console *Console
	target  string
	abort   engine.SignalView

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// NewConsoleRenderer creates a renderer for a download of u. Notices are
// suppressed once abort has fired.
func NewConsoleRenderer(c *Console, u *url.URL, abort engine.SignalView) *ConsoleRenderer {
	return &ConsoleRenderer{
		console: c,
		target:  transport.HostPort(u),
		abort:   abort,
	}
}

// Start implements Renderer.
func (r *ConsoleRenderer) Start() error {
	return nil
}

// Stop implements Renderer.
func (r *ConsoleRenderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endBarLocked()
}

// OnMessage implements engine.Observer.
func (r *ConsoleRenderer) OnMessage(text string) {
	if r.abort != nil && r.abort.IsSet() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar != nil {
		_ = r.bar.Clear()
	}
	if strings.HasPrefix(text, "WARNING:") {
		r.console.Warn(text)
		return
	}
	r.console.Notice(text)
}

// OnState implements engine.Observer.
func (r *ConsoleRenderer) OnState(s engine.RunState) {
	switch s {
	case engine.RunConnecting:
		r.console.Connecting(r.target)
	case engine.RunFinalizing, engine.RunFailed, engine.RunAborted:
		r.mu.Lock()
		r.endBarLocked()
		r.mu.Unlock()
	}
}

// OnResponse implements engine.Observer.
func (r *ConsoleRenderer) OnResponse(res transport.Result) {
	r.console.Response(res)
}

// OnProgress implements engine.Observer.
func (r *ConsoleRenderer) OnProgress(s engine.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar == nil {
		r.bar = progressbar.NewOptions64(s.Size,
			progressbar.OptionSetWriter(r.console.Writer()),
			progressbar.OptionShowBytes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionSetDescription(statusText(s)),
		)
	}
	r.bar.Describe(statusText(s))
	_ = r.bar.Set64(s.Transferred)
	if s.Final {
		r.endBarLocked()
	}
}

func (r *ConsoleRenderer) endBarLocked() {
	if r.bar == nil {
		return
	}
	fmt.Fprintln(r.console.Writer())
	r.bar = nil
}

// QuietRenderer shows nothing.
type QuietRenderer struct{}

func (QuietRenderer) Start() error                { return nil }
func (QuietRenderer) Stop()                       {}
func (QuietRenderer) OnMessage(string)            {}
func (QuietRenderer) OnState(engine.RunState)     {}
func (QuietRenderer) OnResponse(transport.Result) {}
func (QuietRenderer) OnProgress(engine.Snapshot)  {}
