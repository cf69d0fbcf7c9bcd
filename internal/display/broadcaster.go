package display

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/drostage/internal/protocol"
	"github.com/shaunagostinho/drostage/internal/telemetry"
)

// Source is the read side of the telemetry log.
type Source interface {
	Latest() (telemetry.Record, bool)
}

// Update is what one tick reported.
type Update struct {
	Pulse  float64 // pulse position
	DRO    float64 // millimetres
	Bounds Bounds
	Text   bool // a text notification was sent
	Plot   bool // a plot sample was sent
}

// Broadcaster samples the latest telemetry record at a fixed interval and
// forwards it to a Sink while the stage is moving. A Moving record switches
// notifications on; a Finish record switches them off again.
type Broadcaster struct {
	src      Source
	sink     Sink
	interval time.Duration

	mu         sync.Mutex
	textUpdate bool
	plotUpdate bool
	bounds     Bounds
}

// DefaultPlotInterval is used when the configured interval is not positive.
const DefaultPlotInterval = 100 * time.Millisecond

// NewBroadcaster creates an idle broadcaster.
func NewBroadcaster(src Source, sink Sink, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = DefaultPlotInterval
	}
	return &Broadcaster{
		src:      src,
		sink:     sink,
		interval: interval,
		bounds:   DefaultBounds(),
	}
}

// Tick samples the log once. It reports false when nothing was sent.
func (b *Broadcaster) Tick() (Update, bool) {
	rec, ok := b.src.Latest()
	if !ok {
		return Update{}, false
	}

	b.mu.Lock()
	switch rec.State {
	case protocol.Moving:
		b.textUpdate, b.plotUpdate = true, true
	case protocol.Finish:
		b.textUpdate, b.plotUpdate = false, false
	}
	pulse, dro := rec.Pulse, rec.DROmm()
	b.bounds = b.bounds.Extend(pulse, dro)
	up := Update{
		Pulse:  pulse,
		DRO:    dro,
		Bounds: b.bounds,
		Text:   b.textUpdate,
		Plot:   b.plotUpdate,
	}
	b.mu.Unlock()

	if b.sink != nil {
		if up.Text {
			b.sink.UpdateText(round2(pulse), round2(dro))
		}
		if up.Plot {
			b.sink.UpdatePlot(pulse, dro, up.Bounds)
		}
	}
	return up, up.Text || up.Plot
}

// Run ticks until ctx is cancelled. Cancellation is observed within one
// interval.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	log.Printf("[broadcast] sampling every %v", b.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[broadcast] stopped")
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}

// Active reports whether notifications are currently enabled.
func (b *Broadcaster) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.textUpdate || b.plotUpdate
}

// Bounds returns the running sample bounds.
func (b *Broadcaster) Bounds() Bounds {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bounds
}

// Interval returns the sampling period.
func (b *Broadcaster) Interval() time.Duration { return b.interval }
