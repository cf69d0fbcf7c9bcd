package display

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/drostage/internal/protocol"
	"github.com/shaunagostinho/drostage/internal/telemetry"
)

// recordingSink captures notifications for assertions.
type recordingSink struct {
	mu     sync.Mutex
	texts  [][2]float64
	plots  []Bounds
	lines  []string
	points [][2]float64
}

func (r *recordingSink) UpdateText(pulse, dro float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, [2]float64{pulse, dro})
}

func (r *recordingSink) UpdatePlot(pulse, dro float64, b Bounds) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, [2]float64{pulse, dro})
	r.plots = append(r.plots, b)
}

func (r *recordingSink) Write(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, msg)
}

func (r *recordingSink) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts), len(r.plots), len(r.lines)
}

func TestBroadcasterEmptyLog(t *testing.T) {
	sink := &recordingSink{}
	b := NewBroadcaster(telemetry.NewLog(), sink, time.Millisecond)

	if _, ok := b.Tick(); ok {
		t.Error("Tick() on empty log should not report")
	}
	if tx, pl, _ := sink.counts(); tx+pl != 0 {
		t.Errorf("unexpected notifications: text=%d plot=%d", tx, pl)
	}
}

func TestBroadcasterIdleAfterFinish(t *testing.T) {
	l := telemetry.NewLog()
	l.Record(protocol.Event{Kind: protocol.Finish, Pulse: 10, DRO: 250}, 1)

	sink := &recordingSink{}
	b := NewBroadcaster(l, sink, time.Millisecond)

	for i := 0; i < 3; i++ {
		if _, ok := b.Tick(); ok {
			t.Fatalf("tick %d reported while idle", i)
		}
	}
	if tx, pl, _ := sink.counts(); tx+pl != 0 {
		t.Errorf("idle broadcaster notified: text=%d plot=%d", tx, pl)
	}
	if b.Active() {
		t.Error("Active() = true after Finish")
	}

	l.Record(protocol.Event{Kind: protocol.Moving, Pulse: 12.346, DRO: 1234}, 2)
	up, ok := b.Tick()
	if !ok || !up.Text || !up.Plot {
		t.Fatalf("Tick() after Moving = %+v, %v", up, ok)
	}
	if up.DRO != 12.34 || up.Pulse != 12.346 {
		t.Errorf("update = %+v", up)
	}
	if len(sink.texts) != 1 || sink.texts[0] != [2]float64{12.35, 12.34} {
		t.Errorf("text notifications = %v", sink.texts)
	}
	if len(sink.points) != 1 || sink.points[0] != [2]float64{12.346, 12.34} {
		t.Errorf("plot notifications = %v", sink.points)
	}

	l.Record(protocol.Event{Kind: protocol.Finish, Pulse: 13, DRO: 1300}, 2)
	if _, ok := b.Tick(); ok {
		t.Error("Tick() after Finish should be silent")
	}
}

func TestBroadcasterBoundsNeverShrink(t *testing.T) {
	l := telemetry.NewLog()
	b := NewBroadcaster(l, nil, time.Millisecond)
	rng := rand.New(rand.NewSource(7))

	if got := b.Bounds(); got != DefaultBounds() {
		t.Fatalf("initial bounds = %+v", got)
	}

	prev := b.Bounds()
	var seen [][2]float64
	for i := 0; i < 500; i++ {
		pulse := (rng.Float64() - 0.5) * 2000
		dro := (rng.Float64() - 0.5) * 20000
		l.Record(protocol.Event{Kind: protocol.Moving, Pulse: pulse, DRO: dro}, 1)
		up, _ := b.Tick()
		seen = append(seen, [2]float64{up.Pulse, up.DRO})

		cur := b.Bounds()
		if cur.PulseLower > prev.PulseLower || cur.PulseUpper < prev.PulseUpper ||
			cur.DROLower > prev.DROLower || cur.DROUpper < prev.DROUpper {
			t.Fatalf("bounds shrank from %+v to %+v", prev, cur)
		}
		prev = cur
	}
	for _, s := range seen {
		if !prev.Contains(s[0], s[1]) {
			t.Errorf("sample %v outside bounds %+v", s, prev)
		}
	}
}

func TestBroadcasterRunStops(t *testing.T) {
	l := telemetry.NewLog()
	l.Record(protocol.Event{Kind: protocol.Moving, Pulse: 1, DRO: 100}, 1)
	sink := &recordingSink{}
	b := NewBroadcaster(l, sink, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if tx, _, _ := sink.counts(); tx >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("broadcaster never ticked")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewBroadcasterDefaultInterval(t *testing.T) {
	b := NewBroadcaster(telemetry.NewLog(), nil, 0)
	if b.Interval() != DefaultPlotInterval {
		t.Errorf("Interval() = %v", b.Interval())
	}
}

func TestMultiFansOut(t *testing.T) {
	a, c := &recordingSink{}, &recordingSink{}
	m := NewMulti(a, nil)
	m.Add(c)

	m.Write("connect router")
	m.UpdateText(1, 2)
	m.UpdatePlot(1, 2, DefaultBounds())

	for i, s := range []*recordingSink{a, c} {
		tx, pl, ln := s.counts()
		if tx != 1 || pl != 1 || ln != 1 {
			t.Errorf("sink %d got text=%d plot=%d lines=%d", i, tx, pl, ln)
		}
	}
}
