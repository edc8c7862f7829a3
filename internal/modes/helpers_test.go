package modes

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/detection"
	"github.com/banshee-data/turret/internal/devicelink"
	"github.com/banshee-data/turret/internal/effector"
	"github.com/banshee-data/turret/internal/gimbal"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func init() {
	monitoring.Mute()
}

// fakeGimbal applies every accepted move at once and records what it was
// asked to do.
type fakeGimbal struct {
	mu           sync.Mutex
	pos          gimbal.Position
	moves        []gimbal.Position
	speeds       []int
	waits        []bool
	boards       []string
	calibrations int
	stops        int
	moveErr      error
	boardErr     error
}

func (g *fakeGimbal) MoveTo(_ context.Context, heading, elevation float64, speed int, wait bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.moveErr != nil {
		return g.moveErr
	}
	p := gimbal.Position{Heading: heading, Elevation: elevation}
	g.moves = append(g.moves, p)
	g.speeds = append(g.speeds, speed)
	g.waits = append(g.waits, wait)
	g.pos = p
	return nil
}

func (g *fakeGimbal) MoveToBoard(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.boardErr != nil {
		return g.boardErr
	}
	g.boards = append(g.boards, id)
	return nil
}

func (g *fakeGimbal) Position() gimbal.Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pos
}

func (g *fakeGimbal) Calibrate(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calibrations++
	g.pos = gimbal.Position{}
	return nil
}

func (g *fakeGimbal) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stops++
	return nil
}

func (g *fakeGimbal) Moves() []gimbal.Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gimbal.Position(nil), g.moves...)
}

type harness struct {
	cfg    config.Config
	clock  *timeutil.MockClock
	link   *devicelink.SimulatedLink
	gim    *fakeGimbal
	eff    *effector.Controller
	events []Event
	opts   Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cfg:   config.Default(),
		clock: timeutil.NewMockClock(epoch),
		gim:   &fakeGimbal{},
	}
	h.link = devicelink.NewSimulatedLink(25, devicelink.Options{Clock: h.clock})
	h.eff = effector.New(h.link, h.gim, h.cfg.Effector, effector.Options{Clock: h.clock})
	h.opts = Options{
		Clock:   h.clock,
		OnEvent: func(ev Event) { h.events = append(h.events, ev) },
	}
	t.Cleanup(func() { h.link.Close() })
	return h
}

// fires counts effector-on commands sent to the device.
func (h *harness) fires() int {
	n := 0
	for _, c := range h.link.Sent() {
		if c.Kind() == devicelink.KindFire {
			n++
		}
	}
	return n
}

func (h *harness) eventTypes() []EventType {
	out := make([]EventType, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

func (h *harness) stages() []string {
	var out []string
	for _, ev := range h.events {
		if ev.Type == EventStage {
			out = append(out, ev.Detail)
		}
	}
	return out
}

// frame builds a 640x480 frame, so the center is (320, 240).
func frame(dets ...detection.Detection) detection.Frame {
	return detection.Frame{Width: 640, Height: 480, Detections: dets}
}

func det(class string, x, y, conf float64) detection.Detection {
	return detection.Detection{
		Box:        detection.Box{X: x - 20, Y: y - 20, W: 40, H: 40},
		Class:      class,
		Confidence: conf,
		Center:     detection.Point{X: x, Y: y},
	}
}

func enemy(class string, x, y, conf float64) detection.Detection {
	d := det(class, x, y, conf)
	d.IsEnemy = true
	return d
}

func balloon(color, shape string, x, y float64) detection.Detection {
	d := det(strings.ToLower(color)+"_balloon", x, y, 0.9)
	d.Color = color
	d.Shape = shape
	return d
}

func qr(text string) detection.Detection {
	return detection.Detection{Class: "qr", Confidence: 1, QRText: text}
}
